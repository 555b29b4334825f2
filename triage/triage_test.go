// SPDX-License-Identifier: GPL-3.0-or-later
package triage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gmaul/gmaul/config"
	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"
	"github.com/gmaul/gmaul/reputation"
	"github.com/gmaul/gmaul/rules"
	"github.com/gmaul/gmaul/subjects"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.InitLogging("error")
	os.Exit(m.Run())
}

type fakeWhitelist struct {
	known map[string]bool

	updateErr     error
	updates       int
	regenerations int
}

func (f *fakeWhitelist) Update() error {
	f.updates++
	return f.updateErr
}

func (f *fakeWhitelist) Regenerate() error {
	f.regenerations++
	return nil
}

func (f *fakeWhitelist) Lookup(address string) (*reputation.Entry, error) {
	if f.known[address] {
		return &reputation.Entry{SentCount: 1}, nil
	}
	return nil, nil
}

type fakeSource struct {
	selectStatus *domain.MailboxStatus
	selectErr    error

	searchResult []uint32
	fetchResult  []*domain.ParsedMail

	moveReadyReason error
	moveErr         error

	selectedFolder string
	selectedRO     bool
	searchCriteria *domain.SearchCriteria
	fetchedUids    []uint32
	movedUids      []uint32
	movedFolder    string
	closed         bool
}

func (f *fakeSource) Select(folder string, readOnly bool) (*domain.MailboxStatus, error) {
	f.selectedFolder = folder
	f.selectedRO = readOnly
	return f.selectStatus, f.selectErr
}

func (f *fakeSource) SearchUids(criteria domain.SearchCriteria) ([]uint32, error) {
	f.searchCriteria = &criteria
	return f.searchResult, nil
}

func (f *fakeSource) FetchHeaders(uids []uint32) ([]*domain.ParsedMail, error) {
	f.fetchedUids = uids
	return f.fetchResult, nil
}

func (f *fakeSource) MoveReady() (error, error) {
	return f.moveReadyReason, nil
}

func (f *fakeSource) Move(uids []uint32, folder string) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.movedUids = uids
	f.movedFolder = folder
	return nil
}

func (f *fakeSource) Close(expunge bool) error {
	f.closed = true
	return nil
}

type fakePersistence struct {
	folders []*domain.ImapFolder

	savedFolder  string
	savedUidNext uint32
	classified   []domain.SaveClassified
}

func (f *fakePersistence) Close() error { return nil }

func (f *fakePersistence) AllFolders() ([]*domain.ImapFolder, error) {
	return f.folders, nil
}

func (f *fakePersistence) SaveFolder(name string, uidNext uint32) error {
	f.savedFolder = name
	f.savedUidNext = uidNext
	return nil
}

func (f *fakePersistence) SaveClassified(mails []domain.SaveClassified) error {
	f.classified = append(f.classified, mails...)
	return nil
}

func (f *fakePersistence) ClassifiedInFolder(folder string) ([]*domain.ClassifiedMail, error) {
	return nil, nil
}

func testChain(t *testing.T, whitelist rules.Whitelist) *rules.Chain {
	cfg := &config.Config{
		Emails: []string{"me@example.com"},
		Names:  []string{"john"},
	}
	chain, err := rules.NewChain(cfg, whitelist, nil)
	require.NoError(t, err)
	return chain
}

func testCache(t *testing.T) *subjects.Cache {
	return subjects.NewCache(filepath.Join(t.TempDir(), "subjects.json"), time.Hour)
}

func mailTo(uid uint32, from domain.Address, subject string) *domain.ParsedMail {
	return &domain.ParsedMail{
		Uid:     uid,
		Date:    time.Now(),
		From:    from,
		To:      []domain.Address{{Name: "John", Address: "me@example.com"}},
		Subject: subject,
	}
}

func newTestTriage(t *testing.T, source *fakeSource, persistence *fakePersistence, wl *fakeWhitelist, cache *subjects.Cache) *Triage {
	connect := func() (domain.MailSource, error) { return source, nil }
	triage, err := NewTriage(connect, persistence, wl, cache, testChain(t, wl), Folders("INBOX", "Trash"), Lookback(7*24*time.Hour))
	require.NoError(t, err)
	return triage
}

func TestRunCycleFirstRun(t *testing.T) {
	wl := &fakeWhitelist{known: map[string]bool{"friend@example.com": true}}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100, Messages: 3},
		searchResult: []uint32{10, 11},
		fetchResult: []*domain.ParsedMail{
			mailTo(10, domain.Address{Name: "Friend", Address: "friend@example.com"}, "Hello"),
			mailTo(11, domain.Address{Name: "Shop", Address: "shop@example.com"}, ""),
		},
	}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	require.NoError(t, err)

	assert.Equal(t, 1, wl.updates)
	assert.Equal(t, "INBOX", source.selectedFolder)
	assert.False(t, source.selectedRO)

	require.NotNil(t, source.searchCriteria)
	assert.True(t, source.searchCriteria.UnseenOnly)
	assert.Zero(t, source.searchCriteria.SinceUid)
	assert.False(t, source.searchCriteria.Since.IsZero())

	// uid 10 is whitelisted, uid 11 has an empty subject
	assert.Equal(t, []uint32{11}, source.movedUids)
	assert.Equal(t, "Trash", source.movedFolder)

	require.Len(t, persistence.classified, 1)
	assert.Equal(t, uint32(11), persistence.classified[0].Uid)
	assert.Equal(t, "shop@example.com", persistence.classified[0].Sender)
	assert.Equal(t, "empty subject", persistence.classified[0].Reason)

	assert.Equal(t, "INBOX", persistence.savedFolder)
	assert.Equal(t, uint32(100), persistence.savedUidNext)
	assert.True(t, source.closed)
}

func TestRunCycleUsesLowWaterMark(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100},
		searchResult: []uint32{10, 60},
		fetchResult: []*domain.ParsedMail{
			// uid 10 is below the mark and must be ignored even though the
			// server returned it
			mailTo(10, domain.Address{Name: "Shop", Address: "shop@example.com"}, ""),
			mailTo(60, domain.Address{Name: "Shop", Address: "shop@example.com"}, ""),
		},
	}
	persistence := &fakePersistence{
		folders: []*domain.ImapFolder{{Name: "INBOX", UidNext: 50}},
	}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	require.NoError(t, err)

	require.NotNil(t, source.searchCriteria)
	assert.Equal(t, uint32(50), source.searchCriteria.SinceUid)
	assert.True(t, source.searchCriteria.Since.IsZero())

	assert.Equal(t, []uint32{60}, source.movedUids)
	require.Len(t, persistence.classified, 1)
	assert.Equal(t, uint32(60), persistence.classified[0].Uid)
}

func TestRunCycleDuplicateSubjects(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100},
		searchResult: []uint32{20, 21},
		fetchResult: []*domain.ParsedMail{
			mailTo(20, domain.Address{Name: "Alice Vendor", Address: "a@example.org"}, "Great offer 47"),
			mailTo(21, domain.Address{Name: "Bob Vendor", Address: "b@example.org"}, "Great offer 48"),
		},
	}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	require.NoError(t, err)

	// the duplicate correlation flags both mails retroactively
	assert.Equal(t, []uint32{20, 21}, source.movedUids)
	require.Len(t, persistence.classified, 2)
	assert.Equal(t, uint32(21), persistence.classified[0].Uid)
	assert.Equal(t, "duplicate subject", persistence.classified[0].Reason)
	assert.Equal(t, uint32(20), persistence.classified[1].Uid)
	assert.Equal(t, "duplicate subject", persistence.classified[1].Reason)
	assert.Equal(t, "a@example.org", persistence.classified[1].Sender)
	assert.Equal(t, "Great offer 47", persistence.classified[1].Subject)
}

func TestRunCycleDuplicateFromEarlierCycle(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100},
		searchResult: []uint32{30},
		fetchResult: []*domain.ParsedMail{
			mailTo(30, domain.Address{Name: "Bob Vendor", Address: "b@example.org"}, "Great offer 48"),
		},
	}
	persistence := &fakePersistence{}
	cache := testCache(t)
	// uid 5 was examined in an earlier cycle, the cache still remembers its
	// subject
	cache.Check(5, "Great offer 47", time.Now(), domain.NewUidSet())

	triage := newTestTriage(t, source, persistence, wl, cache)
	err := triage.RunCycle()
	require.NoError(t, err)

	assert.Equal(t, []uint32{5, 30}, source.movedUids)
	require.Len(t, persistence.classified, 2)
	assert.Equal(t, uint32(30), persistence.classified[0].Uid)
	assert.Equal(t, uint32(5), persistence.classified[1].Uid)
	assert.Equal(t, "duplicate subject", persistence.classified[1].Reason)
	// nothing is known about the earlier mail anymore
	assert.Empty(t, persistence.classified[1].Sender)
}

func TestRunCycleSubjectPersistFailureAbortsCycle(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100},
		searchResult: []uint32{11},
		fetchResult:  []*domain.ParsedMail{mailTo(11, domain.Address{Name: "Shop", Address: "shop@example.com"}, "")},
	}
	persistence := &fakePersistence{}
	// parent directory does not exist, the atomic write must fail
	cache := subjects.NewCache(filepath.Join(t.TempDir(), "missing", "subjects.json"), time.Hour)

	triage := newTestTriage(t, source, persistence, wl, cache)
	err := triage.RunCycle()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not persist subject cache")

	// nothing moved, low-water mark unadvanced: the next cycle retries
	assert.Nil(t, source.movedUids)
	assert.Empty(t, persistence.classified)
	assert.Empty(t, persistence.savedFolder)
}

func TestRunCycleNothingDenied(t *testing.T) {
	wl := &fakeWhitelist{known: map[string]bool{"friend@example.com": true}}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 42},
		searchResult: []uint32{1},
		fetchResult: []*domain.ParsedMail{
			mailTo(1, domain.Address{Name: "Friend", Address: "friend@example.com"}, "Hi"),
		},
	}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	require.NoError(t, err)

	assert.Nil(t, source.movedUids)
	assert.Empty(t, persistence.classified)
	assert.Equal(t, uint32(42), persistence.savedUidNext)
}

func TestRunCycleWhitelistUpdateFails(t *testing.T) {
	wl := &fakeWhitelist{updateErr: errors.New("scan failed")}
	source := &fakeSource{}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	assert.EqualError(t, err, "could not update whitelist: scan failed")
	assert.Empty(t, source.selectedFolder)
}

func TestRunCycleMoveNotReady(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus:    &domain.MailboxStatus{UidNext: 100},
		searchResult:    []uint32{11},
		fetchResult:     []*domain.ParsedMail{mailTo(11, domain.Address{Name: "Shop", Address: "shop@example.com"}, "")},
		moveReadyReason: errors.New("items with delete flag present"),
	}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	assert.EqualError(t, err, "folder is not ready for moving mails: items with delete flag present")
	assert.Empty(t, persistence.savedFolder)
}

func TestRunCycleMoveFails(t *testing.T) {
	wl := &fakeWhitelist{}
	source := &fakeSource{
		selectStatus: &domain.MailboxStatus{UidNext: 100},
		searchResult: []uint32{11},
		fetchResult:  []*domain.ParsedMail{mailTo(11, domain.Address{Name: "Shop", Address: "shop@example.com"}, "")},
		moveErr:      errors.New("server gone"),
	}
	persistence := &fakePersistence{}

	triage := newTestTriage(t, source, persistence, wl, testCache(t))
	err := triage.RunCycle()
	assert.EqualError(t, err, "could not move mails to trash: server gone")
	assert.Empty(t, persistence.classified)
	assert.Empty(t, persistence.savedFolder)
}

func TestReinitWhitelist(t *testing.T) {
	wl := &fakeWhitelist{}
	triage := newTestTriage(t, &fakeSource{}, &fakePersistence{}, wl, testCache(t))

	err := triage.ReinitWhitelist()
	require.NoError(t, err)
	assert.Equal(t, 1, wl.regenerations)
}

func TestNewTriageRequiresFolders(t *testing.T) {
	connect := func() (domain.MailSource, error) { return &fakeSource{}, nil }
	_, err := NewTriage(connect, &fakePersistence{}, &fakeWhitelist{}, testCache(t), testChain(t, &fakeWhitelist{}))
	assert.Error(t, err)
}
