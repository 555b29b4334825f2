// SPDX-License-Identifier: GPL-3.0-or-later

// Package whitelist owns the reputation store's lifecycle: staleness checks
// against the persisted file, regeneration from two concurrent mailbox scans
// and atomic replacement of the in-memory snapshot.
package whitelist

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"
	"github.com/gmaul/gmaul/reputation"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var ErrNotInitialized = errors.New("whitelist not initialized")

const scanBatchSize = 200

type Manager struct {
	connect     domain.Connector
	path        string
	maxAge      time.Duration
	sentFolder  string
	inboxFolder string

	l *logrus.Logger

	mu sync.Mutex
	// inflight is nil when idle and closed when the running generation
	// finishes; it is the at-most-one-concurrent-generation guard.
	inflight chan struct{}
	lastErr  error
	store    *reputation.Store
}

func NewManager(connect domain.Connector, path string, maxAge time.Duration, sentFolder, inboxFolder string) *Manager {
	return &Manager{
		connect:     connect,
		path:        path,
		maxAge:      maxAge,
		sentFolder:  sentFolder,
		inboxFolder: inboxFolder,
		l:           log.Logger(log.LOG_WHITELIST),
	}
}

// Update brings the in-memory store up to date. A missing or stale persisted
// file triggers a regeneration; concurrent callers never start a second one,
// they await the one in flight and share its result.
func (m *Manager) Update() error {
	m.mu.Lock()
	if ch := m.inflight; ch != nil {
		m.mu.Unlock()
		return m.await(ch)
	}

	stale, reason := m.isStale()
	if !stale {
		m.mu.Unlock()
		return m.reload()
	}

	ch := make(chan struct{})
	m.inflight = ch
	m.mu.Unlock()

	m.l.WithField("reason", reason).Info("Regenerating whitelist, this may take a few minutes")
	return m.finish(ch, m.regenerate())
}

// Regenerate forces a fresh generation regardless of file age. It shares the
// in-flight guard with Update.
func (m *Manager) Regenerate() error {
	m.mu.Lock()
	if ch := m.inflight; ch != nil {
		m.mu.Unlock()
		return m.await(ch)
	}

	ch := make(chan struct{})
	m.inflight = ch
	m.mu.Unlock()

	return m.finish(ch, m.regenerate())
}

func (m *Manager) await(ch chan struct{}) error {
	<-ch
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *Manager) finish(ch chan struct{}, err error) error {
	m.mu.Lock()
	m.inflight = nil
	m.lastErr = err
	m.mu.Unlock()
	close(ch)
	return err
}

// Lookup consults the current in-memory snapshot. Reads during a running
// regeneration see the previous snapshot until the new one is swapped in.
func (m *Manager) Lookup(address string) (*reputation.Entry, error) {
	m.mu.Lock()
	store := m.store
	m.mu.Unlock()

	if store == nil {
		return nil, ErrNotInitialized
	}

	return store.Lookup(address), nil
}

func (m *Manager) isStale() (bool, string) {
	info, err := os.Stat(m.path)
	if err != nil {
		return true, "missing"
	}

	if time.Since(info.ModTime()) > m.maxAge {
		return true, "stale"
	}

	return false, ""
}

func (m *Manager) reload() error {
	store, err := reputation.Load(m.path)
	if err != nil {
		return fmt.Errorf("could not load whitelist: %w", err)
	}

	m.mu.Lock()
	m.store = store
	m.mu.Unlock()
	return nil
}

// regenerate builds a fresh store, persists it and swaps it in. On scan
// failure nothing is persisted; an existing on-disk store is reloaded instead
// so lookups keep serving the previous snapshot.
func (m *Manager) regenerate() error {
	err := m.generate()
	if err == nil {
		return m.reload()
	}

	m.l.WithField("error", err).Error("Whitelist generation failed")
	if reloadErr := m.reload(); reloadErr == nil {
		m.l.Warn("Serving previous whitelist snapshot")
		return nil
	}

	return err
}

func (m *Manager) generate() error {
	start := time.Now()
	store := reputation.NewStore()

	// The two scans run on independent connections and mutate the same
	// store; MarkActivity is the synchronization point.
	g := errgroup.Group{}
	g.Go(func() error { return m.scanSent(store) })
	g.Go(func() error { return m.scanInbox(store) })

	err := g.Wait()
	if err != nil {
		return err
	}

	err = store.Save(m.path)
	if err != nil {
		return fmt.Errorf("could not persist whitelist: %w", err)
	}

	m.l.WithFields(logrus.Fields{"addresses": store.Len(), "duration": time.Since(start)}).Info("Generated whitelist")
	return nil
}

func (m *Manager) scanSent(store *reputation.Store) error {
	return m.scanFolder(m.sentFolder, func(mail *domain.ParsedMail) {
		for _, recipient := range recipients(mail) {
			store.MarkActivity(reputation.Sent, recipient.Address, mail.Date, uint64(mail.Size))
		}
	})
}

func (m *Manager) scanInbox(store *reputation.Store) error {
	return m.scanFolder(m.inboxFolder, func(mail *domain.ParsedMail) {
		// Unseen mail has not been vetted by the user and must not feed
		// the whitelist.
		if !mail.Seen {
			return
		}

		store.MarkActivity(reputation.Inbox, mail.From.Address, mail.Date, uint64(mail.Size))
		for _, recipient := range recipients(mail) {
			store.MarkActivity(reputation.Inbox, recipient.Address, mail.Date, uint64(mail.Size))
		}
	})
}

func (m *Manager) scanFolder(folder string, mark func(mail *domain.ParsedMail)) error {
	source, err := m.connect()
	if err != nil {
		return fmt.Errorf("could not connect for %s scan: %w", folder, err)
	}
	defer source.Close(false)

	_, err = source.Select(folder, true)
	if err != nil {
		return fmt.Errorf("could not select %s: %w", folder, err)
	}

	uids, err := source.SearchUids(domain.SearchCriteria{})
	if err != nil {
		return fmt.Errorf("could not list %s: %w", folder, err)
	}

	if len(uids) == 0 {
		m.l.WithField("folder", folder).Debug("Folder is empty")
		return nil
	}

	batches := partitionUids(uids, scanBatchSize)
	m.l.WithFields(logrus.Fields{"folder": folder, "mails": len(uids), "batches": len(batches)}).Debug("Scanning folder")

	for _, batch := range batches {
		mails, err := source.FetchHeaders(batch)
		if err != nil {
			return fmt.Errorf("could not fetch headers in %s: %w", folder, err)
		}

		for _, mail := range mails {
			mark(mail)
		}
	}

	return nil
}

func recipients(mail *domain.ParsedMail) []domain.Address {
	merged := make([]domain.Address, 0, len(mail.To)+len(mail.Cc)+len(mail.Bcc))
	merged = append(merged, mail.To...)
	merged = append(merged, mail.Cc...)
	merged = append(merged, mail.Bcc...)
	return merged
}

// taken from https://github.com/golang/go/wiki/SliceTricks
func partitionUids(uids []uint32, partitionSize int) [][]uint32 {
	batches := make([][]uint32, 0, (len(uids)+partitionSize-1)/partitionSize)

	for partitionSize < len(uids) {
		uids, batches = uids[partitionSize:], append(batches, uids[0:partitionSize:partitionSize])
	}
	batches = append(batches, uids)

	return batches
}
