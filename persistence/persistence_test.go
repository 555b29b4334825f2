// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.InitLogging("error")
	os.Exit(m.Run())
}

func testPersistence(t *testing.T) *Persistence {
	p, err := NewPersistence(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestFoldersRoundTrip(t *testing.T) {
	p := testPersistence(t)

	folders, err := p.AllFolders()
	require.NoError(t, err)
	assert.Empty(t, folders)

	require.NoError(t, p.SaveFolder("INBOX", 100))
	require.NoError(t, p.SaveFolder("INBOX", 150))
	require.NoError(t, p.SaveFolder("Archive", 7))

	folders, err = p.AllFolders()
	require.NoError(t, err)
	require.Len(t, folders, 2)

	byName := map[string]uint32{}
	for _, f := range folders {
		byName[f.Name] = f.UidNext
	}
	assert.Equal(t, uint32(150), byName["INBOX"])
	assert.Equal(t, uint32(7), byName["Archive"])
}

func TestClassifiedRoundTrip(t *testing.T) {
	p := testPersistence(t)

	err := p.SaveClassified([]domain.SaveClassified{
		{Uid: 11, FolderName: "INBOX", Sender: "shop@example.com", Subject: "Great offer", Reason: "empty recipients"},
		{Uid: 12, FolderName: "INBOX", Sender: "other@example.com", Subject: "Great offer", Reason: "duplicate subject"},
		{Uid: 13, FolderName: "Other", Sender: "x@example.com", Subject: "Hi", Reason: "not sent to user"},
	})
	require.NoError(t, err)

	mails, err := p.ClassifiedInFolder("INBOX")
	require.NoError(t, err)
	require.Len(t, mails, 2)

	assert.Equal(t, uint32(11), mails[0].Uid)
	assert.Equal(t, "shop@example.com", mails[0].Sender)
	assert.Equal(t, "empty recipients", mails[0].Reason)
	assert.False(t, mails[0].ClassifiedAt.IsZero())
	assert.Equal(t, "duplicate subject", mails[1].Reason)
}

func TestClassifiedEmptyBatch(t *testing.T) {
	p := testPersistence(t)

	require.NoError(t, p.SaveClassified(nil))

	mails, err := p.ClassifiedInFolder("INBOX")
	require.NoError(t, err)
	assert.Empty(t, mails)
}
