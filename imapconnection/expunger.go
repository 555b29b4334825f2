// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"

	"github.com/emersion/go-imap"
)

// expunger permanently removes messages by uid. Which strategy is used
// depends on the capabilities the server advertises.
type expunger interface {
	expunge(uids []uint32) error
	expungeReady() (error, error)
}

type deletedFlagger interface {
	flagDeleted(uids []uint32) (*imap.SeqSet, error)
}

type uidExpungeClient interface {
	UidExpunge(seqSet *imap.SeqSet, ch chan uint32) error
}

// uidExpunger removes messages with UIDPLUS, which expunges exactly the
// given uids and cannot touch unrelated flagged mails.
type uidExpunger struct {
	imapConn      deletedFlagger
	uidplusClient uidExpungeClient
}

func (u *uidExpunger) expunge(uids []uint32) error {
	seqset, err := u.imapConn.flagDeleted(uids)
	if err != nil {
		return fmt.Errorf("could not flag items as deleted: %w", err)
	}

	out := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- u.uidplusClient.UidExpunge(seqset, out)
	}()

	expunged := []uint32{}
	for uid := range out {
		expunged = append(expunged, uid)
	}

	err = <-done
	if err != nil {
		return fmt.Errorf("could not expunge mails: %w", err)
	}

	if len(expunged) != len(uids) {
		return fmt.Errorf("unexpected number of expunges, expected %d got %d", len(uids), len(expunged))
	}

	return nil
}

func (u *uidExpunger) expungeReady() (error, error) {
	// UIDPLUS expunges by uid and is therefore always ready
	return nil, nil
}

type flagAndExpungeClient interface {
	deletedFlagger
	Expunge(ch chan uint32) error
	UidSearch(criteria *imap.SearchCriteria) (uids []uint32, err error)
}

// flagExpunger is the fallback for servers without UIDPLUS. EXPUNGE removes
// everything carrying the deleted flag, so the folder must be clean of
// previously flagged mails before it may run.
type flagExpunger struct {
	imapConn flagAndExpungeClient
}

func (f *flagExpunger) expunge(uids []uint32) error {
	notReadyReason, err := f.expungeReady()
	if err != nil {
		return fmt.Errorf("could not check for expunge readiness: %w", err)
	}

	if notReadyReason != nil {
		return fmt.Errorf("folder is not ready for expunge: %w", notReadyReason)
	}

	_, err = f.imapConn.flagDeleted(uids)
	if err != nil {
		return fmt.Errorf("could not set deleted flag: %w", err)
	}

	out := make(chan uint32)
	done := make(chan error, 1)
	go func() {
		done <- f.imapConn.Expunge(out)
	}()

	expunged := []uint32{}
	for uid := range out {
		expunged = append(expunged, uid)
	}

	err = <-done
	if err != nil {
		return fmt.Errorf("could not expunge mails: %w", err)
	}

	if len(expunged) != len(uids) {
		return fmt.Errorf("unexpected number of expunges, expected %d got %d", len(uids), len(expunged))
	}

	return nil
}

var ItemsWithDeletedFlagPresent = fmt.Errorf("folder has previous items with delete flag set")

func (f *flagExpunger) expungeReady() (error, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithFlags = []string{imap.DeletedFlag}
	ids, err := f.imapConn.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("could not search for deleted in folder: %w", err)
	}

	if len(ids) > 0 {
		return ItemsWithDeletedFlagPresent, nil
	}

	return nil, nil
}
