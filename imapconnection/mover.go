// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"fmt"

	"github.com/emersion/go-imap"
)

// mover relocates messages into another folder, preferring the MOVE
// extension and falling back to copy&expunge where the server lacks it.
type mover interface {
	move(uids []uint32, folder string) error
	moveReady() (error, error)
}

type uidMoveClient interface {
	UidMove(seqset *imap.SeqSet, dest string) error
}

type moveMover struct {
	moveClient uidMoveClient
}

func (m *moveMover) move(uids []uint32, folder string) error {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	return m.moveClient.UidMove(seqset, folder)
}

func (m *moveMover) moveReady() (error, error) {
	// MOVE implements move directly and is therefore always ready
	return nil, nil
}

type copyAndExpungeClient interface {
	expunger
	UidCopy(seqset *imap.SeqSet, dest string) error
}

type copyMover struct {
	imapConn copyAndExpungeClient
}

func (c *copyMover) move(uids []uint32, folder string) error {
	notReadyReason, err := c.moveReady()
	if err != nil {
		return fmt.Errorf("could not check for move readiness: %w", err)
	}

	if notReadyReason != nil {
		return fmt.Errorf("folder is not ready for move (copy&expunge): %w", notReadyReason)
	}

	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	err = c.imapConn.UidCopy(seqset, folder)
	if err != nil {
		return fmt.Errorf("could not copy mails: %w", err)
	}

	err = c.imapConn.expunge(uids)
	if err != nil {
		return fmt.Errorf("could not expunge copied mails: %w", err)
	}

	return nil
}

func (c *copyMover) moveReady() (error, error) {
	return c.imapConn.expungeReady()
}
