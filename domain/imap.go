// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type MailboxStatus struct {
	UidNext  uint32
	Messages uint32
}

// SearchCriteria narrows a uid search. Zero values mean "no restriction".
type SearchCriteria struct {
	UnseenOnly bool
	// SinceUid restricts to uids >= SinceUid when non-zero.
	SinceUid uint32
	// Since restricts to messages dated on or after Since when non-zero.
	Since time.Time
}

type MailSource interface {
	Select(folder string, readOnly bool) (*MailboxStatus, error)
	SearchUids(criteria SearchCriteria) ([]uint32, error)
	FetchHeaders(uids []uint32) ([]*ParsedMail, error)
	MoveReady() (error, error)
	Move(uids []uint32, folder string) error
	Close(expunge bool) error
}

// Connector dials a fresh, logged-in MailSource. The whitelist scans need two
// independent connections, so the core takes the factory rather than one session.
type Connector func() (MailSource, error)
