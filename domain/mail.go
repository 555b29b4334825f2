// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type Address struct {
	Name    string
	Address string
}

// ParsedMail is the header-level view of a single message that classification
// operates on. Bodies are never fetched.
type ParsedMail struct {
	Uid     uint32
	Size    uint32
	Date    time.Time
	From    Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	Subject string
	// Charset declared in the Content-Type header, lowercased. Empty when absent.
	Charset string
	Seen    bool
}
