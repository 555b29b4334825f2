// SPDX-License-Identifier: GPL-3.0-or-later
package rules

import (
	"strings"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/mail"
)

// Message is the enriched, per-classification view of a parsed mail. The
// derived fields are computed once by Enrich; the allow/deny slots are the
// only mutable state and at most one of them is ever set.
type Message struct {
	Mail *domain.ParsedMail

	// From and FromName are the lowercased sender address and display name.
	From     string
	FromName string
	// Recipients merges to, cc and bcc with lowercased addresses.
	Recipients []domain.Address
	// Subject with leading Re:/Fwd: runs stripped.
	Subject string

	allowReason string
	denyReason  string
}

func Enrich(m *domain.ParsedMail) *Message {
	recipients := make([]domain.Address, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]domain.Address{m.To, m.Cc, m.Bcc} {
		for _, addr := range list {
			recipients = append(recipients, domain.Address{
				Name:    addr.Name,
				Address: strings.ToLower(addr.Address),
			})
		}
	}

	return &Message{
		Mail:       m,
		From:       strings.ToLower(m.From.Address),
		FromName:   strings.ToLower(m.From.Name),
		Recipients: recipients,
		Subject:    mail.StripSubjectPrefixes(m.Subject),
	}
}

// Allow sets the allow slot unless a decision was already recorded.
func (m *Message) Allow(reason string) {
	if m.decided() {
		return
	}
	m.allowReason = reason
}

// Deny sets the deny slot unless a decision was already recorded.
func (m *Message) Deny(reason string) {
	if m.decided() {
		return
	}
	m.denyReason = reason
}

func (m *Message) decided() bool {
	return len(m.allowReason) > 0 || len(m.denyReason) > 0
}

func (m *Message) Allowed() (string, bool) {
	return m.allowReason, len(m.allowReason) > 0
}

func (m *Message) Denied() (string, bool) {
	return m.denyReason, len(m.denyReason) > 0
}
