// SPDX-License-Identifier: GPL-3.0-or-later

// Package reputation holds per-address activity counters derived from the
// user's Sent and Inbox history. An address with any recorded activity is
// treated as a known correspondent by the rule chain.
package reputation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Direction string

const (
	Sent  = Direction("sent")
	Inbox = Direction("inbox")
)

type Entry struct {
	SentCount  uint32     `json:"sentCount"`
	InboxCount uint32     `json:"inboxCount"`
	SentDate   *time.Time `json:"sentDate,omitempty"`
	InboxDate  *time.Time `json:"inboxDate,omitempty"`
	SentBytes  uint64     `json:"sentBytes,omitempty"`
	InboxBytes uint64     `json:"inboxBytes,omitempty"`
}

type Store struct {
	mu        sync.Mutex
	addresses map[string]*Entry
}

func NewStore() *Store {
	return &Store{addresses: map[string]*Entry{}}
}

// MarkActivity records one observed message for address in the given
// direction. Addresses are keyed lowercased; mailer-daemon bounce senders are
// never recorded. Dates only ever move forward.
func (s *Store) MarkActivity(direction Direction, address string, date time.Time, bytes uint64) {
	address = strings.ToLower(strings.TrimSpace(address))
	if len(address) == 0 || strings.HasPrefix(address, "mailer-daemon") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.addresses[address]
	if !ok {
		entry = &Entry{}
		s.addresses[address] = entry
	}

	switch direction {
	case Sent:
		entry.SentCount++
		entry.SentBytes += bytes
		if !date.IsZero() && (entry.SentDate == nil || entry.SentDate.Before(date)) {
			d := date
			entry.SentDate = &d
		}
	case Inbox:
		entry.InboxCount++
		entry.InboxBytes += bytes
		if !date.IsZero() && (entry.InboxDate == nil || entry.InboxDate.Before(date)) {
			d := date
			entry.InboxDate = &d
		}
	}
}

// Lookup returns the entry for address, case-insensitively, or nil.
func (s *Store) Lookup(address string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addresses[strings.ToLower(address)]
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.addresses)
}

type document struct {
	Addresses map[string]*Entry `json:"addresses"`
}

func (s *Store) Serialize() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(document{Addresses: s.addresses}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("could not marshal store: %w", err)
	}

	return data, nil
}

func Deserialize(data []byte) (*Store, error) {
	doc := document{}
	err := json.Unmarshal(data, &doc)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal store: %w", err)
	}

	if doc.Addresses == nil {
		doc.Addresses = map[string]*Entry{}
	}

	return &Store{addresses: doc.Addresses}, nil
}

// Save writes the store to path atomically (temp file + rename), so a reader
// never observes a partially written document.
func (s *Store) Save(path string) error {
	data, err := s.Serialize()
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}

	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not write temp file: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not replace %s: %w", path, err)
	}

	return nil
}

func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	return Deserialize(data)
}
