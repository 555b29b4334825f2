// SPDX-License-Identifier: GPL-3.0-or-later

// Package subjects tracks recently seen message subjects so that bursts of
// near-identical spam can be caught even when every individual message passes
// the rule chain.
package subjects

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gmaul/gmaul/domain"
)

var (
	digitRuns   = regexp.MustCompile(`[0-9]+`)
	nonWordRuns = regexp.MustCompile(`\W+`)
)

// Normalize reduces a subject to its duplicate-detection key: lowercased,
// digit runs stripped, non-word runs collapsed to a single space. An empty
// result means the subject is not trackable.
func Normalize(subject string) string {
	subject = strings.ToLower(subject)
	subject = digitRuns.ReplaceAllString(subject, "")
	subject = nonWordRuns.ReplaceAllString(subject, " ")
	return strings.TrimSpace(subject)
}

type entry struct {
	Time int64  `json:"time"`
	Uid  uint32 `json:"uid"`
}

type Cache struct {
	path    string
	expiry  time.Duration
	entries map[string]entry
}

func NewCache(path string, expiry time.Duration) *Cache {
	return &Cache{
		path:    path,
		expiry:  expiry,
		entries: map[string]entry{},
	}
}

// Load reads the persisted cache. A missing file is not an error, the cache
// simply starts empty.
func (c *Cache) Load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read %s: %w", c.path, err)
	}

	entries := map[string]entry{}
	err = json.Unmarshal(data, &entries)
	if err != nil {
		return fmt.Errorf("could not unmarshal subject cache: %w", err)
	}

	c.entries = entries
	return nil
}

// Check correlates msg against the previous occurrence of the same normalized
// subject. When the previous occurrence is a different message within the
// expiry window, both uids are added to spam and Check reports true. The
// cache entry is overwritten with the current occurrence either way, so
// bursts correlate pairwise across consecutive occurrences.
func (c *Cache) Check(uid uint32, subject string, now time.Time, spam *domain.UidSet) bool {
	key := Normalize(subject)
	if len(key) == 0 {
		return false
	}

	correlated := false
	last, ok := c.entries[key]
	if ok && last.Uid != uid && now.UnixMilli()-last.Time < c.expiry.Milliseconds() {
		spam.Add(last.Uid)
		spam.Add(uid)
		correlated = true
	}

	c.entries[key] = entry{Time: now.UnixMilli(), Uid: uid}
	return correlated
}

// PurgeExpired drops every entry whose timestamp is older than the expiry
// window relative to now.
func (c *Cache) PurgeExpired(now time.Time) {
	cutoff := now.UnixMilli() - c.expiry.Milliseconds()
	for key, e := range c.entries {
		if e.Time < cutoff {
			delete(c.entries, key)
		}
	}
}

func (c *Cache) Len() int {
	return len(c.entries)
}

// Persist purges expired entries and writes the cache atomically.
func (c *Cache) Persist(now time.Time) error {
	c.PurgeExpired(now)

	data, err := json.MarshalIndent(c.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal subject cache: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".*")
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

	err = os.Rename(tmp.Name(), c.path)
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("could not replace %s: %w", c.path, err)
	}

	return nil
}
