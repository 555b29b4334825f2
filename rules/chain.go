// SPDX-License-Identifier: GPL-3.0-or-later

// Package rules implements the ordered allow/deny chain a message is
// classified by. Rule order is a correctness contract: allow rules run first
// so that mail from known correspondents is never rejected by a downstream
// content heuristic.
package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/gmaul/gmaul/config"
	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/reputation"
	"github.com/gmaul/gmaul/stopwords"
)

// Whitelist is the reputation lookup the allow rules consult.
type Whitelist interface {
	Lookup(address string) (*reputation.Entry, error)
}

// Rule inspects an enriched message and returns a decision. Rules perform no
// I/O and must not fail on well-formed input; absent optional fields are
// treated as non-matching.
type Rule struct {
	Name     string
	Evaluate func(m *Message) domain.Decision
}

type Chain struct {
	rules []Rule
}

// Classify runs the chain in order and stops at the first allow or deny,
// recording it in the message's decision slot.
func (c *Chain) Classify(m *Message) domain.Decision {
	for _, rule := range c.rules {
		decision := rule.Evaluate(m)
		switch decision.Outcome {
		case domain.Allow:
			m.Allow(decision.Reason)
			return decision
		case domain.Deny:
			m.Deny(decision.Reason)
			return decision
		}
	}

	return domain.NoDecision()
}

func (c *Chain) Rules() []string {
	names := make([]string, len(c.rules))
	for i, rule := range c.rules {
		names[i] = rule.Name
	}
	return names
}

// buildWordsRegex combines terms into a single case-insensitive alternation.
// Terms may themselves be regexes. Returns nil when there are no terms.
func buildWordsRegex(words []string, fullWords bool) (*regexp.Regexp, error) {
	if len(words) == 0 {
		return nil, nil
	}

	sorted := append([]string{}, words...)
	sort.Strings(sorted)

	expr := fmt.Sprintf("(%s)", strings.Join(sorted, "|"))
	if fullWords {
		expr = fmt.Sprintf(`\b%s\b`, expr)
	}

	return regexp.Compile("(?i)" + expr)
}

var (
	gmailDigitsRegex   = regexp.MustCompile(`\d\d@gmail\.com`)
	domainSubjectRegex = regexp.MustCompile(`(?i)^(?:\w[\w-]+\w\.)+(?:com)$`)
)

func containsAny(haystack string, needles []string) (string, bool) {
	haystack = strings.ToLower(haystack)
	for _, needle := range needles {
		if strings.Contains(haystack, strings.ToLower(needle)) {
			return needle, true
		}
	}
	return "", false
}

func hasNonBasicLatin(s string) bool {
	for _, r := range s {
		if r > 0x7f {
			return true
		}
	}
	return false
}

// isAllCaps reports whether s is "shouty": longer than 5 characters, all
// letters upper-case, at least one letter present.
func isAllCaps(s string) bool {
	if len([]rune(s)) <= 5 {
		return false
	}
	if s != strings.ToUpper(s) {
		return false
	}
	return s != strings.ToLower(s)
}

// NewChain builds the canonical rule chain from an immutable config
// snapshot. The stopword searcher may be nil, which disables the stopword
// rule.
func NewChain(cfg *config.Config, whitelist Whitelist, searcher *stopwords.Searcher) (*Chain, error) {
	allowlistRegex, err := buildWordsRegex(cfg.Allowlist, false)
	if err != nil {
		return nil, fmt.Errorf("could not compile allowlist terms: %w", err)
	}

	blacklistRegex, err := buildWordsRegex(cfg.Blacklist, true)
	if err != nil {
		return nil, fmt.Errorf("could not compile blacklist terms: %w", err)
	}

	inWhitelist := func(address string) bool {
		if len(address) == 0 {
			return false
		}
		entry, err := whitelist.Lookup(address)
		return err == nil && entry != nil
	}

	rules := []Rule{
		{
			Name: "allowlisted-term",
			Evaluate: func(m *Message) domain.Decision {
				if allowlistRegex == nil {
					return domain.NoDecision()
				}
				if match := allowlistRegex.FindString(m.From); len(match) > 0 {
					return domain.Allowed(fmt.Sprintf("allowlisted: %q (sender email)", match))
				}
				if match := allowlistRegex.FindString(m.FromName); len(match) > 0 {
					return domain.Allowed(fmt.Sprintf("allowlisted: %q (sender name)", match))
				}
				if match := allowlistRegex.FindString(m.Subject); len(match) > 0 {
					return domain.Allowed(fmt.Sprintf("allowlisted: %q (subject)", match))
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "sender-in-whitelist",
			Evaluate: func(m *Message) domain.Decision {
				if inWhitelist(m.From) {
					return domain.Allowed("sender in whitelist")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "known-recipient",
			Evaluate: func(m *Message) domain.Decision {
				for _, recipient := range m.Recipients {
					if _, own := containsAny(recipient.Address, cfg.Emails); own {
						continue
					}
					if inWhitelist(recipient.Address) {
						return domain.Allowed(fmt.Sprintf("known recipient (%s)", recipient.Address))
					}
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "blacklisted-term",
			Evaluate: func(m *Message) domain.Decision {
				if blacklistRegex == nil {
					return domain.NoDecision()
				}
				if match := blacklistRegex.FindString(m.From); len(match) > 0 {
					return domain.Denied(fmt.Sprintf("spammy term: %q (sender)", match))
				}
				if match := blacklistRegex.FindString(m.FromName); len(match) > 0 {
					return domain.Denied(fmt.Sprintf("spammy term: %q (sender name)", match))
				}
				if match := blacklistRegex.FindString(m.Subject); len(match) > 0 {
					return domain.Denied(fmt.Sprintf("spammy term: %q (subject)", match))
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "wordy-sender",
			Evaluate: func(m *Message) domain.Decision {
				// Legitimate "First Last" senders rarely exceed two tokens.
				// Known-coarse heuristic.
				if len(strings.Fields(m.Mail.From.Name)) > 2 {
					return domain.Denied("too many words in sender")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "shouty-sender",
			Evaluate: func(m *Message) domain.Decision {
				if isAllCaps(m.Mail.From.Name) {
					return domain.Denied("all caps (name)")
				}
				if isAllCaps(m.Mail.From.Address) {
					return domain.Denied("all caps (address)")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "suspicious-tld",
			Evaluate: func(m *Message) domain.Decision {
				for _, suffix := range cfg.SuspiciousTlds {
					if strings.HasSuffix(m.From, strings.ToLower(suffix)) {
						return domain.Denied(fmt.Sprintf("from domain %s", suffix))
					}
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "empty-subject",
			Evaluate: func(m *Message) domain.Decision {
				if len(m.Subject) == 0 {
					return domain.Denied("empty subject")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "foreign-charset",
			Evaluate: func(m *Message) domain.Decision {
				if len(m.Mail.Charset) > 0 && m.Mail.Charset != "utf-8" {
					return domain.Denied(fmt.Sprintf("charset %s", m.Mail.Charset))
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "non-latin-sender-name",
			Evaluate: func(m *Message) domain.Decision {
				name := m.FromName
				if len([]rune(name)) <= 1 {
					return domain.NoDecision()
				}
				if hasNonBasicLatin(name) {
					return domain.Denied("non-latin chars (name)")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "non-latin-subject",
			Evaluate: func(m *Message) domain.Decision {
				if hasNonBasicLatin(m.Subject) {
					return domain.Denied("non-latin chars (subject)")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "empty-recipients",
			Evaluate: func(m *Message) domain.Decision {
				if len(m.Recipients) == 0 {
					return domain.Denied("empty recipients")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "not-sent-to-user",
			Evaluate: func(m *Message) domain.Decision {
				for _, recipient := range m.Recipients {
					if _, own := containsAny(recipient.Address, cfg.Emails); own {
						return domain.NoDecision()
					}
				}
				return domain.Denied("not sent to user")
			},
		},
		{
			Name: "gmail-digits-sender",
			Evaluate: func(m *Message) domain.Decision {
				if gmailDigitsRegex.MatchString(m.From) {
					return domain.Denied("gmail## sender")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "gmail-digits-recipients",
			Evaluate: func(m *Message) domain.Decision {
				suspect := 0
				for _, recipient := range m.Recipients {
					if gmailDigitsRegex.MatchString(recipient.Address) {
						suspect++
					}
				}
				if suspect >= 2 {
					return domain.Denied("gmail## recipients")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "subject-is-domain",
			Evaluate: func(m *Message) domain.Decision {
				if domainSubjectRegex.MatchString(m.Subject) {
					return domain.Denied("subject is domain")
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "user-email-without-user-name",
			Evaluate: func(m *Message) domain.Decision {
				if len(cfg.Names) == 0 {
					return domain.NoDecision()
				}
				for _, recipient := range m.Recipients {
					if _, own := containsAny(recipient.Address, cfg.Emails); !own {
						continue
					}
					if len(recipient.Name) == 0 {
						return domain.NoDecision()
					}
					if _, named := containsAny(recipient.Name, cfg.Names); !named {
						return domain.Denied("user email but not user name")
					}
					return domain.NoDecision()
				}
				return domain.NoDecision()
			},
		},
		{
			Name: "foreign-stopword",
			Evaluate: func(m *Message) domain.Decision {
				if searcher == nil {
					return domain.NoDecision()
				}
				if word, _, ok := searcher.Detect(m.FromName); ok {
					return domain.Denied(fmt.Sprintf("stopword: %q (sender)", word))
				}
				if word, _, ok := searcher.Detect(m.Subject); ok {
					return domain.Denied(fmt.Sprintf("stopword: %q (subject)", word))
				}
				return domain.NoDecision()
			},
		},
	}

	return &Chain{rules: rules}, nil
}
