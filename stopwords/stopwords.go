// SPDX-License-Identifier: GPL-3.0-or-later

// Package stopwords detects words from languages the user does not read.
// Per-language stopword lists are compiled into a prefix tree; a hit on any
// whitespace-separated token is a strong spam signal.
package stopwords

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

type node struct {
	children map[rune]*node
	// Comma-joined list of languages this word terminates in.
	language string
}

func newNode() *node {
	return &node{children: map[rune]*node{}}
}

type Searcher struct {
	root *node
}

func NewSearcher() *Searcher {
	return &Searcher{root: newNode()}
}

func (s *Searcher) Add(word, lang string) {
	trace := s.root
	for _, char := range word {
		child, ok := trace.children[char]
		if !ok {
			child = newNode()
			trace.children[char] = child
		}
		trace = child
	}

	if len(trace.language) > 0 {
		trace.language += "," + lang
	} else {
		trace.language = lang
	}
}

// Search returns the language(s) word is a stopword of, or "".
func (s *Searcher) Search(word string) string {
	trace := s.root
	for _, char := range word {
		child, ok := trace.children[char]
		if !ok {
			return ""
		}
		trace = child
	}

	return trace.language
}

// Detect scans text token by token and returns the first stopword hit.
func (s *Searcher) Detect(text string) (word, language string, ok bool) {
	for _, token := range strings.Fields(strings.ToLower(text)) {
		if lang := s.Search(token); len(lang) > 0 {
			return token, lang, true
		}
	}

	return "", "", false
}

// Build compiles per-language word lists into a Searcher, exempting every
// word of the user's languages and every configured common word. Short words
// are noise in the stopword lists and are skipped entirely.
func Build(lists map[string][]string, userLanguages []string, commonWords []string) (*Searcher, error) {
	exemptLanguages := map[string]bool{}
	for _, lang := range userLanguages {
		exemptLanguages[strings.ToLower(lang)] = true
	}

	exemptWords := map[string]bool{}
	for lang := range exemptLanguages {
		words, ok := lists[lang]
		if !ok {
			return nil, fmt.Errorf("unsupported language: %s", lang)
		}
		for _, word := range words {
			exemptWords[strings.ToLower(word)] = true
		}
	}

	for _, word := range commonWords {
		word = strings.ToLower(word)
		if len([]rune(word)) < 3 {
			continue
		}
		exemptWords[word] = true
	}

	searcher := NewSearcher()
	for lang, words := range lists {
		if exemptLanguages[strings.ToLower(lang)] {
			continue
		}

		for _, word := range words {
			word = strings.ToLower(word)
			if len([]rune(word)) < 3 {
				continue
			}
			if exemptWords[word] {
				continue
			}

			searcher.Add(word, lang)
		}
	}

	return searcher, nil
}

// LoadLists reads a {"lang": ["word", ...]} document, e.g. a stopwords-iso
// dump.
func LoadLists(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	lists := map[string][]string{}
	err = json.Unmarshal(data, &lists)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal stopword lists: %w", err)
	}

	return lists, nil
}
