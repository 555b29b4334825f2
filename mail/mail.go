// SPDX-License-Identifier: GPL-3.0-or-later
package mail

import (
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
)

var subjectPrefixRegex = regexp.MustCompile(`(?i)^(?:re:\s*|fwd:\s*)+`)

// DecodeWords decodes RFC 2047 encoded-words in a header value. Undecodable
// input is returned as-is, headers from spam are malformed often enough that
// failing here would abort whole batches.
func DecodeWords(header string) string {
	dec := &mime.WordDecoder{
		CharsetReader: charset.Reader,
	}

	decoded, err := dec.DecodeHeader(header)
	if err != nil {
		return header
	}

	return decoded
}

// Charset extracts the charset parameter of a Content-Type header value,
// lowercased. Empty when the header is absent or unparseable.
func Charset(contentType string) string {
	if len(contentType) == 0 {
		return ""
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	return strings.ToLower(params["charset"])
}

// StripSubjectPrefixes removes leading Re:/Fwd: runs, case-insensitively.
func StripSubjectPrefixes(subject string) string {
	return subjectPrefixRegex.ReplaceAllString(subject, "")
}

func ShortSubject(subject string) string {
	if (len(subject)) > 30 {
		subject = subject[:30] + "..."
	}
	return subject
}
