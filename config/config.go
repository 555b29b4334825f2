// SPDX-License-Identifier: GPL-3.0-or-later
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ImapHost string
	User     string
	Password string

	// Addresses the user receives mail under and names the user goes by.
	Emails []string
	Names  []string

	// Languages the user reads, as stopwords-iso codes (e.g. "en").
	Languages []string

	// Terms that immediately allow or deny a message. May include regexes.
	Allowlist []string
	Blacklist []string

	// Words exempted from stopword detection regardless of language.
	CommonWords []string

	// Sender-domain suffixes that are denied outright.
	SuspiciousTlds []string

	InboxFolder string
	SentFolder  string
	Trash       string

	Database      string
	WhitelistFile string
	SubjectsFile  string
	StopwordFile  string

	PollIntervalSeconds  int
	LookbackDays         int
	WhitelistMaxAgeHours int
	SubjectExpiryMinutes int

	Loglevel *string
}

func ReadConfig(filename string) (*Config, error) {
	config := &Config{
		Languages:            []string{"en"},
		SuspiciousTlds:       []string{".com.tw"},
		InboxFolder:          "INBOX",
		Database:             "gmaul.db",
		WhitelistFile:        "_whitelist.json",
		SubjectsFile:         "_subjects.json",
		PollIntervalSeconds:  60,
		LookbackDays:         7,
		WhitelistMaxAgeHours: 24,
		SubjectExpiryMinutes: 60,
	}

	_, err := toml.DecodeFile(filename, config)
	if err != nil {
		return nil, fmt.Errorf("could not read config file: %w", err)
	}

	err = config.validate()
	if err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) Lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func (c *Config) WhitelistMaxAge() time.Duration {
	return time.Duration(c.WhitelistMaxAgeHours) * time.Hour
}

func (c *Config) SubjectExpiry() time.Duration {
	return time.Duration(c.SubjectExpiryMinutes) * time.Minute
}

func (c *Config) validate() error {
	if err := validateNonEmptyStringField(c.ImapHost, "ImapHost must not be empty, set to host:port of the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.User, "User must not be empty, set to username on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Password, "Password must not be empty, set to password of User on the imap server"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.SentFolder, "SentFolder must not be empty, set to the sent-mail folder used for whitelist generation"); err != nil {
		return err
	}

	if err := validateNonEmptyStringField(c.Trash, "Trash must not be empty, set to the folder spam is moved into"); err != nil {
		return err
	}

	if len(c.Emails) == 0 {
		return errors.New("Emails must not be empty, set to the addresses you receive mail under")
	}

	for _, term := range append(append([]string{}, c.Allowlist...), c.Blacklist...) {
		if _, err := regexp.Compile(term); err != nil {
			return fmt.Errorf("term %q is not a valid regex: %w", term, err)
		}
	}

	if c.PollIntervalSeconds <= 0 {
		return errors.New("PollIntervalSeconds must be positive")
	}
	if c.LookbackDays <= 0 {
		return errors.New("LookbackDays must be positive")
	}
	if c.WhitelistMaxAgeHours <= 0 {
		return errors.New("WhitelistMaxAgeHours must be positive")
	}
	if c.SubjectExpiryMinutes <= 0 {
		return errors.New("SubjectExpiryMinutes must be positive")
	}

	return nil
}

func validateNonEmptyStringField(field string, err string) error {
	if len(strings.TrimSpace(field)) == 0 {
		return errors.New(err)
	}

	return nil
}
