// SPDX-License-Identifier: GPL-3.0-or-later

// Package triage runs the per-cycle classification pass: update the
// whitelist, fetch the new inbox mails, run them through the rule chain and
// the duplicate-subject cache, and move everything denied to the trash
// folder in one batch.
package triage

import (
	"fmt"
	"time"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"
	"github.com/gmaul/gmaul/mail"
	"github.com/gmaul/gmaul/rules"
	"github.com/gmaul/gmaul/subjects"

	"github.com/sirupsen/logrus"
)

// Whitelist is the lifecycle surface of the whitelist manager the triage
// needs. Rule evaluation talks to it separately through rules.Whitelist.
type Whitelist interface {
	Update() error
	Regenerate() error
}

type configuration struct {
	InboxFolder string
	TrashFolder string
	Lookback    time.Duration
}

type ConfigFunc func(c *configuration) error

func Folders(inbox, trash string) ConfigFunc {
	return func(c *configuration) error {
		if len(inbox) == 0 || len(trash) == 0 {
			return fmt.Errorf("inbox and trash folders must not be empty")
		}
		c.InboxFolder = inbox
		c.TrashFolder = trash
		return nil
	}
}

func Lookback(d time.Duration) ConfigFunc {
	return func(c *configuration) error {
		if d <= 0 {
			return fmt.Errorf("lookback must be positive")
		}
		c.Lookback = d
		return nil
	}
}

type Triage struct {
	connect     domain.Connector
	persistence domain.Persistence
	whitelist   Whitelist
	subjects    *subjects.Cache
	chain       *rules.Chain

	configuration *configuration

	now func() time.Time

	l *logrus.Logger
}

func NewTriage(connect domain.Connector, persistence domain.Persistence, whitelist Whitelist, subjectCache *subjects.Cache, chain *rules.Chain, configFunc ...ConfigFunc) (*Triage, error) {
	config := &configuration{}
	for _, f := range configFunc {
		err := f(config)
		if err != nil {
			return nil, fmt.Errorf("error applying configuration: %w", err)
		}
	}

	if len(config.InboxFolder) == 0 || len(config.TrashFolder) == 0 {
		return nil, fmt.Errorf("inbox and trash folders must be configured")
	}

	if config.Lookback == 0 {
		config.Lookback = 7 * 24 * time.Hour
	}

	return &Triage{
		connect:       connect,
		persistence:   persistence,
		whitelist:     whitelist,
		subjects:      subjectCache,
		chain:         chain,
		configuration: config,
		now:           time.Now,
		l:             log.Logger(log.LOG_TRIAGE),
	}, nil
}

// RunCycle performs one full classification pass. Messages below the
// persisted uid low-water mark are never re-examined, even when the server
// reports them as unseen again.
func (t *Triage) RunCycle() error {
	err := t.whitelist.Update()
	if err != nil {
		return fmt.Errorf("could not update whitelist: %w", err)
	}

	source, err := t.connect()
	if err != nil {
		return fmt.Errorf("could not connect to imap: %w", err)
	}
	defer func() {
		closeErr := source.Close(false)
		if closeErr != nil {
			t.l.WithField("error", closeErr).Warn("Could not close imap connection")
		}
	}()

	status, err := source.Select(t.configuration.InboxFolder, false)
	if err != nil {
		return fmt.Errorf("could not select inbox: %w", err)
	}

	lowWater, err := t.lowWaterMark()
	if err != nil {
		return fmt.Errorf("could not read uid low-water mark: %w", err)
	}

	start := t.now()
	uids, err := source.SearchUids(t.searchCriteria(lowWater, start))
	if err != nil {
		return fmt.Errorf("could not search for unseen mails: %w", err)
	}

	mails, err := source.FetchHeaders(uids)
	if err != nil {
		return fmt.Errorf("could not fetch mail headers: %w", err)
	}

	spam := domain.NewUidSet()
	audit := []domain.SaveClassified{}
	audited := map[uint32]bool{}
	examined := map[uint32]*rules.Message{}
	checked := 0
	for _, m := range mails {
		if m.Uid < lowWater {
			continue
		}
		checked++

		msg := rules.Enrich(m)
		examined[m.Uid] = msg
		t.chain.Classify(msg)

		if reason, ok := msg.Allowed(); ok {
			t.l.WithFields(logrus.Fields{"uid": m.Uid, "sender": msg.From, "reason": reason}).Debug("Mail allowed")
			continue
		}

		duplicate := t.subjects.Check(m.Uid, msg.Subject, start, spam)

		reason, denied := msg.Denied()
		if !denied && duplicate {
			reason = "duplicate subject"
		}

		if denied || duplicate {
			spam.Add(m.Uid)
			audited[m.Uid] = true
			t.l.WithFields(logrus.Fields{
				"uid":     m.Uid,
				"sender":  msg.From,
				"subject": mail.ShortSubject(msg.Subject),
				"reason":  reason,
			}).Info("Mail denied")
			audit = append(audit, domain.SaveClassified{
				Uid:        m.Uid,
				FolderName: t.configuration.InboxFolder,
				Sender:     msg.From,
				Subject:    msg.Subject,
				Reason:     reason,
			})
		}
	}

	// Duplicate correlation may have flagged earlier uids retroactively,
	// including mails from previous cycles. They get audit rows too, with
	// whatever is known about them.
	for _, uid := range spam.Uids() {
		if audited[uid] {
			continue
		}
		entry := domain.SaveClassified{
			Uid:        uid,
			FolderName: t.configuration.InboxFolder,
			Reason:     "duplicate subject",
		}
		if msg, ok := examined[uid]; ok {
			entry.Sender = msg.From
			entry.Subject = msg.Subject
		}
		audit = append(audit, entry)
	}

	err = t.subjects.Persist(start)
	if err != nil {
		// Abort before moving anything so the next cycle re-examines the
		// same mails with the low-water mark unadvanced.
		return fmt.Errorf("could not persist subject cache: %w", err)
	}

	if spam.Len() > 0 {
		err = t.moveToTrash(source, spam)
		if err != nil {
			return err
		}

		err = t.persistence.SaveClassified(audit)
		if err != nil {
			return fmt.Errorf("could not save audit entries: %w", err)
		}
	}

	err = t.persistence.SaveFolder(t.configuration.InboxFolder, status.UidNext)
	if err != nil {
		return fmt.Errorf("could not save uid low-water mark: %w", err)
	}

	t.l.WithFields(logrus.Fields{
		"checked":  checked,
		"denied":   spam.Len(),
		"duration": time.Since(start),
	}).Info("Cycle finished")
	return nil
}

// ReinitWhitelist discards the persisted whitelist state and rebuilds it
// from the mailbox.
func (t *Triage) ReinitWhitelist() error {
	return t.whitelist.Regenerate()
}

func (t *Triage) lowWaterMark() (uint32, error) {
	folders, err := t.persistence.AllFolders()
	if err != nil {
		return 0, fmt.Errorf("could not list known folders: %w", err)
	}

	for _, f := range folders {
		if f.Name == t.configuration.InboxFolder {
			return f.UidNext, nil
		}
	}

	return 0, nil
}

func (t *Triage) searchCriteria(lowWater uint32, now time.Time) domain.SearchCriteria {
	criteria := domain.SearchCriteria{UnseenOnly: true}
	if lowWater > 0 {
		criteria.SinceUid = lowWater
	} else {
		// First run for this mailbox: bound the scan by age instead.
		criteria.Since = now.Add(-t.configuration.Lookback)
	}

	return criteria
}

func (t *Triage) moveToTrash(source domain.MailSource, spam *domain.UidSet) error {
	notMoveReadyReason, err := source.MoveReady()
	if err != nil {
		return fmt.Errorf("could not check for move readiness: %w", err)
	}

	if notMoveReadyReason != nil {
		return fmt.Errorf("folder is not ready for moving mails: %w", notMoveReadyReason)
	}

	err = source.Move(spam.Uids(), t.configuration.TrashFolder)
	if err != nil {
		return fmt.Errorf("could not move mails to trash: %w", err)
	}

	return nil
}
