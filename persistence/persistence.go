// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var _ domain.Persistence = &Persistence{}

type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

func NewPersistence(datasource string) (*Persistence, error) {
	db, err := sqlx.Connect("sqlite3", datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := log.Logger(log.LOG_PERSISTENCE)
	l.WithField("file", datasource).Info("Connected")

	migrationSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFiles,
		Root:       "migrations",
	}

	_, err = db.Exec(`PRAGMA journal_mode=WAL`)
	if err != nil {
		return nil, fmt.Errorf("could not set journal mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return nil, fmt.Errorf("could not set synchronous mode: %w", err)
	}

	appliedMigrations, err := migrate.Exec(db.DB, "sqlite3", migrationSource, migrate.Up)
	if err != nil {
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Info("Disconnected")
	return nil
}

func (p *Persistence) AllFolders() ([]*domain.ImapFolder, error) {
	dbFolders := []struct {
		Name    string
		UidNext uint32 `db:"uidnext"`
	}{}

	err := p.db.Select(
		&dbFolders,
		`SELECT name, uidnext from folders`,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	folders := []*domain.ImapFolder{}
	for _, f := range dbFolders {
		folders = append(
			folders,
			&domain.ImapFolder{
				Name:    f.Name,
				UidNext: f.UidNext,
			},
		)
	}

	p.l.WithField("Count", len(folders)).Debug("Found folders")

	return folders, nil
}

func (p *Persistence) SaveFolder(name string, uidNext uint32) error {
	_, err := p.db.Exec(
		"INSERT OR REPLACE INTO folders (name, uidnext) VALUES (?, ?)",
		name,
		uidNext,
	)

	if err != nil {
		return fmt.Errorf("could not save folder: %w", err)
	}

	p.l.WithFields(logrus.Fields{"Name": name, "UidNext": uidNext}).Debug("Persisted folder")
	return nil
}

func (p *Persistence) ClassifiedInFolder(folder string) ([]*domain.ClassifiedMail, error) {
	dbMails := []struct {
		Id           int64
		Uid          uint32
		FolderName   string    `db:"foldername"`
		Sender       string
		Subject      string
		Reason       string
		ClassifiedAt time.Time `db:"classified_at"`
	}{}

	err := p.db.Select(
		&dbMails,
		`SELECT id, uid, foldername, sender, subject, reason, classified_at from classified WHERE foldername = ?`,
		folder,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	mails := []*domain.ClassifiedMail{}
	for _, m := range dbMails {
		mails = append(
			mails,
			&domain.ClassifiedMail{
				Id:           m.Id,
				Uid:          m.Uid,
				FolderName:   m.FolderName,
				Sender:       m.Sender,
				Subject:      m.Subject,
				Reason:       m.Reason,
				ClassifiedAt: m.ClassifiedAt,
			},
		)
	}

	return mails, nil
}

func (p *Persistence) SaveClassified(mails []domain.SaveClassified) error {
	tx, err := p.db.BeginTxx(context.TODO(), nil)
	if err != nil {
		return fmt.Errorf("could not start transaction: %w", err)
	}

	stmt, err := tx.Prepare(
		"INSERT INTO classified(uid, foldername, sender, subject, reason, classified_at) VALUES(?, ?, ?, ?, ?, ?)",
	)
	if err != nil {
		return txEnd(tx, fmt.Errorf("could not prepare statement: %w", err))
	}

	now := time.Now()
	for _, mail := range mails {
		_, err := stmt.Exec(
			mail.Uid, mail.FolderName, mail.Sender, mail.Subject, mail.Reason, now,
		)

		if err != nil {
			return txEnd(tx, fmt.Errorf("could not save classified mail: %w", err))
		}
	}

	return txEnd(tx, nil)
}

func txEnd(tx *sqlx.Tx, err error) error {
	if err == nil {
		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("could not commit tx: %w", err)
		}
	} else {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			errStr := err.Error()
			return fmt.Errorf("%s, could not rollback tx: %w", errStr, rollbackErr)
		} else {
			return err
		}
	}

	return nil
}
