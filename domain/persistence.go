// SPDX-License-Identifier: GPL-3.0-or-later
package domain

import "time"

type ImapFolder struct {
	Name    string
	UidNext uint32
}

// ClassifiedMail is one denied message as recorded in the audit log.
type ClassifiedMail struct {
	Id           int64
	Uid          uint32
	FolderName   string
	Sender       string
	Subject      string
	Reason       string
	ClassifiedAt time.Time
}

type SaveClassified struct {
	Uid        uint32
	FolderName string
	Sender     string
	Subject    string
	Reason     string
}

type Persistence interface {
	Close() error
	AllFolders() ([]*ImapFolder, error)
	SaveFolder(name string, uidNext uint32) error
	SaveClassified(mails []SaveClassified) error
	ClassifiedInFolder(folder string) ([]*ClassifiedMail, error)
}
