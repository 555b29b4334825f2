// SPDX-License-Identifier: GPL-3.0-or-later
package imapconnection

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"

	"github.com/gmaul/gmaul/domain"
	"github.com/gmaul/gmaul/log"
	"github.com/gmaul/gmaul/mail"

	"github.com/emersion/go-imap"
	move "github.com/emersion/go-imap-move"
	uidplus "github.com/emersion/go-imap-uidplus"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"
)

type ImapConnection struct {
	connection   *client.Client
	mailExpunger expunger
	mailMover    mover

	server, user, password string

	selectedFolder string

	l *logrus.Logger
}

func NewImapConnection(server string, user string, password string) (*ImapConnection, error) {
	imapClient, err := client.DialTLS(server, nil)
	if err != nil {
		return nil, fmt.Errorf("could not dial to imap: %w", err)
	}

	err = imapClient.Login(user, password)
	if err != nil {
		return nil, fmt.Errorf("could not login to imap: %w", err)
	}

	uidPlusClient := uidplus.NewClient(imapClient)
	uidPlusSupported, err := uidPlusClient.SupportUidPlus()
	if err != nil {
		return nil, fmt.Errorf("could not check for UIDPLUS support: %w", err)
	}

	moveClient := move.NewClient(imapClient)
	moveSupported, err := moveClient.SupportMove()
	if err != nil {
		return nil, fmt.Errorf("could not check for MOVE support: %w", err)
	}

	conn := &ImapConnection{
		connection: imapClient,
		server:     server,
		user:       user,
		password:   password,
		l:          log.Logger(log.LOG_IMAP),
	}

	baseLogger := conn.l.WithFields(logrus.Fields{"server": server})
	baseLogger.Debug("Logged in to server")

	if uidPlusSupported {
		baseLogger.Debug("UIDPLUS supported on server, using UID expunge")
		conn.mailExpunger = &uidExpunger{
			imapConn:      conn,
			uidplusClient: uidPlusClient,
		}
	} else {
		baseLogger.Info("UIDPLUS not supported on server, falling back to flag&expunge")
		conn.mailExpunger = &flagExpunger{
			imapConn: conn,
		}
	}

	if moveSupported {
		baseLogger.Debug("MOVE supported on server")
		conn.mailMover = &moveMover{
			moveClient: moveClient,
		}
	} else {
		baseLogger.Info("MOVE not supported on server, falling back to copy&expunge")
		conn.mailMover = &copyMover{
			imapConn: conn,
		}
	}

	return conn, nil
}

func (ic *ImapConnection) Select(folder string, readOnly bool) (*domain.MailboxStatus, error) {
	m, err := ic.connection.Select(folder, readOnly)
	if err != nil {
		return nil, fmt.Errorf("could not select folder: %w", err)
	}

	ic.selectedFolder = folder
	return &domain.MailboxStatus{
		UidNext:  m.UidNext,
		Messages: m.Messages,
	}, nil
}

func (ic *ImapConnection) SearchUids(criteria domain.SearchCriteria) ([]uint32, error) {
	searchCriteria := imap.NewSearchCriteria()
	if criteria.UnseenOnly {
		searchCriteria.WithoutFlags = []string{imap.SeenFlag}
	}
	if !criteria.Since.IsZero() {
		searchCriteria.Since = criteria.Since
	}
	if criteria.SinceUid > 0 {
		uidRange := &imap.SeqSet{}
		uidRange.AddRange(criteria.SinceUid, 0)
		searchCriteria.Uid = uidRange
	}

	ids, err := ic.connection.UidSearch(searchCriteria)
	if err != nil {
		return nil, fmt.Errorf("could not search folder: %w", err)
	}

	return ids, nil
}

// FetchHeaders retrieves the envelope-level view of the given messages.
// Bodies are never downloaded; the Content-Type header is fetched separately
// because the envelope does not carry the charset.
func (ic *ImapConnection) FetchHeaders(uids []uint32) ([]*domain.ParsedMail, error) {
	if len(uids) == 0 {
		return []*domain.ParsedMail{}, nil
	}

	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"Content-Type"},
		},
		Peek: true,
	}
	fetchItems := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchFlags,
		imap.FetchRFC822Size,
		imap.FetchUid,
		section.FetchItem(),
	}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- ic.connection.UidFetch(seqset, fetchItems, messages)
	}()

	mails := []*domain.ParsedMail{}
	for msg := range messages {
		parsed, err := parseMessage(msg, section)
		if err != nil {
			// A single malformed message must not abort the batch.
			ic.l.WithFields(logrus.Fields{"uid": msg.Uid, "error": err}).Warn("Skipping unparseable mail")
			continue
		}

		mails = append(mails, parsed)
	}

	err := <-done
	if err != nil {
		return nil, fmt.Errorf("could not fetch mails: %w", err)
	}

	return mails, nil
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) (*domain.ParsedMail, error) {
	if msg.Envelope == nil {
		return nil, fmt.Errorf("message %d has no envelope", msg.Uid)
	}

	parsed := &domain.ParsedMail{
		Uid:     msg.Uid,
		Size:    msg.Size,
		Date:    msg.Envelope.Date,
		Subject: mail.DecodeWords(msg.Envelope.Subject),
		From:    firstAddress(msg.Envelope.From),
		To:      convertAddresses(msg.Envelope.To),
		Cc:      convertAddresses(msg.Envelope.Cc),
		Bcc:     convertAddresses(msg.Envelope.Bcc),
	}

	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			parsed.Seen = true
		}
	}

	if r := msg.GetBody(section); r != nil {
		contentType, err := readContentType(r)
		if err != nil {
			return nil, fmt.Errorf("could not read headers of %d: %w", msg.Uid, err)
		}
		parsed.Charset = mail.Charset(contentType)
	}

	return parsed, nil
}

func readContentType(r io.Reader) (string, error) {
	header, err := textproto.NewReader(bufio.NewReader(r)).ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", err
	}

	return header.Get("Content-Type"), nil
}

func convertAddresses(addresses []*imap.Address) []domain.Address {
	converted := []domain.Address{}
	for _, a := range addresses {
		if len(a.MailboxName) == 0 || len(a.HostName) == 0 {
			continue
		}
		converted = append(
			converted,
			domain.Address{
				Name:    mail.DecodeWords(a.PersonalName),
				Address: a.MailboxName + "@" + a.HostName,
			},
		)
	}
	return converted
}

func firstAddress(addresses []*imap.Address) domain.Address {
	converted := convertAddresses(addresses)
	if len(converted) == 0 {
		return domain.Address{}
	}
	return converted[0]
}

func (ic *ImapConnection) MoveReady() (error, error) {
	return ic.mailMover.moveReady()
}

func (ic *ImapConnection) Move(uids []uint32, folder string) error {
	return ic.mailMover.move(uids, folder)
}

func (ic *ImapConnection) Close(expunge bool) error {
	if expunge && len(ic.selectedFolder) > 0 {
		err := ic.connection.Close()
		if err != nil {
			return fmt.Errorf("could not close mailbox: %w", err)
		}
		ic.selectedFolder = ""
	}

	err := ic.connection.Logout()
	if err != nil {
		return fmt.Errorf("could not logout: %w", err)
	}

	return nil
}

func (ic *ImapConnection) flagDeleted(uids []uint32) (*imap.SeqSet, error) {
	seqset := &imap.SeqSet{}
	seqset.AddNum(uids...)
	err := ic.connection.UidStore(seqset, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.DeletedFlag}, nil)
	if err != nil {
		return nil, fmt.Errorf("could not set delete flag: %w", err)
	}

	return seqset, nil
}

func (ic *ImapConnection) expunge(uids []uint32) error {
	return ic.mailExpunger.expunge(uids)
}

func (ic *ImapConnection) expungeReady() (error, error) {
	return ic.mailExpunger.expungeReady()
}

func (ic *ImapConnection) UidCopy(seqset *imap.SeqSet, dest string) error {
	return ic.connection.UidCopy(seqset, dest)
}

func (ic *ImapConnection) UidSearch(criteria *imap.SearchCriteria) ([]uint32, error) {
	return ic.connection.UidSearch(criteria)
}

func (ic *ImapConnection) Expunge(ch chan uint32) error {
	return ic.connection.Expunge(ch)
}

var _ domain.MailSource = &ImapConnection{}

// Connector returns a domain.Connector that dials a fresh connection with
// the given credentials.
func Connector(server, user, password string) domain.Connector {
	return func() (domain.MailSource, error) {
		return NewImapConnection(server, user, password)
	}
}
