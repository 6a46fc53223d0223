package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tracyhatemice/mailbot/internal/receiver"
)

// VICIdial owns vicidial_list, vicidial_inbound_groups and
// vicidial_email_list; only the dedup ledger is created here.
var vicidialDialect = dialect{
	name:     "vicidial",
	vicidial: true,
	cursor:   unsignedCursor,
	schema: `
CREATE TABLE IF NOT EXISTS mailbot_seen (
	instance    VARCHAR(191) NOT NULL,
	natural_key VARCHAR(191) NOT NULL,
	cursor_id   BIGINT UNSIGNED NOT NULL,
	email_id    BIGINT UNSIGNED NULL,
	seen_at     DATETIME NOT NULL,
	PRIMARY KEY (instance, natural_key)
) DEFAULT CHARSET=utf8mb4`,
}

const (
	vicidialSeenSQL = `
INSERT IGNORE INTO mailbot_seen (instance, natural_key, cursor_id, seen_at)
VALUES (?, ?, ?, ?)`

	vicidialLeadSQL = `SELECT lead_id FROM vicidial_list WHERE email = ? ORDER BY lead_id LIMIT 1`

	vicidialNewLeadSQL = `INSERT INTO vicidial_list (email, first_name, last_name) VALUES (?, ?, ?)`

	vicidialGroupSQL = `SELECT group_id FROM vicidial_inbound_groups WHERE email = ? LIMIT 1`

	vicidialEmailSQL = `
INSERT INTO vicidial_email_list
	(lead_id, protocol, email_date, email_to, email_from, email_from_name,
	 subject, mime_type, content_type, content_transfer_encoding, x_mailer,
	 sender_ip, message, email_account_id, group_id, status, direction)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	vicidialLinkSQL = `UPDATE mailbot_seen SET email_id = ? WHERE instance = ? AND natural_key = ?`
)

const (
	vicidialAccount   = "MAILBOT"
	vicidialNoGroup   = "Unknown"
	vicidialNoContent = "*** NO MESSAGE CONTENT ***"
	vicidialNoSurname = "UNKNOWN"
	vicidialNameLen   = 30
)

// insertVicidial files each new message as an inbound VICIdial e-mail: the
// sender is matched to a lead (created when unknown) and the recipient
// address picks the inbound group.
func (pdb *pooledDB) insertVicidial(ctx context.Context, instance string, msgs []receiver.Message) (int, error) {
	tx, err := pdb.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	inserted := 0
	for _, m := range msgs {
		key := NaturalKey(m)
		res, err := tx.ExecContext(ctx, vicidialSeenSQL, instance, key, pdb.dialect.cursor(m.ID), now)
		if err != nil {
			return 0, fmt.Errorf("record message %d: %w", m.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}

		leadID, err := vicidialLead(ctx, tx, m)
		if err != nil {
			return 0, err
		}
		group, err := vicidialGroup(ctx, tx, m.To)
		if err != nil {
			return 0, err
		}

		var date sql.NullTime
		if !m.Date.IsZero() {
			date = sql.NullTime{Time: m.Date.UTC(), Valid: true}
		}
		text := m.Text
		if strings.TrimSpace(text) == "" {
			text = vicidialNoContent
		}
		res, err = tx.ExecContext(ctx, vicidialEmailSQL,
			leadID,
			protocolOf(m),
			date,
			truncate(m.To, 255),
			truncate(m.From, 255),
			truncate(m.FromName, 255),
			truncate(m.Subject, 255),
			truncate(m.MIMEType, 100),
			truncate(m.ContentType, 100),
			truncate(m.TransferEncoding, 100),
			truncate(m.XMailer, 255),
			truncate(m.SenderIP, 25),
			text,
			vicidialAccount,
			group,
			"NEW",
			"INBOUND",
		)
		if err != nil {
			return 0, fmt.Errorf("insert e-mail %d for lead %d: %w", m.ID, leadID, err)
		}
		if emailID, err := res.LastInsertId(); err == nil {
			if _, err := tx.ExecContext(ctx, vicidialLinkSQL, emailID, instance, key); err != nil {
				return 0, fmt.Errorf("link message %d: %w", m.ID, err)
			}
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// vicidialLead returns the lead of the sender, creating one named after the
// From display name when the address is unknown.
func vicidialLead(ctx context.Context, tx *sql.Tx, m receiver.Message) (int64, error) {
	var leadID int64
	err := tx.QueryRowContext(ctx, vicidialLeadSQL, m.From).Scan(&leadID)
	if err == nil {
		return leadID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("look up lead %s: %w", m.From, err)
	}

	first, last := splitName(m.FromName)
	res, err := tx.ExecContext(ctx, vicidialNewLeadSQL, truncate(m.From, 70), first, last)
	if err != nil {
		return 0, fmt.Errorf("create lead %s: %w", m.From, err)
	}
	leadID, err = res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create lead %s: %w", m.From, err)
	}
	return leadID, nil
}

func vicidialGroup(ctx context.Context, tx *sql.Tx, to string) (string, error) {
	var group string
	err := tx.QueryRowContext(ctx, vicidialGroupSQL, to).Scan(&group)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return vicidialNoGroup, nil
	case err != nil:
		return "", fmt.Errorf("look up inbound group %s: %w", to, err)
	}
	return group, nil
}

// splitName guesses first and last name from a display name; VICIdial
// keeps 30 characters of each.
func splitName(name string) (first, last string) {
	parts := strings.Fields(name)
	if len(parts) > 0 {
		first = parts[0]
	}
	last = strings.Join(parts[min(1, len(parts)):], " ")
	if last == "" {
		last = vicidialNoSurname
	}
	return truncate(first, vicidialNameLen), truncate(last, vicidialNameLen)
}

func protocolOf(m receiver.Message) string {
	if m.UIDL != "" {
		return "POP3"
	}
	return "IMAP"
}
