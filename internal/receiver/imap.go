package receiver

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"slices"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/mailbot/internal/retry"
)

// imapSession reads one folder in read-only mode; the cursor is the UID
// qualified by the folder's UIDVALIDITY.
type imapSession struct {
	client      *imapclient.Client
	folder      string
	uidNext     imap.UID
	uidValidity uint32
	limit       int
	stop        func() bool
	logger      *slog.Logger
}

func (d *NetDialer) connectIMAP(ctx context.Context, s Settings) (*imapSession, error) {
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))

	dialer := &net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("imap connect %s: %w", addr, err)
	}
	if s.TLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: s.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("imap tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	client := imapclient.New(conn, nil)
	sess := &imapSession{
		client: client,
		folder: s.Folder,
		limit:  BatchSize,
		logger: d.Logger,
	}
	// Closing the client unblocks any command waiting on the server.
	sess.stop = context.AfterFunc(ctx, func() { client.Close() })

	if err := client.Login(s.User, s.Password).Wait(); err != nil {
		sess.abort()
		return nil, fmt.Errorf("imap login %s: %w", s.User, refused(err))
	}

	data, err := client.Select(s.Folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		sess.abort()
		return nil, fmt.Errorf("imap select %s: %w", s.Folder, refused(err))
	}
	sess.uidNext = data.UIDNext
	sess.uidValidity = data.UIDValidity
	return sess, nil
}

// refused marks errors answered by the server (NO/BAD) as permanent: the
// credentials or the folder are wrong and retrying will not help.
func refused(err error) error {
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return retry.Permanent(err)
	}
	return err
}

func (s *imapSession) FetchSince(ctx context.Context, cursor Cursor, fetchAll bool) (Batch, error) {
	epoch := uint64(s.uidValidity) << 32
	if !fetchAll {
		head, err := s.head()
		if err != nil {
			return Batch{}, err
		}
		return Batch{Head: epoch | head}, nil
	}

	var last uint64
	if cursor.ID>>32 == uint64(s.uidValidity) {
		last = cursor.ID & math.MaxUint32
	} else if cursor.ID != 0 {
		s.logger.Warn("UIDVALIDITY changed, reading folder from the start",
			"folder", s.folder, "old", cursor.ID>>32, "new", s.uidValidity)
	}
	if last >= math.MaxUint32 {
		return Batch{Head: epoch | last}, nil
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: imap.UID(last + 1), Stop: 0}}},
	}
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return Batch{}, fmt.Errorf("imap search: %w", err)
	}

	uids := newerUIDs(searchData.AllUIDs(), last)
	batch := Batch{Head: epoch | last}
	if len(uids) == 0 {
		s.logger.Debug("no new messages", "folder", s.folder, "uid", last)
		return batch, nil
	}
	if s.limit > 0 && len(uids) > s.limit {
		uids, batch.More = uids[:s.limit], true
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		UID:         true,
		Envelope:    true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return Batch{}, fmt.Errorf("imap fetch: %w", err)
	}

	for _, buf := range buffers {
		id := epoch | uint64(buf.UID)
		batch.Head = max(batch.Head, id)
		content := buf.FindBodySection(bodySection)
		if len(content) == 0 {
			s.logger.Warn("empty body, skipping", "uid", buf.UID)
			continue
		}
		msg := parseMessage(content)
		msg.ID = id
		if msg.MessageID == "" && buf.Envelope != nil {
			msg.MessageID = buf.Envelope.MessageID
		}
		batch.Messages = append(batch.Messages, msg)
	}
	slices.SortFunc(batch.Messages, func(a, b Message) int {
		return cmp.Compare(a.ID, b.ID)
	})

	s.logger.Debug("fetched messages", "folder", s.folder, "count", len(batch.Messages), "more", batch.More)
	return batch, nil
}

// head returns the highest UID currently in the folder.
func (s *imapSession) head() (uint64, error) {
	if s.uidNext > 0 {
		return uint64(s.uidNext) - 1, nil
	}
	searchData, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("imap search: %w", err)
	}
	var head uint64
	for _, uid := range searchData.AllUIDs() {
		head = max(head, uint64(uid))
	}
	return head, nil
}

// newerUIDs keeps the UIDs above cursor, sorted. "n:*" always matches the
// last message even when its UID is below n.
func newerUIDs(uids []imap.UID, cursor uint64) []imap.UID {
	out := make([]imap.UID, 0, len(uids))
	for _, uid := range uids {
		if uint64(uid) > cursor {
			out = append(out, uid)
		}
	}
	slices.Sort(out)
	return out
}

func (s *imapSession) Close() error {
	s.stop()
	if err := s.client.Logout().Wait(); err != nil {
		s.client.Close()
		return fmt.Errorf("imap logout: %w", err)
	}
	return s.client.Close()
}

func (s *imapSession) abort() {
	s.stop()
	s.client.Close()
}
