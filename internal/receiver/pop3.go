package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"

	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/mailbot/internal/retry"
)

// pop3Session identifies messages by UIDL. The cursor counts the messages
// seen so far and its marker is the UIDL of the last one; everything listed
// after the marker is new.
type pop3Session struct {
	conn   *pop3client.Conn
	dialer *ctxDialer
	user   string
	limit  int
	once   sync.Once
	logger *slog.Logger
}

// ctxDialer closes the connection once ctx is done, which aborts the POP3
// command in flight.
type ctxDialer struct {
	ctx    context.Context
	dialer *net.Dialer
	conn   net.Conn
	stop   func() bool
}

func (d *ctxDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.conn = conn
	d.stop = context.AfterFunc(d.ctx, func() { conn.Close() })
	return conn, nil
}

func (d *ctxDialer) close() {
	if d.conn == nil {
		return
	}
	d.stop()
	d.conn.Close()
}

func (d *NetDialer) connectPOP3(ctx context.Context, s Settings) (*pop3Session, error) {
	dialer := &ctxDialer{ctx: ctx, dialer: &net.Dialer{Timeout: d.Timeout}}
	client := pop3client.New(pop3client.Opt{
		Host:        s.Host,
		Port:        s.Port,
		TLSEnabled:  s.TLS,
		DialTimeout: d.Timeout,
		Dialer:      dialer,
	})
	conn, err := client.NewConn()
	if err != nil {
		dialer.close()
		return nil, fmt.Errorf("pop3 connect %s: %w", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), err)
	}

	sess := &pop3Session{
		conn:   conn,
		dialer: dialer,
		user:   s.User,
		limit:  BatchSize,
		logger: d.Logger,
	}
	if err := conn.Auth(s.User, s.Password); err != nil {
		sess.Close()
		return nil, fmt.Errorf("pop3 auth %s: %w", s.User, rejected(err))
	}
	return sess, nil
}

// rejected marks -ERR replies as permanent: the server refused the command
// and asking again will not change that. I/O failures stay transient.
func rejected(err error) error {
	var ne net.Error
	if errors.As(err, &ne) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return err
	}
	return retry.Permanent(err)
}

// pop3Entry is one message of the UIDL listing.
type pop3Entry struct {
	num  int
	uidl string
}

func (s *pop3Session) FetchSince(ctx context.Context, cursor Cursor, fetchAll bool) (Batch, error) {
	list, err := s.conn.Uidl(0)
	if err != nil {
		return Batch{}, fmt.Errorf("pop3 uidl: %w", rejected(err))
	}
	entries := make([]pop3Entry, 0, len(list))
	for _, m := range list {
		entries = append(entries, pop3Entry{num: m.ID, uidl: m.UID})
	}

	sel := selectPOP3(entries, cursor, fetchAll, s.limit)
	if sel.rescan {
		s.logger.Warn("last seen message is gone, reading maildrop from the start",
			"user", s.user, "uidl", cursor.Marker)
	}

	batch := Batch{Head: sel.head, Marker: sel.marker, More: sel.more}
	for i, e := range sel.entries {
		if err := ctx.Err(); err != nil {
			return Batch{}, err
		}
		raw, err := s.conn.RetrRaw(e.num)
		if err != nil {
			return Batch{}, fmt.Errorf("pop3 retrieve %d: %w", e.num, err)
		}
		msg := parseMessage(raw.Bytes())
		msg.ID = cursor.ID + uint64(i) + 1
		msg.UIDL = e.uidl
		batch.Messages = append(batch.Messages, msg)
	}
	s.logger.Debug("fetched messages", "user", s.user, "count", len(batch.Messages), "more", batch.More)
	return batch, nil
}

// pop3Selection is what one FetchSince call retrieves.
type pop3Selection struct {
	entries []pop3Entry
	head    uint64
	marker  string
	more    bool
	rescan  bool // the marker is no longer listed
}

// selectPOP3 picks at most limit entries listed after the cursor marker, in
// listing (arrival) order. When the marker message was deleted every entry is
// selected again; stored messages are skipped by the persister.
func selectPOP3(entries []pop3Entry, cursor Cursor, fetchAll bool, limit int) pop3Selection {
	if !fetchAll {
		sel := pop3Selection{head: cursor.ID + uint64(len(entries)), marker: cursor.Marker}
		if len(entries) > 0 {
			sel.marker = entries[len(entries)-1].uidl
		}
		return sel
	}

	start := 0
	rescan := false
	if cursor.Marker != "" {
		rescan = true
		for i, e := range entries {
			if e.uidl == cursor.Marker {
				start, rescan = i+1, false
				break
			}
		}
	}

	next := entries[start:]
	more := false
	if limit > 0 && len(next) > limit {
		next, more = next[:limit], true
	}
	sel := pop3Selection{
		entries: next,
		head:    cursor.ID + uint64(len(next)),
		marker:  cursor.Marker,
		more:    more,
		rescan:  rescan,
	}
	if len(next) > 0 {
		sel.marker = next[len(next)-1].uidl
	}
	return sel
}

func (s *pop3Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Quit()
		s.dialer.close()
	})
	return err
}
