package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/retry"
)

// Message is one fetched email.
type Message struct {
	ID          uint64 // cursor value, see Cursor
	UIDL        string // POP3 unique id, empty for IMAP
	MessageID   string // Message-ID header, may be empty
	From        string
	FromName    string
	To          string
	Subject     string
	ContentType string
	Date        time.Time
	Content     []byte // raw RFC 5322 message bytes

	// Headers and body text kept for the vicidial schema.
	MIMEType         string
	TransferEncoding string
	XMailer          string
	SenderIP         string
	Text             string // first text part, decoded
}

// Cursor is the position of an instance in its mailbox. ID only grows.
//
// For IMAP, ID holds UIDVALIDITY in its upper 32 bits and the UID in the
// lower ones, so a recreated folder restarts from its first message. For
// POP3, ID counts the messages seen and Marker is the UIDL of the last one.
type Cursor struct {
	ID     uint64
	Marker string
}

// Batch is the result of one FetchSince call.
type Batch struct {
	Messages []Message // ordered by arrival
	Head     uint64    // newest cursor value present in the mailbox
	Marker   string    // marker after this batch; empty keeps the previous one
	More     bool      // messages after Head were left for another call
}

// BatchSize bounds the messages returned by one FetchSince call so a large
// backlog is never held in memory at once.
const BatchSize = 100

// Settings are the connection parameters of one mailbox.
type Settings struct {
	Protocol string
	Host     string
	Port     int
	TLS      bool
	Folder   string
	User     string
	Password string
}

// SettingsFor extracts the mailbox settings of a resolved instance.
func SettingsFor(inst config.Instance) Settings {
	return Settings{
		Protocol: inst.Protocol,
		Host:     inst.MailHost,
		Port:     inst.MailPort,
		TLS:      inst.MailTLS,
		Folder:   inst.MailFolder,
		User:     inst.MailUser,
		Password: inst.MailPassword,
	}
}

// Session is an authenticated connection to one mailbox.
type Session interface {
	// FetchSince returns the messages after cursor. When fetchAll is false
	// no messages are returned, only the position of the newest one.
	FetchSince(ctx context.Context, cursor Cursor, fetchAll bool) (Batch, error)

	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens mailbox sessions.
type Dialer interface {
	Connect(ctx context.Context, s Settings) (Session, error)
}

// NetDialer connects over IMAP or POP3 depending on Settings.Protocol.
// Cancelling the context passed to Connect aborts the session.
//
// Instances usually share a mail host, so connections are rate limited per
// host: ConnectRate new connections per second with bursts of ConnectBurst.
type NetDialer struct {
	Timeout      time.Duration
	ConnectRate  rate.Limit
	ConnectBurst int
	Logger       *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDialer returns a NetDialer with a 30 second dial timeout allowing two
// connections per second and host, with bursts of five.
func NewDialer(logger *slog.Logger) *NetDialer {
	return &NetDialer{
		Timeout:      30 * time.Second,
		ConnectRate:  2,
		ConnectBurst: 5,
		Logger:       logger,
	}
}

func (d *NetDialer) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.limiters == nil {
		d.limiters = make(map[string]*rate.Limiter)
	}
	lim, ok := d.limiters[host]
	if !ok {
		lim = rate.NewLimiter(d.ConnectRate, max(d.ConnectBurst, 1))
		d.limiters[host] = lim
	}
	return lim
}

func (d *NetDialer) Connect(ctx context.Context, s Settings) (Session, error) {
	if s.Protocol != "imap" && s.Protocol != "pop3" {
		return nil, retry.Permanent(fmt.Errorf("unsupported protocol: %s", s.Protocol))
	}
	if d.ConnectRate > 0 {
		if err := d.limiter(s.Host).Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for connect slot on %s: %w", s.Host, err)
		}
	}

	var (
		sess Session
		err  error
	)
	if s.Protocol == "pop3" {
		sess, err = d.connectPOP3(ctx, s)
	} else {
		sess, err = d.connectIMAP(ctx, s)
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}
