package notify

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailbot/internal/config"
)

var alertsConfig = config.Alerts{
	SMTPHost: "127.0.0.1",
	SMTPPort: 587,
	From:     "mailbot@example.com",
	To:       []string{"ops@example.com", "oncall@example.com"},
}

func TestCompose(t *testing.T) {
	m := New(alertsConfig, slog.New(slog.DiscardHandler))
	m.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }

	raw, err := m.compose("sales", errors.New("LOGIN failed: invalid credentials"))
	require.NoError(t, err)

	r, err := mail.CreateReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer r.Close()

	subject, err := r.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, "mailbot: instance sales stopped polling", subject)
	to, err := r.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "oncall@example.com", to[1].Address)
	assert.Equal(t, "sales", r.Header.Get("X-Mailbot-Instance"))
	id, err := r.Header.MessageID()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	part, err := r.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "LOGIN failed: invalid credentials")
}

func TestAlertUsesSender(t *testing.T) {
	m := New(alertsConfig, slog.New(slog.DiscardHandler))
	var (
		gotFrom string
		gotTo   []string
		calls   int
	)
	m.send = func(from string, to []string, msg []byte) error {
		calls++
		gotFrom, gotTo = from, to
		return nil
	}

	m.Alert("sales", errors.New("boom"))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "mailbot@example.com", gotFrom)
	assert.Equal(t, alertsConfig.To, gotTo)
}

func TestAlertSendFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer
	m := New(alertsConfig, slog.New(slog.NewTextHandler(&logs, nil)))
	m.send = func(string, []string, []byte) error { return errors.New("connection refused") }

	m.Alert("sales", errors.New("boom"))
	assert.Contains(t, logs.String(), "send alert failed")
}

type backend struct {
	mu   sync.Mutex
	from string
	to   []string
	data []byte
	user string
}

func (b *backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &authSession{session{b: b}}, nil
}

type session struct{ b *backend }

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.to = append(s.b.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.b.data = data
	return nil
}

func (s *session) Reset()        {}
func (s *session) Logout() error { return nil }

// authSession accepts PLAIN with the password "secret". The server only
// offers AUTH on a TLS connection.
type authSession struct{ session }

func (s *authSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *authSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if password != "secret" {
			return errors.New("invalid credentials")
		}
		s.b.mu.Lock()
		defer s.b.mu.Unlock()
		s.b.user = username
		return nil
	}), nil
}

// serve starts an SMTP server on a random port. With tlsConfig set it
// offers STARTTLS.
func serve(t *testing.T, tlsConfig *tls.Config) (*backend, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	be := &backend{}
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.TLSConfig = tlsConfig
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })
	return be, ln.Addr().(*net.TCPAddr).Port
}

// testCertificate borrows the self-signed certificate of an httptest server,
// valid for 127.0.0.1.
func testCertificate(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	t.Cleanup(ts.Close)

	pool := x509.NewCertPool()
	pool.AddCert(ts.Certificate())
	server = &tls.Config{Certificates: ts.TLS.Certificates}
	client = &tls.Config{ServerName: "127.0.0.1", RootCAs: pool}
	return server, client
}

func TestSendSMTP(t *testing.T) {
	be, port := serve(t, nil)

	cfg := alertsConfig
	cfg.SMTPPort = port
	m := New(cfg, slog.New(slog.DiscardHandler))

	msg, err := m.compose("support", errors.New("unknown database 'asterisk'"))
	require.NoError(t, err)
	require.NoError(t, m.sendSMTP(cfg.From, cfg.To, msg))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "mailbot@example.com", be.from)
	assert.Equal(t, cfg.To, be.to)
	assert.Contains(t, string(be.data), "unknown database")
}

func TestSendSMTPStartTLS(t *testing.T) {
	serverTLS, clientTLS := testCertificate(t)
	be, port := serve(t, serverTLS)

	cfg := alertsConfig
	cfg.SMTPPort = port
	cfg.SMTPUser = "mailbot"
	cfg.SMTPPassword = "secret"
	m := New(cfg, slog.New(slog.DiscardHandler))
	m.tlsConfig = clientTLS

	msg, err := m.compose("sales", errors.New("LOGIN failed"))
	require.NoError(t, err)
	require.NoError(t, m.sendSMTP(cfg.From, cfg.To, msg))

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, "mailbot", be.user)
	assert.Equal(t, cfg.To, be.to)
}

func TestSendSMTPWithoutCredentialsUpgrades(t *testing.T) {
	serverTLS, clientTLS := testCertificate(t)
	be, port := serve(t, serverTLS)

	cfg := alertsConfig
	cfg.SMTPPort = port
	m := New(cfg, slog.New(slog.DiscardHandler))
	m.tlsConfig = &tls.Config{ServerName: "127.0.0.1"}

	msg, err := m.compose("sales", errors.New("LOGIN failed"))
	require.NoError(t, err)
	// STARTTLS is offered, so the untrusted certificate must fail the send
	// instead of falling back to clear text.
	require.Error(t, m.sendSMTP(cfg.From, cfg.To, msg))

	m.tlsConfig = clientTLS
	require.NoError(t, m.sendSMTP(cfg.From, cfg.To, msg))
	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Equal(t, cfg.To, be.to)
}

func TestSendSMTPRefusesCleartextCredentials(t *testing.T) {
	be, port := serve(t, nil)

	cfg := alertsConfig
	cfg.SMTPPort = port
	cfg.SMTPUser = "mailbot"
	cfg.SMTPPassword = "secret"
	m := New(cfg, slog.New(slog.DiscardHandler))

	msg, err := m.compose("sales", errors.New("LOGIN failed"))
	require.NoError(t, err)
	err = m.sendSMTP(cfg.From, cfg.To, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp dial")

	be.mu.Lock()
	defer be.mu.Unlock()
	assert.Empty(t, be.user)
	assert.Empty(t, be.from)
}
