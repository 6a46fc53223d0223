// Package notify e-mails the operator when an instance fails permanently.
package notify

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/scheduler"
)

// Mailer sends alert messages over SMTP. It implements scheduler.Reporter;
// only alerts produce mail.
type Mailer struct {
	cfg       config.Alerts
	tlsConfig *tls.Config
	logger    *slog.Logger
	now       func() time.Time
	send      func(from string, to []string, msg []byte) error
}

// New creates a Mailer for the [Alerts] settings.
func New(cfg config.Alerts, logger *slog.Logger) *Mailer {
	m := &Mailer{
		cfg:       cfg,
		tlsConfig: &tls.Config{ServerName: cfg.SMTPHost},
		logger:    logger,
		now:       time.Now,
	}
	m.send = m.sendSMTP
	return m
}

// Report implements scheduler.Reporter.
func (m *Mailer) Report(scheduler.PollResult) {}

// Alert implements scheduler.Reporter.
func (m *Mailer) Alert(instance string, cause error) {
	msg, err := m.compose(instance, cause)
	if err != nil {
		m.logger.Error("compose alert failed", "instance", instance, "error", err)
		return
	}
	if err := m.send(m.cfg.From, m.cfg.To, msg); err != nil {
		m.logger.Error("send alert failed", "instance", instance, "to", m.cfg.To, "error", err)
		return
	}
	m.logger.Info("alert sent", "instance", instance, "to", m.cfg.To)
}

func (m *Mailer) compose(instance string, cause error) ([]byte, error) {
	var h mail.Header
	h.SetDate(m.now())
	h.SetAddressList("From", []*mail.Address{{Name: "mailbot", Address: m.cfg.From}})
	to := make([]*mail.Address, 0, len(m.cfg.To))
	for _, addr := range m.cfg.To {
		to = append(to, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", to)
	h.SetSubject(fmt.Sprintf("mailbot: instance %s stopped polling", instance))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("X-Mailbot-Instance", instance)
	if err := h.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	fmt.Fprintf(w, "Instance %s failed with an error that retrying cannot fix:\r\n\r\n", instance)
	fmt.Fprintf(w, "    %v\r\n\r\n", cause)
	io.WriteString(w, "Polling is suspended for this instance. Fix its section in the\r\n"+
		"configuration file and send SIGHUP to reload.\r\n")
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

func (m *Mailer) sendSMTP(from string, to []string, msg []byte) error {
	addr := net.JoinHostPort(m.cfg.SMTPHost, strconv.Itoa(m.cfg.SMTPPort))
	client, err := m.dial(addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer client.Close()
	client.CommandTimeout = 30 * time.Second
	client.SubmissionTimeout = time.Minute

	if m.cfg.SMTPUser != "" && m.cfg.SMTPPassword != "" {
		auth := sasl.NewPlainClient("", m.cfg.SMTPUser, m.cfg.SMTPPassword)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return client.Quit()
}

// dial connects with implicit TLS when SMTPTLS is set and with STARTTLS
// otherwise. Credentials never travel in clear text: a server that does not
// offer STARTTLS is only accepted when no SMTPUser is configured.
func (m *Mailer) dial(addr string) (*smtp.Client, error) {
	if m.cfg.SMTPTLS {
		return smtp.DialTLS(addr, m.tlsConfig)
	}
	if m.cfg.SMTPUser == "" {
		client, err := smtp.Dial(addr)
		if err != nil {
			return nil, err
		}
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return client, nil
		}
		client.Quit()
	}
	return smtp.DialStartTLS(addr, m.tlsConfig)
}
