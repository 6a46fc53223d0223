package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tracyhatemice/mailbot/internal/checkpoint"
	"github.com/tracyhatemice/mailbot/internal/scheduler"
)

// StreamName is the JetStream stream receiving mailbot events.
const StreamName = "MAILBOT_EVENTS"

type publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Event is the JSON payload published for stored messages and alerts.
type Event struct {
	Instance string    `json:"instance"`
	Tick     string    `json:"tick,omitempty"`
	Fetched  int       `json:"fetched,omitempty"`
	New      int       `json:"new,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Events publishes "mailbot.<instance>.messages" after a tick stored new
// messages and "mailbot.<instance>.alert" on permanent failures, so
// downstream consumers need not poll the database. It implements
// scheduler.Reporter.
type Events struct {
	pub    publisher
	logger *slog.Logger
	now    func() time.Time
	close  func()
}

// NewEvents connects to the NATS server at url and makes sure the event
// stream exists.
func NewEvents(url string, logger *slog.Logger) (*Events, error) {
	nc, err := nats.Connect(url, nats.Name("mailbot"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	if _, err := js.StreamInfo(StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       StreamName,
			Subjects:   []string{"mailbot.>"},
			Storage:    nats.FileStorage,
			Retention:  nats.LimitsPolicy,
			Duplicates: 10 * time.Minute,
			MaxAge:     7 * 24 * time.Hour,
		})
		if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			nc.Close()
			return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
		}
	}

	return &Events{
		pub:    jetStream{js},
		logger: logger,
		now:    time.Now,
		close:  nc.Close,
	}, nil
}

type jetStream struct {
	js nats.JetStreamContext
}

func (j jetStream) Publish(subject string, payload []byte, msgID string) error {
	_, err := j.js.Publish(subject, payload, nats.MsgId(msgID))
	return err
}

// Report implements scheduler.Reporter.
func (e *Events) Report(r scheduler.PollResult) {
	if r.New == 0 {
		return
	}
	e.publish(subject(r.Instance, "messages"), r.TickID, Event{
		Instance: r.Instance,
		Tick:     r.TickID,
		Fetched:  r.Fetched,
		New:      r.New,
		At:       r.Started.Add(r.Duration).UTC(),
	})
}

// Alert implements scheduler.Reporter.
func (e *Events) Alert(instance string, cause error) {
	at := e.now().UTC()
	e.publish(subject(instance, "alert"), fmt.Sprintf("%s-alert-%d", instance, at.UnixNano()), Event{
		Instance: instance,
		Error:    cause.Error(),
		At:       at,
	})
}

func (e *Events) publish(subject, msgID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("encode event failed", "subject", subject, "error", err)
		return
	}
	if err := e.pub.Publish(subject, payload, msgID); err != nil {
		e.logger.Warn("publish event failed", "subject", subject, "error", err)
	}
}

// Close closes the NATS connection.
func (e *Events) Close() {
	if e.close != nil {
		e.close()
	}
}

// subject turns an instance name into a single NATS subject token.
func subject(instance, kind string) string {
	return "mailbot." + checkpoint.Sanitize(instance) + "." + kind
}
