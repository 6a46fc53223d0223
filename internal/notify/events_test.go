package notify

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailbot/internal/scheduler"
)

type published struct {
	subject string
	payload []byte
	msgID   string
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(subject string, payload []byte, msgID string) error {
	p.msgs = append(p.msgs, published{subject, payload, msgID})
	return p.err
}

func newTestEvents() (*Events, *fakePublisher) {
	pub := &fakePublisher{}
	return &Events{
		pub:    pub,
		logger: slog.New(slog.DiscardHandler),
		now:    func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) },
	}, pub
}

func TestEventsReportNewMessages(t *testing.T) {
	e, pub := newTestEvents()

	e.Report(scheduler.PollResult{Instance: "sales", TickID: "t1", State: scheduler.Success, Fetched: 3})
	assert.Empty(t, pub.msgs, "nothing new, nothing published")

	started := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	e.Report(scheduler.PollResult{Instance: "sales", TickID: "t2", State: scheduler.Success, Fetched: 3, New: 2, Started: started, Duration: time.Second})
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "mailbot.sales.messages", pub.msgs[0].subject)
	assert.Equal(t, "t2", pub.msgs[0].msgID)

	var ev Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].payload, &ev))
	assert.Equal(t, Event{Instance: "sales", Tick: "t2", Fetched: 3, New: 2, At: started.Add(time.Second)}, ev)
}

func TestEventsAlert(t *testing.T) {
	e, pub := newTestEvents()
	e.Alert("eu.sales", errors.New("LOGIN failed"))

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "mailbot.eu_sales.alert", pub.msgs[0].subject)
	assert.Contains(t, string(pub.msgs[0].payload), `"error":"LOGIN failed"`)
}

func TestEventsPublishFailureIsNotFatal(t *testing.T) {
	e, pub := newTestEvents()
	pub.err = errors.New("nats: timeout")
	assert.NotPanics(t, func() {
		e.Report(scheduler.PollResult{Instance: "sales", TickID: "t1", New: 1})
	})
}
