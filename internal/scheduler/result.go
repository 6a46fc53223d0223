package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State is the position of an instance in its poll cycle.
type State int32

const (
	Idle State = iota
	Polling
	Success
	TransientFailure
	PermanentFailure
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Polling:
		return "polling"
	case Success:
		return "success"
	case TransientFailure:
		return "transient-failure"
	case PermanentFailure:
		return "permanent-failure"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Error kinds carried by PollResult.ErrorKind.
const (
	KindCheckpointLoad    = "checkpoint-load-failed"
	KindCheckpointPersist = "checkpoint-persist-failed"
	KindExhausted         = "retries-exhausted"
	KindPermanent         = "permanent"
	KindDegraded          = "degraded"
	KindCancelled         = "cancelled"
)

// ErrDegraded is reported for ticks skipped after a permanent failure.
var ErrDegraded = errors.New("instance degraded until configuration reload")

// CheckpointPersistError reports a tick whose messages were stored but whose
// checkpoint could not be saved. The next tick fetches them again.
type CheckpointPersistError struct {
	Instance   string
	LastSeenID uint64
	Err        error
}

func (e *CheckpointPersistError) Error() string {
	return fmt.Sprintf("save checkpoint %d for %s: %v", e.LastSeenID, e.Instance, e.Err)
}

func (e *CheckpointPersistError) Unwrap() error { return e.Err }

// PollResult describes one tick of one instance.
type PollResult struct {
	Instance  string
	TickID    string
	State     State
	Fetched   int
	New       int
	Attempt   int
	Err       error
	ErrorKind string
	Started   time.Time
	Duration  time.Duration
}

// LogValue implements slog.LogValuer.
func (r PollResult) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("instance", r.Instance),
		slog.String("tick", r.TickID),
		slog.String("state", r.State.String()),
		slog.Int("fetched", r.Fetched),
		slog.Int("new", r.New),
		slog.Int("attempt", r.Attempt),
		slog.Duration("duration", r.Duration),
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("kind", r.ErrorKind), slog.Any("error", r.Err))
	}
	return slog.GroupValue(attrs...)
}

// Reporter consumes poll results and alerts. Implementations must be safe for
// concurrent use: every instance reports from its own goroutine.
type Reporter interface {
	Report(r PollResult)
	// Alert is called once when an instance fails permanently.
	Alert(instance string, err error)
}

// Reporters fans out to several reporters.
type Reporters []Reporter

func (rs Reporters) Report(r PollResult) {
	for _, rep := range rs {
		rep.Report(r)
	}
}

func (rs Reporters) Alert(instance string, err error) {
	for _, rep := range rs {
		rep.Alert(instance, err)
	}
}

// logResult writes r at a level matching its outcome.
func logResult(logger *slog.Logger, r PollResult) {
	switch {
	case r.ErrorKind == KindDegraded:
		logger.Debug("skipping degraded instance", "result", r)
	case r.State == PermanentFailure:
		logger.Error("poll failed permanently", "result", r)
	case r.Err != nil:
		logger.Warn("poll failed", "result", r)
	case r.New > 0:
		logger.Info(fmt.Sprintf("stored %d new message(s)", r.New), "result", r)
	default:
		logger.Debug("poll complete", "result", r)
	}
}
