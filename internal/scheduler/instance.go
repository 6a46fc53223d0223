package scheduler

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/mailbot/internal/checkpoint"
	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/receiver"
	"github.com/tracyhatemice/mailbot/internal/retry"
	"github.com/tracyhatemice/mailbot/internal/store"
)

// instance polls one mailbox. Its config may be swapped by Reload while a
// tick is running; the tick keeps the snapshot it started with.
type instance struct {
	deps   *Deps
	logger *slog.Logger

	cfg      atomic.Pointer[config.Instance]
	degraded atomic.Bool
	state    atomic.Int32
	wake     chan struct{}
}

func newInstance(cfg config.Instance, deps *Deps) *instance {
	in := &instance{
		deps:   deps,
		logger: deps.Logger.With("instance", cfg.Name),
		wake:   make(chan struct{}, 1),
	}
	in.cfg.Store(&cfg)
	return in
}

func (in *instance) config() config.Instance { return *in.cfg.Load() }

// swap installs a freshly resolved config and leaves degraded mode.
func (in *instance) swap(cfg config.Instance) {
	in.cfg.Store(&cfg)
	if in.degraded.Swap(false) {
		in.logger.Info("configuration reloaded, leaving degraded mode")
	}
	select {
	case in.wake <- struct{}{}:
	default:
	}
}

func (in *instance) State() State { return State(in.state.Load()) }

func (in *instance) setState(s State) { in.state.Store(int32(s)) }

// run polls until ctx is cancelled. The first tick fires immediately, later
// ticks start one interval after the previous one finished.
func (in *instance) run(ctx context.Context) {
	cfg := in.config()
	in.logger.Info("starting instance",
		"protocol", cfg.Protocol,
		"host", cfg.MailHost,
		"folder", cfg.MailFolder,
		"interval", in.deps.interval(cfg),
	)

	for ctx.Err() == nil {
		in.tick(ctx)
		if !in.sleep(ctx, time.Now()) {
			break
		}
	}
	in.logger.Info("instance stopped")
}

// sleep waits until one interval after finished. A reload recomputes the
// deadline from the new interval.
func (in *instance) sleep(ctx context.Context, finished time.Time) bool {
	for {
		t := time.NewTimer(time.Until(finished.Add(in.deps.interval(in.config()))))
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-in.wake:
			t.Stop()
		case <-t.C:
			return true
		}
	}
}

func (in *instance) tick(ctx context.Context) (res PollResult) {
	cfg := in.config()
	res = PollResult{
		Instance: cfg.Name,
		TickID:   uuid.NewString(),
		Started:  time.Now(),
	}
	defer func() {
		res.Duration = time.Since(res.Started)
		in.setState(Idle)
		logResult(in.logger, res)
		if in.deps.Reporter != nil {
			in.deps.Reporter.Report(res)
		}
	}()

	if in.degraded.Load() {
		res.State = PermanentFailure
		res.Err = ErrDegraded
		res.ErrorKind = KindDegraded
		return res
	}

	in.setState(Polling)
	stopping := ctx
	ctx, cancel := graceContext(ctx, in.deps.Grace)
	defer cancel()

	cp, err := in.deps.Checkpoints.Load(ctx, cfg.Name)
	found := err == nil
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		res.State = TransientFailure
		res.Err = err
		res.ErrorKind = KindCheckpointLoad
		return res
	}
	cursor := receiver.Cursor{ID: cp.LastSeenID, Marker: cp.Marker}
	policy := in.deps.policy(cfg)

	// A backlog arrives in bounded batches; the checkpoint is saved after
	// each one so a shutdown keeps the progress made so far.
	for {
		fetchAll := found || cfg.CheckAll
		batch, attempts, err := retry.Execute(ctx, policy, func(ctx context.Context) (receiver.Batch, error) {
			sess, err := in.deps.Dialer.Connect(ctx, receiver.SettingsFor(cfg))
			if err != nil {
				return receiver.Batch{}, err
			}
			defer sess.Close()
			return sess.FetchSince(ctx, cursor, fetchAll)
		})
		res.Attempt = max(res.Attempt, attempts)
		if err != nil {
			in.fail(ctx, &res, cfg, err)
			return res
		}
		res.Fetched += len(batch.Messages)

		if len(batch.Messages) > 0 {
			db := store.DBFor(cfg)
			n, attempts, err := retry.Execute(ctx, policy, func(ctx context.Context) (int, error) {
				return in.deps.Persister.Persist(ctx, db, cfg.Name, batch.Messages)
			})
			res.Attempt = max(res.Attempt, attempts)
			if err != nil {
				in.fail(ctx, &res, cfg, err)
				return res
			}
			res.New += n
		}

		next := receiver.Cursor{
			ID:     advance(cursor.ID, batch),
			Marker: cmp.Or(batch.Marker, cursor.Marker),
		}
		if !found || next != cursor {
			saved := checkpoint.Checkpoint{LastSeenID: next.ID, Marker: next.Marker, UpdatedAt: time.Now().UTC()}
			// the tick context may be past its grace period; a save must not be
			// cut off halfway through
			if err := in.deps.Checkpoints.Save(context.WithoutCancel(ctx), cfg.Name, saved); err != nil {
				res.State = TransientFailure
				res.Err = &CheckpointPersistError{Instance: cfg.Name, LastSeenID: next.ID, Err: err}
				res.ErrorKind = KindCheckpointPersist
				return res
			}
		}
		cursor, found = next, true

		if !batch.More || stopping.Err() != nil {
			break
		}
	}

	res.State = Success
	return res
}

// fail classifies a fetch or persist error. Only the tick context decides
// cancellation: network timeouts also match context.DeadlineExceeded.
func (in *instance) fail(ctx context.Context, res *PollResult, cfg config.Instance, err error) {
	res.Err = err
	switch {
	case ctx.Err() != nil:
		res.State = TransientFailure
		res.ErrorKind = KindCancelled
	case retry.IsPermanent(err):
		res.State = PermanentFailure
		res.ErrorKind = KindPermanent
		in.degraded.Store(true)
		if in.deps.Reporter != nil {
			in.deps.Reporter.Alert(cfg.Name, err)
		}
	default:
		res.State = TransientFailure
		res.ErrorKind = KindExhausted
	}
}

// advance returns the checkpoint after batch: never lower than old.
func advance(old uint64, batch receiver.Batch) uint64 {
	next := max(old, batch.Head)
	for _, m := range batch.Messages {
		next = max(next, m.ID)
	}
	return next
}

// graceContext returns a context that outlives parent by grace: work in
// flight when parent is cancelled gets grace to finish before its network
// calls are aborted.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
