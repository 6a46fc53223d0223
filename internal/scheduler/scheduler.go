// Package scheduler runs one independent poll loop per configured instance.
//
// Every tick loads the instance checkpoint, fetches newer messages through
// the mail collaborator, stores them through the persister and advances the
// checkpoint. Transient failures are retried with backoff; a permanent
// failure puts the instance in degraded mode until its configuration is
// reloaded.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tracyhatemice/mailbot/internal/checkpoint"
	"github.com/tracyhatemice/mailbot/internal/config"
	"github.com/tracyhatemice/mailbot/internal/receiver"
	"github.com/tracyhatemice/mailbot/internal/retry"
	"github.com/tracyhatemice/mailbot/internal/store"
)

// Persister stores fetched messages. It must be idempotent on the message
// natural key and returns the number of newly stored messages.
type Persister interface {
	Persist(ctx context.Context, db store.DB, instance string, msgs []receiver.Message) (int, error)
}

// Deps are the collaborators shared by every instance loop.
type Deps struct {
	Dialer      receiver.Dialer
	Persister   Persister
	Checkpoints checkpoint.Store
	Reporter    Reporter // optional
	Logger      *slog.Logger

	// Grace bounds how long an in-flight tick may keep running after
	// shutdown before its network calls are aborted.
	Grace time.Duration

	// unit scales the second-based durations of the config; tests shrink it.
	unit time.Duration
}

func (d *Deps) interval(cfg config.Instance) time.Duration {
	if d.unit > 0 {
		return time.Duration(cfg.IntervalSeconds) * d.unit
	}
	return cfg.Interval()
}

func (d *Deps) policy(cfg config.Instance) retry.Policy {
	p := retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.RetryDelay(),
		MaxDelay:    cfg.MaxRetryDelay(),
	}
	if d.unit > 0 {
		p.BaseDelay = time.Duration(cfg.RetryDelaySeconds) * d.unit
		p.MaxDelay = time.Duration(cfg.MaxRetryDelaySeconds) * d.unit
	}
	return p
}

// Status is a snapshot of one running instance.
type Status struct {
	Name     string
	State    State
	Degraded bool
}

type loop struct {
	inst   *instance
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the instance loops.
type Scheduler struct {
	deps Deps

	mu      sync.Mutex
	ctx     context.Context // set by Run
	configs map[string]config.Instance
	loops   map[string]*loop

	// stopping holds loops removed by Reload that may still be finishing a
	// tick; a re-added instance waits for them so one checkpoint never has
	// two writers.
	stopping map[string]chan struct{}
	wg       sync.WaitGroup
}

// New returns a Scheduler for instances. Nothing runs until Run is called.
func New(deps Deps, instances []config.Instance) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Scheduler{
		deps:     deps,
		configs:  make(map[string]config.Instance, len(instances)),
		loops:    make(map[string]*loop),
		stopping: make(map[string]chan struct{}),
	}
	for _, cfg := range instances {
		s.configs[cfg.Name] = cfg
	}
	return s
}

// Run starts one goroutine per instance and blocks until ctx is cancelled
// and every loop has finished its in-flight tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	for _, name := range sortedNames(s.configs) {
		s.start(s.configs[name])
	}
	n := len(s.loops)
	s.mu.Unlock()

	s.deps.Logger.Info("scheduler started", "instances", n)
	<-ctx.Done()
	s.deps.Logger.Info("shutting down, waiting for in-flight polls", "grace", s.deps.Grace)
	s.wg.Wait()
	s.deps.Logger.Info("scheduler stopped")
	return nil
}

// start launches the loop of cfg. s.mu must be held.
func (s *Scheduler) start(cfg config.Instance) {
	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{
		inst:   newInstance(cfg, &s.deps),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.loops[cfg.Name] = l
	prev := s.stopping[cfg.Name]
	delete(s.stopping, cfg.Name)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(l.done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		l.inst.run(ctx)
	}()
}

// Reload applies a freshly resolved instance set. Running instances get the
// new config (leaving degraded mode), new instances are started and
// instances no longer present are stopped. Instances named in keep failed to
// resolve: they go on with their previous config.
func (s *Scheduler) Reload(instances []config.Instance, keep ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]config.Instance, len(instances))
	for _, cfg := range instances {
		next[cfg.Name] = cfg
	}
	for _, name := range keep {
		if old, ok := s.configs[name]; ok {
			if _, ok := next[name]; !ok {
				next[name] = old
				s.deps.Logger.Warn("keeping previous configuration", "instance", name)
			}
		}
	}

	for name := range s.configs {
		if _, ok := next[name]; ok {
			continue
		}
		if l, ok := s.loops[name]; ok {
			s.deps.Logger.Info("stopping removed instance", "instance", name)
			l.cancel()
			delete(s.loops, name)
			s.stopping[name] = l.done
		}
	}

	for _, name := range sortedNames(next) {
		cfg := next[name]
		if l, ok := s.loops[name]; ok {
			l.inst.swap(cfg)
			continue
		}
		if s.ctx != nil && s.ctx.Err() == nil {
			s.start(cfg)
		}
	}
	s.configs = next
}

// Status returns the state of every running instance, sorted by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.loops))
	for _, name := range sortedNames(s.loops) {
		inst := s.loops[name].inst
		out = append(out, Status{Name: name, State: inst.State(), Degraded: inst.degraded.Load()})
	}
	return out
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
