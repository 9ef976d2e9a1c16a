// Package scheduler drives registered OpChains to completion on a shared
// bounded worker pool. No chain owns a thread for its lifetime: a chain gets
// exactly one "produce next block" call per scheduling turn, yields to a
// wait set when its dependencies are not ready, and is cancelled
// cooperatively by query id.
package scheduler

import (
	"context"
	"flag"
	"runtime"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quercusdb/quercus/pkg/query/operator"
)

// Config configures the scheduler of one worker process.
type Config struct {
	// NumWorkers bounds how many chains make progress concurrently.
	NumWorkers int `yaml:"num_workers"`
	// Backoff paces re-polling of chains that yielded not-ready. A tuning
	// bound, not a protocol guarantee.
	Backoff backoff.Config `yaml:"backoff"`
	// CancelTombstoneTTL is how long a cancelled request id is remembered so
	// that chains registered after the cancellation still terminate
	// cancelled.
	CancelTombstoneTTL time.Duration `yaml:"cancel_tombstone_ttl"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.NumWorkers, "scheduler.num-workers", runtime.GOMAXPROCS(0), "Number of worker threads shared by all chains of all queries.")
	f.DurationVar(&cfg.Backoff.MinBackoff, "scheduler.backoff-min-period", time.Millisecond, "Minimum delay before re-polling a not-ready chain.")
	f.DurationVar(&cfg.Backoff.MaxBackoff, "scheduler.backoff-max-period", 20*time.Millisecond, "Maximum delay before re-polling a not-ready chain.")
	f.DurationVar(&cfg.CancelTombstoneTTL, "scheduler.cancel-tombstone-ttl", time.Minute, "How long cancelled request ids are remembered.")
}

func (cfg *Config) Validate() error {
	if cfg.NumWorkers <= 0 {
		return errors.New("scheduler needs at least one worker")
	}
	return nil
}

type entryState int

const (
	entryQueued entryState = iota
	entryRunning
	entryWaiting
	entryDone
)

type entry struct {
	chain *operator.OpChain
	bo    *backoff.Backoff

	// guarded by Scheduler.mu
	state entryState
	timer *quartz.Timer
}

// Scheduler multiplexes OpChains over a bounded ants pool. Register returns
// immediately; the caller never waits on completion.
type Scheduler struct {
	services.Service

	cfg     Config
	logger  log.Logger
	clock   quartz.Clock
	metrics *metrics

	pool *ants.Pool

	mu        sync.Mutex
	ready     []*entry
	notify    chan struct{}
	chains    map[uint64]map[*entry]struct{}
	cancelled map[uint64]time.Time

	drivers sync.WaitGroup
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:       cfg,
		logger:    log.With(logger, "component", "opchain-scheduler"),
		clock:     quartz.NewReal(),
		metrics:   newMetrics(reg),
		notify:    make(chan struct{}, 1),
		chains:    make(map[uint64]map[*entry]struct{}),
		cancelled: make(map[uint64]time.Time),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s, nil
}

func (s *Scheduler) starting(_ context.Context) error {
	pool, err := ants.NewPool(s.cfg.NumWorkers, ants.WithPanicHandler(func(v any) {
		level.Error(s.logger).Log("msg", "scheduler worker panicked", "panic", v)
	}))
	if err != nil {
		return errors.Wrap(err, "creating scheduler worker pool")
	}
	s.pool = pool
	return nil
}

func (s *Scheduler) running(ctx context.Context) error {
	for i := 0; i < s.cfg.NumWorkers; i++ {
		s.drivers.Add(1)
		if err := s.pool.Submit(func() {
			defer s.drivers.Done()
			s.driverLoop(ctx)
		}); err != nil {
			s.drivers.Done()
			return errors.Wrap(err, "starting scheduler driver")
		}
	}

	ticker := s.clock.NewTicker(s.cfg.CancelTombstoneTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.drivers.Wait()
			return nil
		case <-ticker.C:
			s.purgeTombstones()
		}
	}
}

func (s *Scheduler) stopping(_ error) error {
	if s.pool != nil {
		s.pool.Release()
	}
	// Chains that never ran still must release their mailboxes.
	s.mu.Lock()
	var orphans []*entry
	for _, set := range s.chains {
		for e := range set {
			orphans = append(orphans, e)
			e.state = entryDone
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	s.chains = make(map[uint64]map[*entry]struct{})
	s.ready = nil
	s.mu.Unlock()
	for _, e := range orphans {
		e.chain.Cancel()
		e.chain.Close()
		s.metrics.registeredChains.Dec()
		s.metrics.chainsTotal.WithLabelValues(resultCancelled).Inc()
	}
	return nil
}

// Register enqueues a chain for execution and returns immediately. A chain
// whose request id was already cancelled terminates cancelled without ever
// producing a block.
func (s *Scheduler) Register(chain *operator.OpChain) {
	requestID := chain.RequestID()

	s.mu.Lock()
	if _, dead := s.cancelled[requestID]; dead {
		s.mu.Unlock()
		chain.Cancel()
		chain.Close()
		s.metrics.chainsTotal.WithLabelValues(resultCancelled).Inc()
		level.Debug(s.logger).Log("msg", "dropping chain for cancelled request", "request_id", requestID)
		return
	}
	e := &entry{
		chain: chain,
		bo:    backoff.New(context.Background(), s.cfg.Backoff),
	}
	set, ok := s.chains[requestID]
	if !ok {
		set = make(map[*entry]struct{})
		s.chains[requestID] = set
	}
	set[e] = struct{}{}
	e.state = entryQueued
	s.ready = append(s.ready, e)
	s.metrics.registeredChains.Inc()
	s.mu.Unlock()

	s.wake()
}

// Cancel marks every chain of requestID cancelled: queued, waiting,
// executing, or registered later while the tombstone lives. Idempotent; a
// second call observes no remaining chains and is a no-op.
func (s *Scheduler) Cancel(requestID uint64) {
	s.mu.Lock()
	s.cancelled[requestID] = s.clock.Now()
	var victims []*entry
	for e := range s.chains[requestID] {
		victims = append(victims, e)
		if e.state == entryWaiting {
			// Pull waiting chains forward so cancellation is observed now,
			// not after the backoff expires.
			if e.timer != nil {
				e.timer.Stop()
				e.timer = nil
			}
			e.state = entryQueued
			s.ready = append(s.ready, e)
		}
	}
	s.mu.Unlock()

	for _, e := range victims {
		e.chain.Cancel()
	}
	if len(victims) > 0 {
		level.Debug(s.logger).Log("msg", "cancelled chains", "request_id", requestID, "count", len(victims))
	}
	s.wake()
}

func (s *Scheduler) driverLoop(ctx context.Context) {
	for {
		e := s.pop(ctx)
		if e == nil {
			return
		}
		s.turn(e)
	}
}

func (s *Scheduler) pop(ctx context.Context) *entry {
	for {
		s.mu.Lock()
		if len(s.ready) > 0 {
			e := s.ready[0]
			s.ready = s.ready[1:]
			e.state = entryRunning
			s.mu.Unlock()
			return e
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

// turn runs exactly one produce call. Fairness across unrelated queries
// sharing the pool comes from never letting a chain run a second call
// without requeueing.
func (s *Scheduler) turn(e *entry) {
	if e.chain.Cancelled() {
		s.finish(e, resultCancelled)
		return
	}

	start := s.clock.Now()
	b, err := e.chain.NextBlock()
	s.metrics.turnSeconds.Observe(s.clock.Since(start).Seconds())
	s.metrics.turnsTotal.Inc()

	switch {
	case errors.Is(err, operator.ErrNotReady):
		s.metrics.notReadyTotal.Inc()
		s.parkWaiting(e)

	case errors.Is(err, operator.ErrCancelled):
		s.finish(e, resultCancelled)

	case err != nil:
		level.Error(e.chain.Logger()).Log("msg", "opchain failed", "request_id", e.chain.RequestID(),
			"stage_id", e.chain.StageID(), "err", err)
		s.finish(e, resultFailed)

	case b.IsError():
		level.Warn(e.chain.Logger()).Log("msg", "opchain finished with error block", "request_id", e.chain.RequestID(),
			"stage_id", e.chain.StageID(), "code", b.ErrorCode(), "error", b.ErrorMessage())
		s.finish(e, resultError)

	case b.IsEndOfStream():
		s.finish(e, resultCompleted)

	default:
		e.bo.Reset()
		s.requeue(e)
	}
}

func (s *Scheduler) parkWaiting(e *entry) {
	s.mu.Lock()
	if e.state == entryDone {
		s.mu.Unlock()
		return
	}
	e.state = entryWaiting
	delay := e.bo.NextDelay()
	e.timer = s.clock.AfterFunc(delay, func() { s.requeue(e) })
	s.mu.Unlock()
}

func (s *Scheduler) requeue(e *entry) {
	s.mu.Lock()
	if e.state == entryDone || e.state == entryQueued {
		s.mu.Unlock()
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.state = entryQueued
	s.ready = append(s.ready, e)
	s.mu.Unlock()
	s.wake()
}

func (s *Scheduler) finish(e *entry, result string) {
	e.chain.Close()

	s.mu.Lock()
	e.state = entryDone
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	requestID := e.chain.RequestID()
	if set, ok := s.chains[requestID]; ok {
		delete(set, e)
		if len(set) == 0 {
			delete(s.chains, requestID)
		}
	}
	s.mu.Unlock()

	s.metrics.registeredChains.Dec()
	s.metrics.chainsTotal.WithLabelValues(result).Inc()
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) purgeTombstones() {
	horizon := s.clock.Now().Add(-s.cfg.CancelTombstoneTTL)
	s.mu.Lock()
	for id, at := range s.cancelled {
		if at.Before(horizon) {
			delete(s.cancelled, id)
		}
	}
	s.mu.Unlock()
}
