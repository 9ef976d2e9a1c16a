// Package runner orchestrates stage execution on one worker: it receives a
// stage plan plus per-request options, materializes pipeline breakers,
// compiles the operator tree, and hands the resulting chain to the shared
// scheduler. Submission is asynchronous; results flow through mailboxes, not
// back to the submitter.
package runner

import (
	"context"
	"flag"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/operator"
	"github.com/quercusdb/quercus/pkg/query/pipeline"
	"github.com/quercusdb/quercus/pkg/query/plan"
	"github.com/quercusdb/quercus/pkg/query/scan"
	"github.com/quercusdb/quercus/pkg/query/scheduler"
)

// Per-request option keys carried alongside a submitted stage plan.
const (
	OptionKeyRequestID        = "requestId"
	OptionKeyTimeoutMS        = "timeoutMs"
	OptionKeyTraceEnabled     = "trace"
	OptionKeyJoinOverflowMode = "joinOverflowMode"
	OptionKeyMaxRowsInJoin    = "maxRowsInJoin"
)

// Config configures the runner and its owned subservices.
type Config struct {
	// DefaultTimeout applies when a request carries no timeoutMs option. The
	// stage deadline is computed once at submission and never resets.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// JoinOverflowMode is the worker default, overridable per request.
	JoinOverflowMode string `yaml:"join_overflow_mode"`
	// MaxRowsInJoin bounds the join build side. 0 disables the bound.
	MaxRowsInJoin int `yaml:"max_rows_in_join"`

	Scheduler scheduler.Config `yaml:"scheduler"`
	Mailbox   mailbox.Config   `yaml:"mailbox"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.DefaultTimeout, "runner.default-timeout", 10*time.Second, "Stage deadline for requests that carry no timeout option.")
	f.StringVar(&cfg.JoinOverflowMode, "runner.join-overflow-mode", plan.JoinOverflowThrow, "Default behavior when a join build side overflows: THROW or BREAK.")
	f.IntVar(&cfg.MaxRowsInJoin, "runner.max-rows-in-join", 0, "Default bound on join build side rows. 0 disables the bound.")
	cfg.Scheduler.RegisterFlags(f)
	cfg.Mailbox.RegisterFlags(f)
}

func (cfg *Config) Validate() error {
	if cfg.DefaultTimeout <= 0 {
		return errors.New("runner default timeout must be positive")
	}
	if cfg.JoinOverflowMode != plan.JoinOverflowThrow && cfg.JoinOverflowMode != plan.JoinOverflowBreak {
		return errors.Errorf("unknown join overflow mode %q", cfg.JoinOverflowMode)
	}
	if err := cfg.Scheduler.Validate(); err != nil {
		return err
	}
	return cfg.Mailbox.Validate()
}

// Runner is the per-worker execution service. One instance per process; it
// owns the mailbox service and the scheduler and ties their lifecycles to
// its own.
type Runner struct {
	services.Service

	cfg     Config
	logger  log.Logger
	clock   quartz.Clock
	metrics *metrics

	mailboxes *mailbox.Service
	sched     *scheduler.Scheduler
	breakers  *pipeline.Executor
	scanExec  scan.Executor

	subservices        *services.Manager
	subservicesWatcher *services.FailureWatcher
}

// New builds the runner and its subservices. scanExec answers leaf-stage
// partition scans; nil installs the unavailable executor.
func New(cfg Config, scanExec scan.Executor, logger log.Logger, reg prometheus.Registerer) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if scanExec == nil {
		scanExec = scan.Unavailable{}
	}

	mailboxes, err := mailbox.New(cfg.Mailbox, logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating mailbox service")
	}
	sched, err := scheduler.New(cfg.Scheduler, logger, reg)
	if err != nil {
		return nil, errors.Wrap(err, "creating scheduler")
	}

	r := &Runner{
		cfg:       cfg,
		logger:    log.With(logger, "component", "query-runner"),
		clock:     quartz.NewReal(),
		metrics:   newMetrics(reg),
		mailboxes: mailboxes,
		sched:     sched,
		breakers:  pipeline.NewExecutor(sched, logger),
		scanExec:  scanExec,
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r, nil
}

// Local returns this worker's advertised virtual address.
func (r *Runner) Local() plan.VirtualServer { return r.mailboxes.Local() }

// Mailboxes exposes the mailbox service, e.g. for opening result receivers.
func (r *Runner) Mailboxes() *mailbox.Service { return r.mailboxes }

func (r *Runner) starting(ctx context.Context) error {
	m, err := services.NewManager(r.mailboxes, r.sched)
	if err != nil {
		return errors.Wrap(err, "creating runner subservice manager")
	}
	r.subservices = m
	r.subservicesWatcher = services.NewFailureWatcher()
	r.subservicesWatcher.WatchManager(m)
	return errors.Wrap(services.StartManagerAndAwaitHealthy(ctx, m), "starting runner subservices")
}

func (r *Runner) running(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-r.subservicesWatcher.Chan():
		return errors.Wrap(err, "runner subservice failed")
	}
}

func (r *Runner) stopping(_ error) error {
	return services.StopManagerAndAwaitStopped(context.Background(), r.subservices)
}

// ProcessQuery accepts one stage plan for execution and returns once its
// chain is registered (or rejected). It never waits for the stage to run:
// submission errors are planner-facing, execution errors travel downstream
// as error blocks.
//
// ctx covers only the submission itself, pipeline breaker materialization
// included; the registered chain's lifetime is governed by the stage deadline
// and explicit cancellation.
func (r *Runner) ProcessQuery(ctx context.Context, sp *plan.StagePlan, options map[string]string) error {
	requestID, err := strconv.ParseUint(options[OptionKeyRequestID], 10, 64)
	if err != nil {
		return errors.Wrapf(err, "parsing %s", OptionKeyRequestID)
	}

	timeout := r.cfg.DefaultTimeout
	if raw := options[OptionKeyTimeoutMS]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			return errors.Errorf("invalid %s option %q", OptionKeyTimeoutMS, raw)
		}
		timeout = time.Duration(ms) * time.Millisecond
	}
	deadline := r.clock.Now().Add(timeout)

	r.mergeJoinPolicy(sp, options)
	plan.AssignNodeIDs(sp.Root)

	ec := operator.NewExecContext(context.Background(), operator.ExecContext{
		RequestID:    requestID,
		StageID:      sp.StageID,
		Server:       sp.Server,
		WorkerID:     sp.WorkerID,
		Deadline:     deadline,
		TraceEnabled: options[OptionKeyTraceEnabled] == "true",
		Metadata:     sp.Metadata,
		Mailboxes:    r.mailboxes,
		Clock:        r.clock,
		Logger:       log.With(r.logger, "request_id", requestID, "stage_id", sp.StageID),
	})

	// Breakers materialize before the leaf/intermediate split. A leaf tree
	// holds no receive nodes, so the executor returns immediately there.
	res, err := r.breakers.Run(ctx, sp.Root, ec)
	if err != nil {
		ec.Cancel()
		r.metrics.stageRejections.Inc()
		return errors.Wrapf(err, "materializing breakers for request %d stage %d", requestID, sp.StageID)
	}
	if res.Error != nil {
		// The failure travels downstream as an error block; the submission
		// itself succeeded, so no error surfaces to the submitter.
		r.metrics.breakerFailures.Inc()
		r.reportErrorBlock(ec, sp, res.Error)
		ec.Cancel()
		return nil
	}
	ec.BreakerBlocks = res.Blocks

	var root operator.Operator
	kind := stageIntermediate
	if sp.LeafStage {
		kind = stageLeaf
		root, err = r.compileLeaf(ec, sp)
	} else {
		root, err = operator.Compile(ec, sp.Root)
	}
	if err != nil {
		ec.Cancel()
		r.metrics.stageRejections.Inc()
		return errors.Wrapf(err, "compiling request %d stage %d", requestID, sp.StageID)
	}

	r.sched.Register(operator.NewOpChain(ec, root))
	r.metrics.stagesTotal.WithLabelValues(kind).Inc()
	level.Debug(ec.Logger).Log("msg", "stage registered", "kind", kind, "deadline", deadline.UTC().Format(time.RFC3339Nano))
	return nil
}

// Cancel tears down every chain and channel of requestID on this worker.
// Idempotent, and valid for ids this worker has never seen: the cancellation
// outlives late-arriving stage submissions.
func (r *Runner) Cancel(requestID uint64) {
	r.sched.Cancel(requestID)
	r.mailboxes.ReleaseForRequest(requestID)
	r.metrics.cancelsTotal.Inc()
	level.Debug(r.logger).Log("msg", "cancelled request", "request_id", requestID)
}

// mergeJoinPolicy resolves the effective join policy into the stage's custom
// properties so compilation sees a single source of truth. A request option
// always wins, plan-prepopulated properties included; the worker default only
// fills a gap.
func (r *Runner) mergeJoinPolicy(sp *plan.StagePlan, options map[string]string) {
	if m := options[OptionKeyJoinOverflowMode]; m != "" {
		sp.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, m)
	} else if r.cfg.JoinOverflowMode != "" && sp.Metadata.CustomProperty(plan.CustomKeyJoinOverflowMode) == "" {
		sp.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, r.cfg.JoinOverflowMode)
	}

	if raw := options[OptionKeyMaxRowsInJoin]; raw != "" {
		sp.Metadata.SetCustomProperty(plan.CustomKeyMaxRowsInJoin, raw)
	} else if r.cfg.MaxRowsInJoin > 0 && sp.Metadata.CustomProperty(plan.CustomKeyMaxRowsInJoin) == "" {
		sp.Metadata.SetCustomProperty(plan.CustomKeyMaxRowsInJoin, strconv.Itoa(r.cfg.MaxRowsInJoin))
	}
}

// compileLeaf builds the send-over-scan chain of a leaf stage, expanding the
// stage's partition assignment into one scan request per partition.
func (r *Runner) compileLeaf(ec *operator.ExecContext, sp *plan.StagePlan) (operator.Operator, error) {
	sn, ok := sp.RootSend()
	if !ok {
		return nil, errors.New("leaf stage root must be a send node")
	}
	requests := make([]*scan.Request, 0, len(sp.Partitions))
	for _, p := range sp.Partitions {
		requests = append(requests, &scan.Request{
			RequestID:    ec.RequestID,
			Table:        p.Table,
			Partition:    p.Partition,
			Deadline:     ec.Deadline,
			TraceEnabled: ec.TraceEnabled,
		})
	}
	leaf := operator.NewLeafScanOperator(ec, r.scanExec, requests)
	return operator.NewSendOperator(ec, leaf, sn)
}

// reportErrorBlock fans an error block out to every receiver of the stage's
// send root, one mailbox per worker of the downstream stage, concurrently.
// Each address is delivered in isolation: a failed address is logged and
// never interrupts delivery to its siblings, whose receivers would otherwise
// time out on their own deadline without ever learning why the stage died.
func (r *Runner) reportErrorBlock(ec *operator.ExecContext, sp *plan.StagePlan, eb *block.Block) {
	sn, ok := sp.RootSend()
	if !ok {
		return
	}
	addrs := sp.Metadata.SendAddrs(sp.WorkerID, sn.ReceiverStageID, sp.Server)
	var g errgroup.Group
	for _, addr := range addrs {
		addr := addr
		g.Go(func() error {
			if err := r.deliverErrorBlock(ec, addr, eb); err != nil {
				level.Warn(ec.Logger).Log("msg", "failed to deliver error block downstream", "mailbox", addr.ID(), "err", err)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		level.Debug(ec.Logger).Log("msg", "error block delivery incomplete", "err", err)
	}
}

func (r *Runner) deliverErrorBlock(ec *operator.ExecContext, addr plan.MailboxAddr, eb *block.Block) error {
	sender, err := r.mailboxes.OpenSender(addr, ec.Deadline)
	if err != nil {
		return errors.Wrapf(err, "opening mailbox %s", addr.ID())
	}
	// The error block is terminal, so a successful send makes this Close a
	// clean release; only an abandoned delivery poisons its own channel.
	defer sender.Close()
	if err := r.sendBlocking(ec.Context(), sender, eb, ec.Deadline); err != nil {
		return errors.Wrapf(err, "sending to mailbox %s", addr.ID())
	}
	return nil
}

// sendBlocking retries a backpressured send with a bounded wait, up to the
// stage deadline. Used off the scheduler pool, where yielding is not an
// option.
func (r *Runner) sendBlocking(ctx context.Context, sender mailbox.Sender, b *block.Block, deadline time.Time) error {
	for {
		err := sender.Send(b)
		if !errors.Is(err, mailbox.ErrBackpressure) {
			return err
		}
		if r.clock.Now().After(deadline) {
			return err
		}
		timer := r.clock.NewTimer(r.cfg.Mailbox.SendPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
