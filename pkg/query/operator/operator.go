// Package operator implements the pull-based operator tree a stage compiles
// into, and the OpChain that the scheduler drives to completion. Operators
// are a closed set of kinds behind one "produce next block" capability; the
// scheduler and mailbox code depend only on that capability.
package operator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"go.uber.org/atomic"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// ErrNotReady reports that an operator's blocking dependency (an upstream
// mailbox, or downstream backpressure) is not ready. The scheduler returns
// the chain to its wait set instead of busy-blocking a worker.
var ErrNotReady = mailbox.ErrNotReady

// ErrCancelled reports that the chain's query was cancelled. Cancellation is
// not an error block: it suppresses further production without delivering a
// result.
var ErrCancelled = errors.New("opchain cancelled")

// Operator produces the next block of its stream. Returns exactly one of: a
// block (terminal or not), ErrNotReady, or a failure. After a terminal block
// the operator is never invoked again.
type Operator interface {
	NextBlock(ctx context.Context) (*block.Block, error)
	Close()
}

// ExecContext is the per-chain execution context: query identity, deadline,
// stage metadata, and the process-wide services threaded down from the
// runner at construction time.
type ExecContext struct {
	RequestID    uint64
	StageID      int32
	Server       plan.VirtualServer
	WorkerID     int
	Deadline     time.Time
	TraceEnabled bool
	Metadata     plan.StageMetadata

	// BreakerBlocks holds the pre-materialized output of pipeline breaker
	// subtrees, keyed by plan node id.
	BreakerBlocks map[int][]*block.Block

	Mailboxes *mailbox.Service
	Clock     quartz.Clock
	Logger    log.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewExecContext binds ec to a cancellable context derived from parent and
// fills service defaults.
func NewExecContext(parent context.Context, ec ExecContext) *ExecContext {
	c := ec
	if c.Clock == nil {
		c.Clock = quartz.NewReal()
	}
	if c.Logger == nil {
		c.Logger = log.NewNopLogger()
	}
	c.ctx, c.cancel = context.WithCancel(parent)
	return &c
}

// Child derives an independently cancellable context sharing the same query
// identity and deadline, used for pipeline breaker chains.
func (ec *ExecContext) Child() *ExecContext {
	child := *ec
	child.ctx, child.cancel = context.WithCancel(ec.ctx)
	return &child
}

func (ec *ExecContext) Context() context.Context { return ec.ctx }

func (ec *ExecContext) Cancel() { ec.cancel() }

// DeadlineExceeded reports whether the stage deadline has passed. The
// deadline is computed once per stage invocation and never resets.
func (ec *ExecContext) DeadlineExceeded() bool {
	return !ec.Deadline.IsZero() && ec.Clock.Now().After(ec.Deadline)
}

// TimeoutBlock builds the error block produced in place of data once the
// deadline is exceeded.
func (ec *ExecContext) TimeoutBlock() *block.Block {
	return block.NewErrorf(block.CodeExecutionTimeout,
		"request %d stage %d exceeded deadline %s", ec.RequestID, ec.StageID, ec.Deadline.UTC().Format(time.RFC3339Nano))
}

// OpChain is the compiled, runnable operator tree for one stage invocation.
// It owns its tree exclusively: created by the runner, driven to completion
// exactly once by the scheduler, then discarded.
type OpChain struct {
	ec   *ExecContext
	root Operator

	cancelled atomic.Bool
	closeOnce sync.Once
}

func NewOpChain(ec *ExecContext, root Operator) *OpChain {
	return &OpChain{ec: ec, root: root}
}

func (c *OpChain) RequestID() uint64  { return c.ec.RequestID }
func (c *OpChain) StageID() int32     { return c.ec.StageID }
func (c *OpChain) Deadline() time.Time { return c.ec.Deadline }
func (c *OpChain) Logger() log.Logger { return c.ec.Logger }

// NextBlock produces the next block of the chain. The cancellation flag is
// checked cooperatively on every call.
func (c *OpChain) NextBlock() (*block.Block, error) {
	if c.cancelled.Load() {
		return nil, ErrCancelled
	}
	return c.root.NextBlock(c.ec.ctx)
}

// Cancel flags the chain and cancels its context. Cooperative: the chain
// stops producing at its next scheduling step or mailbox call. Idempotent.
func (c *OpChain) Cancel() {
	c.cancelled.Store(true)
	c.ec.cancel()
}

func (c *OpChain) Cancelled() bool { return c.cancelled.Load() }

// Close releases the chain's operators and their mailbox endpoints. Safe to
// call more than once.
func (c *OpChain) Close() {
	c.closeOnce.Do(func() {
		c.root.Close()
		c.ec.cancel()
	})
}
