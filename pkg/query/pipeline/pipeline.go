// Package pipeline materializes pipeline breaker subtrees: receive nodes
// whose entire upstream output must be buffered before the stage's main chain
// may start. Each breaker runs as its own scheduled chain; the executor waits
// for all of them and hands the buffered blocks to compilation.
package pipeline

import (
	"context"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/operator"
	"github.com/quercusdb/quercus/pkg/query/plan"
	"github.com/quercusdb/quercus/pkg/query/scheduler"
)

// Result is the outcome of materializing all breakers of one stage. Either
// every breaker succeeded and Blocks holds their buffered output keyed by
// plan node id, or Error carries the first failure and Blocks is nil:
// breaker materialization is all-or-nothing.
type Result struct {
	Blocks map[int][]*block.Block
	Error  *block.Block
}

// Executor runs breaker subtrees on the shared scheduler.
type Executor struct {
	sched  *scheduler.Scheduler
	logger log.Logger
}

func NewExecutor(sched *scheduler.Scheduler, logger log.Logger) *Executor {
	return &Executor{
		sched:  sched,
		logger: log.With(logger, "component", "pipeline-breaker"),
	}
}

// Run materializes every pipeline breaker under root. It blocks the caller
// (not a scheduler worker) until all breakers reach a terminal block, the
// stage deadline passes, or ctx is cancelled. On any single failure the
// remaining breakers are cancelled and only the failure is returned.
func (e *Executor) Run(ctx context.Context, root plan.Node, ec *operator.ExecContext) (*Result, error) {
	var nodes []*plan.ReceiveNode
	plan.Walk(root, func(n plan.Node) bool {
		if rn, ok := n.(*plan.ReceiveNode); ok && rn.PipelineBreaker {
			nodes = append(nodes, rn)
		}
		return true
	})
	if len(nodes) == 0 {
		return &Result{Blocks: map[int][]*block.Block{}}, nil
	}

	type breaker struct {
		node  *plan.ReceiveNode
		sink  *sink
		chain *operator.OpChain
	}
	breakers := make([]*breaker, 0, len(nodes))
	cancelAll := func() {
		for _, b := range breakers {
			b.chain.Cancel()
		}
	}

	for _, node := range nodes {
		childEC := ec.Child()
		recv, err := operator.NewReceiveOperator(childEC, node)
		if err != nil {
			cancelAll()
			return nil, errors.Wrapf(err, "opening breaker node %d", node.ID())
		}
		sk := newSink(recv)
		breakers = append(breakers, &breaker{
			node:  node,
			sink:  sk,
			chain: operator.NewOpChain(childEC, sk),
		})
	}
	for _, b := range breakers {
		e.sched.Register(b.chain)
	}

	timeout := ec.Deadline.Sub(ec.Clock.Now())
	if timeout <= 0 {
		cancelAll()
		return &Result{Error: ec.TimeoutBlock()}, nil
	}
	timer := ec.Clock.NewTimer(timeout)
	defer timer.Stop()

	// Completion order is not registration order: fan the latches into one
	// channel so the first failure cancels the surviving breakers right away
	// instead of after every earlier breaker drains. The buffer lets
	// stragglers land after an early return without leaking the waiters.
	finished := make(chan *breaker, len(breakers))
	for _, b := range breakers {
		b := b
		go func() {
			<-b.sink.done
			finished <- b
		}()
	}

	result := &Result{Blocks: make(map[int][]*block.Block, len(breakers))}
	for remaining := len(breakers); remaining > 0; remaining-- {
		select {
		case b := <-finished:
			eb := b.sink.failure()
			if eb == nil && b.chain.Cancelled() {
				// The query was cancelled before this chain took a turn.
				eb = block.NewError(block.CodeQueryExecution, "pipeline breaker cancelled")
			}
			if eb != nil {
				cancelAll()
				level.Warn(e.logger).Log("msg", "breaker failed", "request_id", ec.RequestID,
					"stage_id", ec.StageID, "node_id", b.node.ID(), "code", eb.ErrorCode(), "error", eb.ErrorMessage())
				return &Result{Error: eb}, nil
			}
			result.Blocks[b.node.ID()] = b.sink.blocks
		case <-timer.C:
			cancelAll()
			level.Warn(e.logger).Log("msg", "breaker materialization timed out",
				"request_id", ec.RequestID, "stage_id", ec.StageID)
			return &Result{Error: ec.TimeoutBlock()}, nil
		case <-ctx.Done():
			cancelAll()
			return nil, ctx.Err()
		}
	}
	return result, nil
}

// sink is the root operator of a breaker chain: it drains its input, buffers
// data blocks, and latches done when the chain is closed. Reads of its fields
// are ordered by the done channel.
type sink struct {
	input operator.Operator

	blocks    []*block.Block
	errBlock  *block.Block
	chainErr  error
	cancelled bool

	done      chan struct{}
	closeOnce sync.Once
}

func newSink(input operator.Operator) *sink {
	return &sink{input: input, done: make(chan struct{})}
}

func (s *sink) NextBlock(ctx context.Context) (*block.Block, error) {
	b, err := s.input.NextBlock(ctx)
	if err != nil {
		switch {
		case errors.Is(err, operator.ErrNotReady):
		case errors.Is(err, operator.ErrCancelled):
			s.cancelled = true
		default:
			s.chainErr = err
		}
		return nil, err
	}
	switch {
	case b.IsError():
		s.errBlock = b
	case b.IsData():
		s.blocks = append(s.blocks, b)
	}
	// End-of-stream is not buffered; the replay operator synthesizes its own.
	return b, nil
}

func (s *sink) Close() {
	s.input.Close()
	s.closeOnce.Do(func() { close(s.done) })
}

// failure returns the error block ending this breaker, translating chain
// faults and cancellation into error blocks. Nil means the breaker completed.
func (s *sink) failure() *block.Block {
	switch {
	case s.errBlock != nil:
		return s.errBlock
	case s.chainErr != nil:
		return block.NewErrorf(block.CodeQueryExecution, "pipeline breaker failed: %s", s.chainErr)
	case s.cancelled:
		return block.NewError(block.CodeQueryExecution, "pipeline breaker cancelled")
	default:
		return nil
	}
}
