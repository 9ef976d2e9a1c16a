package operator

import (
	"context"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// SendOperator is the terminal operator of every stage: it pulls from its
// input and writes to the mailboxes of the receiver stage, applying the
// stage's distribution and optional sort-on-send policy. Backpressure from
// any destination is surfaced as ErrNotReady with the undelivered parts held
// until the next turn, so the scheduler owns all waiting.
type SendOperator struct {
	ec    *ExecContext
	node  *plan.SendNode
	input Operator

	addrs []plan.MailboxAddr
	dests []mailbox.Sender

	// outbox holds per-destination parts of the block currently being
	// delivered; result is returned once the outbox drains.
	outbox []outboxEntry
	result *block.Block
	done   *block.Block

	rowsSent int64
}

type outboxEntry struct {
	dest int
	b    *block.Block
}

func NewSendOperator(ec *ExecContext, input Operator, node *plan.SendNode) (*SendOperator, error) {
	addrs := ec.Metadata.SendAddrs(ec.WorkerID, node.ReceiverStageID, ec.Server)
	if len(addrs) == 0 {
		return nil, errors.Errorf("stage %d has no mailboxes to receiver stage %d", node.StageID, node.ReceiverStageID)
	}
	dests := make([]mailbox.Sender, 0, len(addrs))
	for _, addr := range addrs {
		sender, err := ec.Mailboxes.OpenSender(addr, ec.Deadline)
		if err != nil {
			for _, d := range dests {
				d.Close()
			}
			return nil, err
		}
		dests = append(dests, sender)
	}
	return &SendOperator{ec: ec, node: node, input: input, addrs: addrs, dests: dests}, nil
}

func (s *SendOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	if s.done != nil {
		return s.done, nil
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	// Deadline is re-checked on every produce call; once exceeded the next
	// block is a timeout error forwarded downstream like any other error.
	if s.outbox == nil && s.ec.DeadlineExceeded() {
		s.stage(s.ec.TimeoutBlock())
	}

	if s.outbox == nil {
		b, err := s.input.NextBlock(ctx)
		if err != nil {
			return nil, err
		}
		s.stage(b)
	}

	if err := s.flush(); err != nil {
		return nil, err
	}
	if s.outbox != nil {
		return nil, ErrNotReady
	}

	result := s.result
	s.result = nil
	if result.IsTerminal() {
		s.done = result
	}
	if result.IsData() {
		s.rowsSent += int64(result.NumRows())
	}
	return result, nil
}

// stage splits a block into per-destination parts according to the stage's
// distribution. Terminal blocks go to every destination.
func (s *SendOperator) stage(b *block.Block) {
	s.result = b

	if b.IsTerminal() {
		for i := range s.dests {
			s.outbox = append(s.outbox, outboxEntry{dest: i, b: b})
		}
		return
	}

	rows := b.Rows()
	if s.node.SortOnSend && len(s.node.SortKeys) > 0 {
		rows = sortRows(rows, s.node.SortKeys)
	}

	switch s.node.Distribution {
	case plan.DistributionBroadcast:
		out := block.NewDataWithExceptions(b.Schema(), rows, b.Exceptions())
		for i := range s.dests {
			s.outbox = append(s.outbox, outboxEntry{dest: i, b: out})
		}
	case plan.DistributionHash:
		parts := make([][][]any, len(s.dests))
		for _, row := range rows {
			p := int(hashRow(row, s.node.HashKeys) % uint64(len(s.dests)))
			parts[p] = append(parts[p], row)
		}
		exceptions := b.Exceptions()
		for i, part := range parts {
			if len(part) == 0 && exceptions == nil {
				continue
			}
			s.outbox = append(s.outbox, outboxEntry{dest: i, b: block.NewDataWithExceptions(b.Schema(), part, exceptions)})
			exceptions = nil
		}
	default: // singleton
		s.outbox = append(s.outbox, outboxEntry{dest: 0, b: block.NewDataWithExceptions(b.Schema(), rows, b.Exceptions())})
	}
}

// flush attempts delivery of every staged part. Backpressured parts stay in
// the outbox; a nil return with a non-nil outbox means "yield and retry".
func (s *SendOperator) flush() error {
	remaining := s.outbox[:0]
	for _, e := range s.outbox {
		err := s.dests[e.dest].Send(e.b)
		switch {
		case err == nil:
		case errors.Is(err, mailbox.ErrBackpressure):
			if e.b.IsTerminal() && s.ec.DeadlineExceeded() {
				// The stream has already failed or finished and the deadline
				// is gone; delivery is best-effort from here.
				level.Warn(s.ec.Logger).Log("msg", "dropping terminal block on backpressure past deadline",
					"mailbox", s.addrs[e.dest].ID())
				continue
			}
			remaining = append(remaining, e)
		case errors.Is(err, mailbox.ErrClosed):
			if e.b.IsTerminal() {
				// Receiver went away first (cancelled or errored); nothing
				// left to tell it.
				level.Debug(s.ec.Logger).Log("msg", "receiver closed before terminal block",
					"mailbox", s.addrs[e.dest].ID())
				continue
			}
			s.outbox = nil
			return errors.Wrapf(err, "mailbox %s", s.addrs[e.dest].ID())
		default:
			s.outbox = nil
			return errors.Wrapf(err, "mailbox %s", s.addrs[e.dest].ID())
		}
	}
	if len(remaining) == 0 {
		s.outbox = nil
	} else {
		s.outbox = remaining
	}
	return nil
}

func (s *SendOperator) Close() {
	s.input.Close()
	for _, d := range s.dests {
		d.Close()
	}
}

func hashRow(row []any, keys []int) uint64 {
	h := xxhash.New()
	for _, k := range keys {
		if k >= 0 && k < len(row) {
			_, _ = fmt.Fprintf(h, "%v\x1f", row[k])
		}
	}
	return h.Sum64()
}

// sortRows returns a sorted copy; blocks are immutable once produced.
func sortRows(rows [][]any, keys []int) [][]any {
	out := make([][]any, len(rows))
	copy(out, rows)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			if k < 0 || k >= len(out[i]) || k >= len(out[j]) {
				continue
			}
			if c := compareValues(out[i][k], out[j][k]); c != 0 {
				return c < 0
			}
		}
		return false
	})
	return out
}

func compareValues(a, b any) int {
	switch av := a.(type) {
	case int64:
		if bv, ok := b.(int64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case float64:
		if bv, ok := b.(float64); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case string:
		if bv, ok := b.(string); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			}
			return 0
		}
	case bool:
		if bv, ok := b.(bool); ok {
			switch {
			case !av && bv:
				return -1
			case av && !bv:
				return 1
			}
			return 0
		}
	}
	// Mixed or unordered types fall back to their rendering.
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}
