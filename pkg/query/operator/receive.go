package operator

import (
	"context"

	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// ReceiveOperator consumes the output of an upstream stage from its live
// mailboxes. Blocks from one mailbox arrive in send order; no ordering holds
// across mailboxes, so senders are polled round-robin and any cross-sender
// merge is left to the consuming operator above.
type ReceiveOperator struct {
	ec    *ExecContext
	addrs []plan.MailboxAddr
	recvs []mailbox.Receiver

	eosSeen []bool
	openEnds int
	next     int
	done     *block.Block
}

func NewReceiveOperator(ec *ExecContext, node *plan.ReceiveNode) (*ReceiveOperator, error) {
	addrs := ec.Metadata.ReceiveAddrs(ec.WorkerID, node.SenderStageID, ec.Server)
	if len(addrs) == 0 {
		return nil, errors.Errorf("stage %d has no mailboxes from sender stage %d", node.StageID, node.SenderStageID)
	}
	recvs := make([]mailbox.Receiver, 0, len(addrs))
	for _, addr := range addrs {
		recvs = append(recvs, ec.Mailboxes.OpenReceiver(addr, ec.Deadline))
	}
	return &ReceiveOperator{
		ec:       ec,
		addrs:    addrs,
		recvs:    recvs,
		eosSeen:  make([]bool, len(recvs)),
		openEnds: len(recvs),
	}, nil
}

func (r *ReceiveOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	if r.done != nil {
		return r.done, nil
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if r.ec.DeadlineExceeded() {
		r.done = r.ec.TimeoutBlock()
		return r.done, nil
	}

	for i := 0; i < len(r.recvs); i++ {
		idx := (r.next + i) % len(r.recvs)
		if r.eosSeen[idx] {
			continue
		}
		b, err := r.recvs[idx].Poll(0)
		if errors.Is(err, mailbox.ErrNotReady) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "mailbox %s", r.addrs[idx].ID())
		}
		switch {
		case b.IsError():
			// One failing sender fails the whole receive.
			r.done = b
			return b, nil
		case b.IsEndOfStream():
			r.eosSeen[idx] = true
			r.openEnds--
			if r.openEnds == 0 {
				r.done = b
				return b, nil
			}
			continue
		default:
			r.next = (idx + 1) % len(r.recvs)
			return b, nil
		}
	}

	if r.openEnds == 0 {
		r.done = block.NewEndOfStream(nil)
		return r.done, nil
	}
	return nil, ErrNotReady
}

func (r *ReceiveOperator) Close() {
	for _, rc := range r.recvs {
		rc.Close()
	}
}

// BreakerReplayOperator replays the pre-materialized output of a pipeline
// breaker subtree instead of consuming a live mailbox.
type BreakerReplayOperator struct {
	blocks []*block.Block
	idx    int
}

func NewBreakerReplayOperator(blocks []*block.Block) *BreakerReplayOperator {
	return &BreakerReplayOperator{blocks: blocks}
}

func (o *BreakerReplayOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if o.idx < len(o.blocks) {
		b := o.blocks[o.idx]
		o.idx++
		return b, nil
	}
	return block.NewEndOfStream(nil), nil
}

func (o *BreakerReplayOperator) Close() {}
