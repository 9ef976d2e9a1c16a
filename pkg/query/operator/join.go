package operator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// joinOverflowPolicy is the effective per-stage join policy, merged from
// per-request options over worker defaults before compilation so every
// join-capable operator in the tree observes the same values.
type joinOverflowPolicy struct {
	maxRows int
	mode    string
}

func joinPolicyFromMetadata(md plan.StageMetadata) (joinOverflowPolicy, error) {
	p := joinOverflowPolicy{mode: plan.JoinOverflowThrow}
	if mode := md.CustomProperty(plan.CustomKeyJoinOverflowMode); mode != "" {
		if mode != plan.JoinOverflowThrow && mode != plan.JoinOverflowBreak {
			return p, errors.Errorf("unknown join overflow mode %q", mode)
		}
		p.mode = mode
	}
	if raw := md.CustomProperty(plan.CustomKeyMaxRowsInJoin); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return p, errors.Wrapf(err, "parsing %s", plan.CustomKeyMaxRowsInJoin)
		}
		p.maxRows = n
	}
	return p, nil
}

// HashJoinOperator is an equi-join. The right input is the build side and is
// fully consumed into a hash table before the left side is probed; in
// practice the build side is a pipeline-breaker replay, but a live input is
// handled too by resuming the build across not-ready yields.
type HashJoinOperator struct {
	ec     *ExecContext
	node   *plan.JoinNode
	left   Operator
	right  Operator
	policy joinOverflowPolicy

	table       map[string][][]any
	built       bool
	buildRows   int
	truncated   bool
	rightSchema block.Schema

	done *block.Block
}

func NewHashJoinOperator(ec *ExecContext, node *plan.JoinNode, left, right Operator) (*HashJoinOperator, error) {
	policy, err := joinPolicyFromMetadata(ec.Metadata)
	if err != nil {
		return nil, err
	}
	return &HashJoinOperator{
		ec:     ec,
		node:   node,
		left:   left,
		right:  right,
		policy: policy,
		table:  make(map[string][][]any),
	}, nil
}

func (o *HashJoinOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	if o.done != nil {
		return o.done, nil
	}
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}
	if o.ec.DeadlineExceeded() {
		o.done = o.ec.TimeoutBlock()
		return o.done, nil
	}

	if !o.built {
		b, err := o.build(ctx)
		if err != nil || b != nil {
			if b != nil {
				o.done = b
			}
			return b, err
		}
	}

	b, err := o.left.NextBlock(ctx)
	if err != nil {
		return nil, err
	}
	switch {
	case b.IsError():
		o.done = b
		return b, nil
	case b.IsEndOfStream():
		stats := b.Stats()
		if o.truncated {
			if stats == nil {
				stats = make(map[string]string)
			}
			stats["maxRowsInJoinReached"] = "true"
			b = block.NewEndOfStream(stats)
		}
		o.done = b
		return b, nil
	}

	var out [][]any
	for _, lrow := range b.Rows() {
		matches := o.table[joinKey(lrow, o.node.LeftKeys)]
		for _, rrow := range matches {
			joined := make([]any, 0, len(lrow)+len(rrow))
			joined = append(joined, lrow...)
			joined = append(joined, rrow...)
			out = append(out, joined)
		}
	}
	return block.NewData(joinedSchema(b.Schema(), o.rightSchema), out), nil
}

// build drains the right input into the hash table. Returns a non-nil block
// when the build itself terminates the join (error or overflow in throw
// mode); returns ErrNotReady when the input has no data yet.
func (o *HashJoinOperator) build(ctx context.Context) (*block.Block, error) {
	for {
		b, err := o.right.NextBlock(ctx)
		if err != nil {
			return nil, err
		}
		switch {
		case b.IsError():
			return b, nil
		case b.IsEndOfStream():
			o.built = true
			return nil, nil
		}

		if o.rightSchema == nil && b.Schema() != nil {
			o.rightSchema = b.Schema()
		}
		for _, row := range b.Rows() {
			if o.policy.maxRows > 0 && o.buildRows >= o.policy.maxRows {
				if o.policy.mode == plan.JoinOverflowThrow {
					return block.NewErrorf(block.CodeQueryExecution,
						"join build side exceeded %d rows", o.policy.maxRows), nil
				}
				// Break mode truncates the accumulation and keeps going.
				o.truncated = true
				continue
			}
			key := joinKey(row, o.node.RightKeys)
			o.table[key] = append(o.table[key], row)
			o.buildRows++
		}
	}
}

func (o *HashJoinOperator) Close() {
	o.left.Close()
	o.right.Close()
	o.table = nil
}

func joinKey(row []any, keys []int) string {
	var sb strings.Builder
	for _, k := range keys {
		if k >= 0 && k < len(row) {
			fmt.Fprintf(&sb, "%v\x1f", row[k])
		}
	}
	return sb.String()
}

func joinedSchema(left, right block.Schema) block.Schema {
	out := make(block.Schema, 0, len(left)+len(right))
	out = append(out, left...)
	return append(out, right...)
}
