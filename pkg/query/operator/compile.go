package operator

import (
	"github.com/pkg/errors"

	"github.com/quercusdb/quercus/pkg/query/plan"
)

// Compile walks a stage's plan tree and produces its operator tree. The node
// set is closed; anything else is a planner bug surfaced as an error, not a
// panic. Leaf-stage scan trees are compiled by the runner, which owns the
// scan executor and the expanded per-partition requests.
func Compile(ec *ExecContext, node plan.Node) (Operator, error) {
	switch n := node.(type) {
	case *plan.SendNode:
		input, err := Compile(ec, n.Input)
		if err != nil {
			return nil, err
		}
		op, err := NewSendOperator(ec, input, n)
		if err != nil {
			input.Close()
			return nil, err
		}
		return op, nil

	case *plan.ReceiveNode:
		if n.PipelineBreaker {
			blocks, ok := ec.BreakerBlocks[n.ID()]
			if !ok {
				return nil, errors.Errorf("no pipeline breaker result for node %d", n.ID())
			}
			return NewBreakerReplayOperator(blocks), nil
		}
		return NewReceiveOperator(ec, n)

	case *plan.JoinNode:
		left, err := Compile(ec, n.Left)
		if err != nil {
			return nil, err
		}
		right, err := Compile(ec, n.Right)
		if err != nil {
			left.Close()
			return nil, err
		}
		op, err := NewHashJoinOperator(ec, n, left, right)
		if err != nil {
			left.Close()
			right.Close()
			return nil, err
		}
		return op, nil

	case *plan.FilterNode:
		input, err := Compile(ec, n.Input)
		if err != nil {
			return nil, err
		}
		return NewFilterOperator(n, input), nil

	case *plan.ScanNode:
		return nil, errors.New("scan nodes are compiled by the leaf-stage path")

	default:
		return nil, errors.Errorf("invalid plan node type: %T", node)
	}
}
