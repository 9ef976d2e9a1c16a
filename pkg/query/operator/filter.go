package operator

import (
	"context"
	"reflect"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// FilterOperator keeps the rows whose column equals a literal. It exists so
// intermediate stages have a non-exchange operator shape; richer predicates
// belong to the planner's domain.
type FilterOperator struct {
	node  *plan.FilterNode
	input Operator
}

func NewFilterOperator(node *plan.FilterNode, input Operator) *FilterOperator {
	return &FilterOperator{node: node, input: input}
}

func (o *FilterOperator) NextBlock(ctx context.Context) (*block.Block, error) {
	b, err := o.input.NextBlock(ctx)
	if err != nil || !b.IsData() {
		return b, err
	}
	var kept [][]any
	for _, row := range b.Rows() {
		if o.node.Column < 0 || o.node.Column >= len(row) {
			continue
		}
		if valuesEqual(row[o.node.Column], o.node.Equals) {
			kept = append(kept, row)
		}
	}
	return block.NewDataWithExceptions(b.Schema(), kept, b.Exceptions()), nil
}

func (o *FilterOperator) Close() { o.input.Close() }

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if reflect.TypeOf(a).Comparable() && reflect.TypeOf(b).Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}
