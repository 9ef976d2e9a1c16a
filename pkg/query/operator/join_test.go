package operator

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

func joinNode() *plan.JoinNode {
	return &plan.JoinNode{LeftKeys: []int{0}, RightKeys: []int{0}}
}

func buildSide(rows ...[]any) Operator {
	return NewBreakerReplayOperator([]*block.Block{block.NewData(intSchema(), rows)})
}

func TestHashJoinOperator(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	left := &stubOperator{results: []stubResult{
		{b: block.NewData(intSchema(), [][]any{intRow(1, "l1"), intRow(2, "l2"), intRow(3, "l3")})},
		{b: block.NewEndOfStream(nil)},
	}}
	right := buildSide(intRow(1, "r1"), intRow(2, "r2"), intRow(2, "r2b"))

	join, err := NewHashJoinOperator(env.ec, joinNode(), left, right)
	require.NoError(t, err)
	defer join.Close()

	b, err := join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsData())

	// Key 1 matches once, key 2 twice, key 3 not at all.
	require.Equal(t, [][]any{
		{int64(1), "l1", int64(1), "r1"},
		{int64(2), "l2", int64(2), "r2"},
		{int64(2), "l2", int64(2), "r2b"},
	}, b.Rows())
	require.Len(t, b.Schema(), 4)

	b, err = join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsEndOfStream())
	require.NotContains(t, b.Stats(), "maxRowsInJoinReached")
}

func TestHashJoinOverflowThrow(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	env.ec.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, plan.JoinOverflowThrow)
	env.ec.Metadata.SetCustomProperty(plan.CustomKeyMaxRowsInJoin, "2")

	left := &stubOperator{results: []stubResult{{b: block.NewEndOfStream(nil)}}}
	right := buildSide(intRow(1, "a"), intRow(2, "b"), intRow(3, "c"))

	join, err := NewHashJoinOperator(env.ec, joinNode(), left, right)
	require.NoError(t, err)
	defer join.Close()

	b, err := join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsError())
	require.Equal(t, block.CodeQueryExecution, b.ErrorCode())
	require.Contains(t, b.ErrorMessage(), "exceeded 2 rows")

	// Terminal output is sticky.
	b, err = join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsError())
}

func TestHashJoinOverflowBreak(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	env.ec.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, plan.JoinOverflowBreak)
	env.ec.Metadata.SetCustomProperty(plan.CustomKeyMaxRowsInJoin, "2")

	left := &stubOperator{results: []stubResult{
		{b: block.NewData(intSchema(), [][]any{intRow(1, "l"), intRow(2, "l"), intRow(3, "l")})},
		{b: block.NewEndOfStream(nil)},
	}}
	right := buildSide(intRow(1, "a"), intRow(2, "b"), intRow(3, "c"))

	join, err := NewHashJoinOperator(env.ec, joinNode(), left, right)
	require.NoError(t, err)
	defer join.Close()

	b, err := join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsData())
	// The build side was truncated to 2 rows; key 3 finds no match.
	require.Len(t, b.Rows(), 2)

	b, err = join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsEndOfStream())
	require.Equal(t, "true", b.Stats()["maxRowsInJoinReached"])
}

func TestHashJoinRejectsUnknownOverflowMode(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	env.ec.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, "EXPLODE")

	_, err := NewHashJoinOperator(env.ec, joinNode(), &stubOperator{}, &stubOperator{})
	require.ErrorContains(t, err, "unknown join overflow mode")
}

func TestHashJoinPropagatesBuildError(t *testing.T) {
	env := newTestEnv(t, 0, 1)
	right := &stubOperator{results: []stubResult{
		{b: block.NewError(block.CodeQueryExecution, "build side failed")},
	}}
	join, err := NewHashJoinOperator(env.ec, joinNode(), &stubOperator{}, right)
	require.NoError(t, err)
	defer join.Close()

	b, err := join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.True(t, b.IsError())
	require.Equal(t, "build side failed", b.ErrorMessage())
}

func TestHashJoinLargeBuildSide(t *testing.T) {
	env := newTestEnv(t, 0, 1)

	var buildRows [][]any
	for i := 0; i < 1000; i++ {
		buildRows = append(buildRows, intRow(int64(i), "r"+strconv.Itoa(i)))
	}
	left := &stubOperator{results: []stubResult{
		{b: block.NewData(intSchema(), [][]any{intRow(500, "l")})},
		{b: block.NewEndOfStream(nil)},
	}}
	join, err := NewHashJoinOperator(env.ec, joinNode(), left, buildSide(buildRows...))
	require.NoError(t, err)
	defer join.Close()

	b, err := join.NextBlock(env.ec.Context())
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(500), "l", int64(500), "r500"}}, b.Rows())
}
