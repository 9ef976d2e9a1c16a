package plan

// Node is one node of a stage's operator tree. The set of node kinds is
// closed; the runtime compiles them into operators and never extends them.
type Node interface {
	// ID returns the node's id within its stage tree, assigned by
	// AssignNodeIDs. Pipeline breaker results are keyed by it.
	ID() int
	Children() []Node

	setID(int)
}

type baseNode struct {
	id int
}

func (n *baseNode) ID() int      { return n.id }
func (n *baseNode) setID(id int) { n.id = id }

// Distribution describes how a send node spreads blocks over its receivers.
type Distribution int

const (
	DistributionSingleton Distribution = iota
	DistributionHash
	DistributionBroadcast
)

func (d Distribution) String() string {
	switch d {
	case DistributionSingleton:
		return "singleton"
	case DistributionHash:
		return "hash"
	case DistributionBroadcast:
		return "broadcast"
	default:
		return "unknown"
	}
}

// SendNode is the terminal exchange of every stage: it writes the stage's
// output to the mailboxes of the receiver stage.
type SendNode struct {
	baseNode

	StageID         int32
	ReceiverStageID int32
	Distribution    Distribution
	// HashKeys are column indexes hashed to pick a receiver partition when
	// Distribution is hash.
	HashKeys []int
	// SortOnSend sorts every outgoing data block on SortKeys before it is
	// split across receivers.
	SortOnSend bool
	SortKeys   []int

	Input Node
}

func (n *SendNode) Children() []Node {
	if n.Input == nil {
		return nil
	}
	return []Node{n.Input}
}

// ReceiveNode consumes the output of an upstream stage, either from live
// mailboxes or, when marked as a pipeline breaker, from the pre-materialized
// breaker result.
type ReceiveNode struct {
	baseNode

	StageID       int32
	SenderStageID int32
	// PipelineBreaker marks this subtree for full materialization before the
	// main stage chain starts.
	PipelineBreaker bool
}

func (n *ReceiveNode) Children() []Node { return nil }

// JoinNode is an equi-join. The right input is the build side; in practice it
// is always a pipeline-breaker receive.
type JoinNode struct {
	baseNode

	Left      Node
	Right     Node
	LeftKeys  []int
	RightKeys []int
}

func (n *JoinNode) Children() []Node { return []Node{n.Left, n.Right} }

// FilterNode keeps the rows whose column equals a literal.
type FilterNode struct {
	baseNode

	Input  Node
	Column int
	Equals any
}

func (n *FilterNode) Children() []Node { return []Node{n.Input} }

// ScanNode marks a leaf-stage tree; the actual per-partition scan requests
// are expanded by the runner from the stage's partition assignment.
type ScanNode struct {
	baseNode

	Table string
}

func (n *ScanNode) Children() []Node { return nil }

// AssignNodeIDs numbers the tree in pre-order starting at 0. The runtime
// re-applies it on every received plan so breaker results key consistently.
func AssignNodeIDs(root Node) {
	next := 0
	var walk func(Node)
	walk = func(n Node) {
		if n == nil {
			return
		}
		n.setID(next)
		next++
		for _, c := range n.Children() {
			walk(c)
		}
	}
	walk(root)
}

// Walk visits the tree pre-order until fn returns false.
func Walk(root Node, fn func(Node) bool) {
	if root == nil || !fn(root) {
		return
	}
	for _, c := range root.Children() {
		Walk(c, fn)
	}
}
