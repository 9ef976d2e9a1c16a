package plan

// Custom stage-metadata property keys. The runner merges per-request query
// options over worker defaults into these before compiling a stage, so every
// join-capable operator in the tree observes the same effective policy.
const (
	CustomKeyJoinOverflowMode = "joinOverflowMode"
	CustomKeyMaxRowsInJoin    = "maxRowsInJoin"
)

// Join overflow modes.
const (
	JoinOverflowThrow = "THROW"
	JoinOverflowBreak = "BREAK"
)

// MailboxInfo lists the channel addresses between this worker and one peer
// stage, one address per partition.
type MailboxInfo struct {
	Addrs []MailboxAddr
}

// WorkerMetadata describes one worker participating in a stage. MailboxInfos
// is keyed by the peer stage id and covers both directions; senders filter on
// Addr.Sender and receivers on Addr.Receiver.
type WorkerMetadata struct {
	Server       VirtualServer
	MailboxInfos map[int32]MailboxInfo
}

// StageMetadata is the planner-produced, read-only description of a stage's
// worker assignment plus custom key-value properties.
type StageMetadata struct {
	Workers []WorkerMetadata
	Custom  map[string]string
}

// SendAddrs returns the addresses the given worker's send root writes to for
// receiverStageID, in partition order.
func (m StageMetadata) SendAddrs(workerID int, receiverStageID int32, self VirtualServer) []MailboxAddr {
	return m.filterAddrs(workerID, receiverStageID, func(a MailboxAddr) bool {
		return a.Sender.Equal(self)
	})
}

// ReceiveAddrs returns the addresses the given worker consumes from
// senderStageID, in partition order.
func (m StageMetadata) ReceiveAddrs(workerID int, senderStageID int32, self VirtualServer) []MailboxAddr {
	return m.filterAddrs(workerID, senderStageID, func(a MailboxAddr) bool {
		return a.Receiver.Equal(self)
	})
}

func (m StageMetadata) filterAddrs(workerID int, peerStageID int32, keep func(MailboxAddr) bool) []MailboxAddr {
	if workerID < 0 || workerID >= len(m.Workers) {
		return nil
	}
	info, ok := m.Workers[workerID].MailboxInfos[peerStageID]
	if !ok {
		return nil
	}
	var out []MailboxAddr
	for _, a := range info.Addrs {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

// CustomProperty returns the custom property for key, or "" when absent.
func (m StageMetadata) CustomProperty(key string) string {
	if m.Custom == nil {
		return ""
	}
	return m.Custom[key]
}

// SetCustomProperty sets a custom property, allocating the map on first use.
// The custom map is the only part of a stage plan the runtime writes to.
func (m *StageMetadata) SetCustomProperty(key, value string) {
	if m.Custom == nil {
		m.Custom = make(map[string]string)
	}
	m.Custom[key] = value
}

// ScanPartition is one externally-resolved storage partition assignment for a
// leaf stage.
type ScanPartition struct {
	Table     string
	Partition int32
	Owner     VirtualServer
}

// StagePlan is one fragment of a distributed physical plan assigned to this
// worker. Produced by the external planner; read-only to the runtime except
// for the custom property merge.
type StagePlan struct {
	StageID  int32
	Root     Node
	Metadata StageMetadata
	// Server is this worker's own virtual address within the stage.
	Server   VirtualServer
	WorkerID int
	// LeafStage marks stages answered by scanning assigned storage
	// partitions rather than consuming mailboxes.
	LeafStage  bool
	Partitions []ScanPartition
}

// RootSend returns the stage's terminal send node. Every stage root is a
// producer writing to downstream mailboxes; a stage never returns data to
// its caller directly.
func (p *StagePlan) RootSend() (*SendNode, bool) {
	sn, ok := p.Root.(*SendNode)
	return sn, ok
}
