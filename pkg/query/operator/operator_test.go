package operator

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/plan"
)

// testEnv wires a local-only mailbox service and an execution context whose
// stage exchanges with itself: every mailbox of the fixture has this worker
// as both sender and receiver, so SendOperator output can be read back
// through receivers in the same test.
type testEnv struct {
	svc   *mailbox.Service
	ec    *ExecContext
	addrs []plan.MailboxAddr
}

func newTestEnv(t *testing.T, peerStageID int32, partitions int) *testEnv {
	t.Helper()
	svc, err := mailbox.New(mailbox.Config{
		Hostname:         "local",
		Port:             7000,
		QueueCapacity:    16,
		SendPollInterval: time.Millisecond,
		ReleaseGrace:     time.Minute,
		MaxFrameSize:     1 << 20,
		DialTimeout:      time.Second,
	}, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)

	self := svc.Local()
	addrs := make([]plan.MailboxAddr, 0, partitions)
	for i := 0; i < partitions; i++ {
		addrs = append(addrs, plan.MailboxAddr{
			RequestID: 1,
			StageID:   peerStageID,
			Sender:    self,
			Receiver:  self,
			Partition: int32(i),
		})
	}
	md := plan.StageMetadata{
		Workers: []plan.WorkerMetadata{{
			Server:       self,
			MailboxInfos: map[int32]plan.MailboxInfo{peerStageID: {Addrs: addrs}},
		}},
	}

	ec := NewExecContext(context.Background(), ExecContext{
		RequestID: 1,
		StageID:   1,
		Server:    self,
		WorkerID:  0,
		Deadline:  time.Now().Add(time.Minute),
		Metadata:  md,
		Mailboxes: svc,
	})
	t.Cleanup(ec.Cancel)
	return &testEnv{svc: svc, ec: ec, addrs: addrs}
}

// stubOperator replays a scripted sequence of produce results.
type stubOperator struct {
	results []stubResult
	idx     int
	closed  bool
}

type stubResult struct {
	b   *block.Block
	err error
}

func (s *stubOperator) NextBlock(context.Context) (*block.Block, error) {
	if s.idx >= len(s.results) {
		return nil, ErrNotReady
	}
	r := s.results[s.idx]
	s.idx++
	return r.b, r.err
}

func (s *stubOperator) Close() { s.closed = true }

func intSchema() block.Schema {
	return block.Schema{{Name: "k", Type: block.TypeInt64}, {Name: "v", Type: block.TypeString}}
}

func intRow(k int64, v string) []any { return []any{k, v} }

func drain(t *testing.T, r mailbox.Receiver) []*block.Block {
	t.Helper()
	var out []*block.Block
	for {
		b, err := r.Poll(0)
		if err != nil {
			return out
		}
		out = append(out, b)
		if b.IsTerminal() {
			return out
		}
	}
}
