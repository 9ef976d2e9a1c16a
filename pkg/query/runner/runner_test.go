package runner

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/query/block"
	"github.com/quercusdb/quercus/pkg/query/mailbox"
	"github.com/quercusdb/quercus/pkg/query/plan"
	"github.com/quercusdb/quercus/pkg/query/scan"
	"github.com/quercusdb/quercus/pkg/query/scheduler"
)

func testRunnerConfig() Config {
	return Config{
		DefaultTimeout:   5 * time.Second,
		JoinOverflowMode: plan.JoinOverflowThrow,
		Scheduler: scheduler.Config{
			NumWorkers: 2,
			Backoff: backoff.Config{
				MinBackoff: time.Millisecond,
				MaxBackoff: 5 * time.Millisecond,
			},
			CancelTombstoneTTL: time.Minute,
		},
		Mailbox: mailbox.Config{
			Hostname:         "local",
			Port:             7000,
			QueueCapacity:    16,
			SendPollInterval: time.Millisecond,
			ReleaseGrace:     time.Minute,
			MaxFrameSize:     1 << 20,
			DialTimeout:      time.Second,
		},
	}
}

func newTestRunner(t *testing.T, exec scan.Executor) *Runner {
	t.Helper()
	r, err := New(testRunnerConfig(), exec, log.NewNopLogger(), prometheus.NewRegistry())
	require.NoError(t, err)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), r))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), r))
	})
	return r
}

// scanByPartition scripts one response per partition.
type scanByPartition struct {
	rows map[int32][][]any
	fail map[int32]error
}

func (s *scanByPartition) Execute(_ context.Context, req *scan.Request) (*scan.Response, error) {
	if err := s.fail[req.Partition]; err != nil {
		return nil, err
	}
	return &scan.Response{
		Schema: block.Schema{{Name: "v", Type: block.TypeInt64}},
		Rows:   s.rows[req.Partition],
	}, nil
}

// stageAddrs builds the mailbox metadata of a single-worker stage exchanging
// with the given peer stages, one mailbox per peer, sender and receiver both
// this worker.
func stageAddrs(self plan.VirtualServer, requestID uint64, peerStages ...int32) (plan.StageMetadata, map[int32]plan.MailboxAddr) {
	infos := make(map[int32]plan.MailboxInfo, len(peerStages))
	addrs := make(map[int32]plan.MailboxAddr, len(peerStages))
	for _, stage := range peerStages {
		a := plan.MailboxAddr{RequestID: requestID, StageID: stage, Sender: self, Receiver: self}
		infos[stage] = plan.MailboxInfo{Addrs: []plan.MailboxAddr{a}}
		addrs[stage] = a
	}
	md := plan.StageMetadata{Workers: []plan.WorkerMetadata{{Server: self, MailboxInfos: infos}}}
	return md, addrs
}

func pollStream(t *testing.T, r mailbox.Receiver) []*block.Block {
	t.Helper()
	var got []*block.Block
	require.Eventually(t, func() bool {
		for {
			b, err := r.Poll(10 * time.Millisecond)
			if err != nil {
				return false
			}
			got = append(got, b)
			if b.IsTerminal() {
				return true
			}
		}
	}, 5*time.Second, time.Millisecond)
	return got
}

func TestProcessQueryLeafStage(t *testing.T) {
	exec := &scanByPartition{
		rows: map[int32][][]any{0: {{int64(10)}, {int64(11)}}},
		fail: map[int32]error{1: errors.New("segment unreadable")},
	}
	r := newTestRunner(t, exec)
	self := r.Local()
	md, addrs := stageAddrs(self, 1, 0)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Distribution:    plan.DistributionSingleton,
			Input:           &plan.ScanNode{Table: "events"},
		},
		Metadata:  md,
		Server:    self,
		WorkerID:  0,
		LeafStage: true,
		Partitions: []plan.ScanPartition{
			{Table: "events", Partition: 0, Owner: self},
			{Table: "events", Partition: 1, Owner: self},
		},
	}

	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "1",
	}))

	recv := r.Mailboxes().OpenReceiver(addrs[0], time.Now().Add(time.Minute))
	got := pollStream(t, recv)
	require.Len(t, got, 3)

	// Partition 0 delivered rows, partition 1 delivered its failure as an
	// annotated rowless block, and the stage still completed.
	require.Equal(t, 2, got[0].NumRows())
	require.Zero(t, got[1].NumRows())
	require.Contains(t, got[1].Exceptions()[block.CodeQueryExecution], "segment unreadable")
	require.True(t, got[2].IsEndOfStream())
	require.Equal(t, "1", got[2].Stats()["partitionErrors"])
}

func TestProcessQueryIntermediateStage(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	md, addrs := stageAddrs(self, 1, 0, 2)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Distribution:    plan.DistributionSingleton,
			Input:           &plan.ReceiveNode{StageID: 1, SenderStageID: 2},
		},
		Metadata: md,
		Server:   self,
		WorkerID: 0,
	}
	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "1",
	}))

	// Feed the upstream mailbox; the stage forwards and terminates.
	upstream, err := r.Mailboxes().OpenSender(addrs[2], time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, upstream.Send(block.NewData(block.Schema{{Name: "v", Type: block.TypeInt64}}, [][]any{{int64(5)}})))
	require.NoError(t, upstream.Send(block.NewEndOfStream(nil)))

	recv := r.Mailboxes().OpenReceiver(addrs[0], time.Now().Add(time.Minute))
	got := pollStream(t, recv)
	require.Len(t, got, 2)
	require.Equal(t, int64(5), got[0].Rows()[0][0])
	require.True(t, got[1].IsEndOfStream())
}

func TestProcessQueryBreakerFailureFansOut(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()

	// Three downstream receivers, one upstream breaker input.
	downstream := make([]plan.MailboxAddr, 0, 3)
	for i := int32(0); i < 3; i++ {
		downstream = append(downstream, plan.MailboxAddr{
			RequestID: 1, StageID: 0, Sender: self, Receiver: self, Partition: i,
		})
	}
	breakerAddr := plan.MailboxAddr{RequestID: 1, StageID: 2, Sender: self, Receiver: self}
	md := plan.StageMetadata{Workers: []plan.WorkerMetadata{{
		Server: self,
		MailboxInfos: map[int32]plan.MailboxInfo{
			0: {Addrs: downstream},
			2: {Addrs: []plan.MailboxAddr{breakerAddr}},
		},
	}}}

	// The breaker's upstream fails outright.
	upstream, err := r.Mailboxes().OpenSender(breakerAddr, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, upstream.Send(block.NewError(block.CodeQueryExecution, "upstream failed")))

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Distribution:    plan.DistributionBroadcast,
			Input:           &plan.ReceiveNode{StageID: 1, SenderStageID: 2, PipelineBreaker: true},
		},
		Metadata: md,
		Server:   self,
		WorkerID: 0,
	}
	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "1",
	}))

	// Every downstream receiver gets the error block and nothing else.
	for i, addr := range downstream {
		got := pollStream(t, r.Mailboxes().OpenReceiver(addr, time.Now().Add(time.Minute)))
		require.Len(t, got, 1, "receiver %d", i)
		require.True(t, got[0].IsError())
		require.Equal(t, "upstream failed", got[0].ErrorMessage())
	}
}

func TestProcessQueryBreakerFailureIsolatesAddresses(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	unreachable := plan.VirtualServer{Hostname: "127.0.0.1", Port: 1, WorkerID: 7}

	// Three downstream receivers; the middle one is an unreachable peer.
	downstream := []plan.MailboxAddr{
		{RequestID: 1, StageID: 0, Sender: self, Receiver: self, Partition: 0},
		{RequestID: 1, StageID: 0, Sender: self, Receiver: unreachable, Partition: 1},
		{RequestID: 1, StageID: 0, Sender: self, Receiver: self, Partition: 2},
	}
	breakerAddr := plan.MailboxAddr{RequestID: 1, StageID: 2, Sender: self, Receiver: self}
	md := plan.StageMetadata{Workers: []plan.WorkerMetadata{{
		Server: self,
		MailboxInfos: map[int32]plan.MailboxInfo{
			0: {Addrs: downstream},
			2: {Addrs: []plan.MailboxAddr{breakerAddr}},
		},
	}}}

	upstream, err := r.Mailboxes().OpenSender(breakerAddr, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NoError(t, upstream.Send(block.NewError(block.CodeQueryExecution, "upstream failed")))

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Distribution:    plan.DistributionBroadcast,
			Input:           &plan.ReceiveNode{StageID: 1, SenderStageID: 2, PipelineBreaker: true},
		},
		Metadata: md,
		Server:   self,
		WorkerID: 0,
	}
	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "1",
	}))

	// The unreachable peer fails its delivery, and the healthy receivers
	// still each get the error block.
	for _, i := range []int{0, 2} {
		got := pollStream(t, r.Mailboxes().OpenReceiver(downstream[i], time.Now().Add(time.Minute)))
		require.Len(t, got, 1, "receiver %d", i)
		require.True(t, got[0].IsError())
		require.Equal(t, "upstream failed", got[0].ErrorMessage())
	}
}

func TestProcessQueryOptionValidation(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	md, _ := stageAddrs(self, 1, 0)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Input:           &plan.ScanNode{Table: "events"},
		},
		Metadata:  md,
		Server:    self,
		WorkerID:  0,
		LeafStage: true,
	}

	require.Error(t, r.ProcessQuery(context.Background(), sp, nil), "missing request id")
	require.Error(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "abc",
	}))
	require.Error(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "1",
		OptionKeyTimeoutMS: "-5",
	}))
}

func TestProcessQueryMergesJoinPolicy(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	md, _ := stageAddrs(self, 1, 0)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Input:           &plan.ScanNode{Table: "events"},
		},
		Metadata:  md,
		Server:    self,
		WorkerID:  0,
		LeafStage: true,
	}

	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID:        "1",
		OptionKeyJoinOverflowMode: plan.JoinOverflowBreak,
		OptionKeyMaxRowsInJoin:    "100",
	}))

	// Request options win over the worker defaults.
	require.Equal(t, plan.JoinOverflowBreak, sp.Metadata.CustomProperty(plan.CustomKeyJoinOverflowMode))
	require.Equal(t, "100", sp.Metadata.CustomProperty(plan.CustomKeyMaxRowsInJoin))
}

func TestProcessQueryJoinPolicyOverridesPlanProperties(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	md, _ := stageAddrs(self, 1, 0)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Input:           &plan.ScanNode{Table: "events"},
		},
		Metadata:  md,
		Server:    self,
		WorkerID:  0,
		LeafStage: true,
	}
	// The planner prepopulated a policy; a request option replaces it, while
	// an absent option leaves the plan's value alone.
	sp.Metadata.SetCustomProperty(plan.CustomKeyJoinOverflowMode, plan.JoinOverflowThrow)
	sp.Metadata.SetCustomProperty(plan.CustomKeyMaxRowsInJoin, "10")

	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID:        "1",
		OptionKeyJoinOverflowMode: plan.JoinOverflowBreak,
	}))

	require.Equal(t, plan.JoinOverflowBreak, sp.Metadata.CustomProperty(plan.CustomKeyJoinOverflowMode))
	require.Equal(t, "10", sp.Metadata.CustomProperty(plan.CustomKeyMaxRowsInJoin))
}

func TestCancel(t *testing.T) {
	r := newTestRunner(t, nil)
	self := r.Local()
	md, addrs := stageAddrs(self, 9, 0, 2)

	sp := &plan.StagePlan{
		StageID: 1,
		Root: &plan.SendNode{
			StageID:         1,
			ReceiverStageID: 0,
			Distribution:    plan.DistributionSingleton,
			Input:           &plan.ReceiveNode{StageID: 1, SenderStageID: 2},
		},
		Metadata: md,
		Server:   self,
		WorkerID: 0,
	}
	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "9",
	}))

	r.Cancel(9)
	r.Cancel(9)

	// A late submission for the cancelled request is dropped by the
	// scheduler tombstone; its output mailbox stays empty.
	require.NoError(t, r.ProcessQuery(context.Background(), sp, map[string]string{
		OptionKeyRequestID: "9",
	}))
	recv := r.Mailboxes().OpenReceiver(addrs[0], time.Now().Add(time.Minute))
	_, err := recv.Poll(50 * time.Millisecond)
	require.ErrorIs(t, err, mailbox.ErrNotReady)
}

func TestConfigValidate(t *testing.T) {
	cfg := testRunnerConfig()
	require.NoError(t, cfg.Validate())

	bad := testRunnerConfig()
	bad.JoinOverflowMode = "EXPLODE"
	require.Error(t, bad.Validate())

	bad = testRunnerConfig()
	bad.DefaultTimeout = 0
	require.Error(t, bad.Validate())
}
