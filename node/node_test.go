package node

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	testobserve "github.com/alphabill-org/gpbft/internal/testutils/observability"
	"github.com/alphabill-org/gpbft/keyvaluedb/memorydb"
	"github.com/alphabill-org/gpbft/observability"
	"github.com/alphabill-org/gpbft/types"
)

func nextBlock(tip *types.Block, txs ...types.Transaction) *types.Block {
	b := &types.Block{Depth: tip.Depth + 1, PreviousHash: tip.Hash(), Transactions: txs}
	for _, tx := range txs {
		b.Size += tx.Size
	}
	return b
}

func newTestNetwork(t *testing.T, count int, opts ...Option) (*event.Queue, []*Node) {
	t.Helper()
	queue := event.NewQueue()
	params := consensus.NewParameters()
	nodes := make([]*Node, count)
	for i := range nodes {
		n, err := New(types.NodeID(i), params, queue, testobserve.Default(t), opts...)
		require.NoError(t, err)
		nodes[i] = n
	}
	for _, n := range nodes {
		n.SetPeers(nodes)
	}
	return queue, nodes
}

func TestNew(t *testing.T) {
	obs := testobserve.Default(t)
	_, err := New(0, consensus.NewParameters(), nil, obs)
	require.EqualError(t, err, "event queue is nil")

	params := consensus.NewParameters()
	params.Timeout = 0
	_, err = New(0, params, event.NewQueue(), obs)
	require.ErrorContains(t, err, "invalid consensus parameters: timeout must be positive")

	db := memorydb.New()
	n, err := New(3, consensus.NewParameters(), event.NewQueue(), obs, WithBlockStore(db), WithTransactions(types.Transaction{ID: 1}))
	require.NoError(t, err)
	require.EqualValues(t, 3, n.ID())
	require.True(t, n.Synced())
	require.False(t, n.MustResyncBeforeProcessing(0))
	require.Equal(t, types.Genesis(), n.LastBlock())
	require.Len(t, n.Pool(), 1)
	require.Equal(t, "-", n.DescribeState())
	require.ErrorIs(t, n.Start(0, 0), ErrProtocolNotSet)

	var g types.Block
	found, err := db.Read(BlockKey(0), &g)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, types.Genesis().Hash(), g.Hash())
}

func TestNode_CommitBlock(t *testing.T) {
	db := memorydb.New()
	_, nodes := newTestNetwork(t, 1, WithBlockStore(db))
	n := nodes[0]
	n.AddTransactions(types.Transaction{ID: 1, Size: 2}, types.Transaction{ID: 2, Size: 3}, types.Transaction{ID: 3, Size: 4})

	require.ErrorIs(t, n.CommitBlock(nil, 1), ErrBlockIsNil)

	b := nextBlock(n.LastBlock(), types.Transaction{ID: 1, Size: 2}, types.Transaction{ID: 3, Size: 4})
	b.Depth = 2
	require.ErrorIs(t, n.CommitBlock(b, 1), ErrUnexpectedDepth)

	b.Depth = 1
	b.PreviousHash = []byte{1, 2, 3}
	require.ErrorIs(t, n.CommitBlock(b, 1), ErrPrevHashMismatch)

	// size doesn't have to be the sum of the transaction sizes
	b.PreviousHash = n.LastBlock().Hash()
	b.Size = 30
	require.NoError(t, n.CommitBlock(b, 5))
	require.Len(t, n.Chain(), 2)
	require.EqualValues(t, 5, n.LastBlock().TimeAdded)
	// chain holds a copy of the block
	require.NotSame(t, b, n.LastBlock())
	require.Zero(t, b.TimeAdded)
	require.Equal(t, []types.Transaction{{ID: 2, Size: 3}}, n.Pool())

	var stored types.Block
	found, err := db.Read(BlockKey(1), &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, n.LastBlock().Hash(), stored.Hash())
	require.EqualValues(t, 5, stored.TimeAdded)
	require.EqualValues(t, 30, stored.Size)
}

func TestNode_AppendBlocks(t *testing.T) {
	_, nodes := newTestNetwork(t, 2)
	a, b := nodes[0], nodes[1]
	for range 3 {
		require.NoError(t, a.CommitBlock(nextBlock(a.LastBlock()), 1))
	}

	blocks := a.BlocksAfter(b.LastBlock().Depth)
	require.Len(t, blocks, 3)
	require.NotSame(t, a.Chain()[1], blocks[0])
	require.NoError(t, b.AppendBlocks(blocks, 7))
	require.Equal(t, a.LastBlock().Hash(), b.LastBlock().Hash())
	require.EqualValues(t, 7, b.LastBlock().TimeAdded)

	require.Empty(t, a.BlocksAfter(3))
	require.ErrorIs(t, b.AppendBlocks(a.BlocksAfter(1), 8), ErrUnexpectedDepth)
}

func TestNode_CheckNeighborLiveness(t *testing.T) {
	_, nodes := newTestNetwork(t, 3)
	ok, id := nodes[0].CheckNeighborLiveness()
	require.True(t, ok)
	require.EqualValues(t, 0, id)

	require.NoError(t, nodes[1].CommitBlock(nextBlock(nodes[1].LastBlock()), 1))
	require.NoError(t, nodes[2].CommitBlock(nextBlock(nodes[2].LastBlock()), 1))
	require.NoError(t, nodes[2].CommitBlock(nextBlock(nodes[2].LastBlock()), 2))

	ok, id = nodes[0].CheckNeighborLiveness()
	require.False(t, ok)
	require.EqualValues(t, 2, id)

	ok, id = nodes[2].CheckNeighborLiveness()
	require.True(t, ok)
	require.EqualValues(t, 2, id)
}

func TestNode_Scheduling(t *testing.T) {
	queue, nodes := newTestNetwork(t, 3)
	n := nodes[1]
	h := func(ev *event.Event) event.Result { return event.Handled }

	n.ScheduleBroadcast("GPBFT", 1, "msg", h)
	require.Equal(t, 2, queue.Len())
	receivers := map[types.NodeID]bool{}
	for _, ev := range queue.Events() {
		require.EqualValues(t, 1, ev.Creator)
		require.InDelta(t, 1+consensus.DefaultPropagationDelay, ev.Time, 1e-9)
		require.Equal(t, "msg", ev.Payload)
		receivers[ev.Receiver] = true
	}
	require.Equal(t, map[types.NodeID]bool{0: true, 2: true}, receivers)

	timer := n.ScheduleEvent("GPBFT", 3, "timeout", h)
	require.True(t, timer.Queued())
	require.EqualValues(t, 1, timer.Receiver)
	n.ScheduleEvent("sync", 4, "local_sync", h)
	require.Equal(t, 4, queue.Len())

	require.NoError(t, n.CancelEvent(timer))
	require.ErrorIs(t, n.CancelEvent(timer), event.ErrNotQueued)
	require.Equal(t, 3, queue.Len())

	// only events addressed to the node with the given tag are removed
	n.ScheduleEvent("GPBFT", 5, "timeout", h)
	require.Equal(t, 1, n.RemoveEvents("GPBFT"))
	require.Zero(t, n.RemoveEvents("GPBFT"))
	require.Equal(t, 3, queue.Len())
	require.Equal(t, 1, nodes[0].RemoveEvents("GPBFT"))
	require.Equal(t, 1, n.RemoveEvents("sync"))
}

func TestNode_Deliver(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	n := nodes[0]

	_, err := n.Deliver(&event.Event{})
	require.ErrorIs(t, err, errEventHandlerIsNil)

	ready := false
	var replayed []float64
	early := func(ev *event.Event) event.Result {
		if !ready {
			return event.Backlog
		}
		replayed = append(replayed, ev.Time)
		return event.Handled
	}

	res, err := n.Deliver(&event.Event{Time: 1, Handler: early})
	require.NoError(t, err)
	require.Equal(t, event.Backlog, res)
	res, err = n.Deliver(&event.Event{Time: 4, Handler: early})
	require.NoError(t, err)
	require.Equal(t, event.Backlog, res)
	require.Len(t, n.Backlog(), 2)

	// event which doesn't change state doesn't trigger replay
	res, err = n.Deliver(&event.Event{Time: 2, Handler: func(ev *event.Event) event.Result { return event.Handled }})
	require.NoError(t, err)
	require.Equal(t, event.Handled, res)
	require.Len(t, n.Backlog(), 2)

	res, err = n.Deliver(&event.Event{Time: 3, Handler: func(ev *event.Event) event.Result {
		ready = true
		return event.NewState
	}})
	require.NoError(t, err)
	require.Equal(t, event.NewState, res)
	require.Empty(t, n.Backlog())
	// replayed events are not delivered in the past
	require.Equal(t, []float64{3, 4}, replayed)
}

type roundMsg struct{ round uint64 }

func (m roundMsg) GetRound() uint64 { return m.round }

func TestNode_Deliver_Span(t *testing.T) {
	obs, spans := testobserve.WithTracing(t)
	n, err := New(1, consensus.NewParameters(), event.NewQueue(), obs)
	require.NoError(t, err)

	commit := func(ev *event.Event) event.Result {
		require.NoError(t, n.CommitBlock(nextBlock(n.LastBlock()), ev.Time))
		return event.NewState
	}
	_, err = n.Deliver(&event.Event{Time: 4, Creator: 2, Receiver: 1, Tag: "test", Payload: roundMsg{round: 7}, Handler: commit})
	require.NoError(t, err)
	_, err = n.Deliver(&event.Event{Time: 5, Creator: 2, Receiver: 1, Tag: "test", Payload: "no round", Handler: func(*event.Event) event.Result { return event.Invalid }})
	require.NoError(t, err)
	require.EqualValues(t, 5, n.Now())

	ended := spans.Ended()
	require.Len(t, ended, 2)
	attrs := func(i int) map[attribute.Key]attribute.Value {
		m := map[attribute.Key]attribute.Value{}
		for _, kv := range ended[i].Attributes() {
			m[kv.Key] = kv.Value
		}
		return m
	}

	first := attrs(0)
	require.Equal(t, "node.handleEvent", ended[0].Name())
	require.EqualValues(t, 7, first["round"].AsInt64())
	require.EqualValues(t, 1, first["depth"].AsInt64())
	require.Equal(t, "new_state", first[observability.ResultKey].AsString())

	second := attrs(1)
	require.NotContains(t, second, attribute.Key("round"))
	require.EqualValues(t, 1, second["depth"].AsInt64())
	require.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestNode_Deliver_ReplayChain(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	n := nodes[0]

	// second event becomes processable only after the first one is
	// processed during replay
	stage := 0
	var order []int
	first := func(ev *event.Event) event.Result {
		if stage < 1 {
			return event.Backlog
		}
		order = append(order, 1)
		stage = 2
		return event.NewState
	}
	second := func(ev *event.Event) event.Result {
		if stage < 2 {
			return event.Backlog
		}
		order = append(order, 2)
		return event.Handled
	}
	_, err := n.Deliver(&event.Event{Time: 1, Handler: second})
	require.NoError(t, err)
	_, err = n.Deliver(&event.Event{Time: 1, Handler: first})
	require.NoError(t, err)

	_, err = n.Deliver(&event.Event{Time: 2, Handler: func(ev *event.Event) event.Result {
		stage = 1
		return event.NewState
	}})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, order)
	require.Empty(t, n.Backlog())
}

func TestNode_Deliver_ReplayStopsOnClear(t *testing.T) {
	_, nodes := newTestNetwork(t, 1)
	n := nodes[0]

	open := false
	calls := 0
	newRound := func(ev *event.Event) event.Result {
		if !open {
			return event.Backlog
		}
		calls++
		n.ClearBacklog()
		return event.NewState
	}
	for range 3 {
		_, err := n.Deliver(&event.Event{Time: 1, Handler: newRound})
		require.NoError(t, err)
	}
	require.Len(t, n.Backlog(), 3)

	_, err := n.Deliver(&event.Event{Time: 2, Handler: func(ev *event.Event) event.Result {
		open = true
		return event.NewState
	}})
	require.NoError(t, err)
	// first replayed event cleared the backlog, the rest were dropped
	require.Equal(t, 1, calls)
	require.Empty(t, n.Backlog())
}

type stubProtocol struct {
	inits int
	round uint64
}

func (p *stubProtocol) Name() string                                  { return "stub" }
func (p *stubProtocol) Init(n consensus.Node, time float64, r uint64) { p.inits++; p.round = r }
func (p *stubProtocol) HandleEvent(ev *event.Event) event.Result      { return event.Handled }
func (p *stubProtocol) DescribeState(n consensus.Node) string         { return "stub state" }
func (p *stubProtocol) Resync(n consensus.Node, payload consensus.SyncPayload, time float64) {
}
func (p *stubProtocol) Teardown(n consensus.Node) {}

func TestNode_Start(t *testing.T) {
	p := &stubProtocol{}
	_, nodes := newTestNetwork(t, 1, WithProtocol(p))
	n := nodes[0]
	require.Same(t, p, n.Protocol())
	require.NoError(t, n.Start(0, 5))
	require.Equal(t, 1, p.inits)
	require.EqualValues(t, 5, p.round)
	require.Equal(t, "stub state", n.DescribeState())

	n.SetSynced(false)
	require.True(t, n.MustResyncBeforeProcessing(1))
}
