package gpbft

import (
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	testobserve "github.com/alphabill-org/gpbft/internal/testutils/observability"
	"github.com/alphabill-org/gpbft/node"
	"github.com/alphabill-org/gpbft/types"
)

type syncRequest struct {
	node types.NodeID
	peer types.NodeID
	time float64
}

type syncRecorder struct {
	requests []syncRequest
}

func (s *syncRecorder) RequestLocalResync(n consensus.Node, peer types.NodeID, time float64) {
	s.requests = append(s.requests, syncRequest{node: n.ID(), peer: peer, time: time})
}

type testNetwork struct {
	params  *consensus.Parameters
	queue   *event.Queue
	nodes   []*node.Node
	proto   *GPBFT
	sync    *syncRecorder
	crashed map[types.NodeID]bool
	metrics *sdkmetric.ManualReader
}

// testTransactions returns "count" unit size transactions all available at time 0.
func testTransactions(count int) []types.Transaction {
	txs := make([]types.Transaction, count)
	for i := range txs {
		txs[i] = types.Transaction{ID: uint64(i + 1), Size: 1}
	}
	return txs
}

func newTestNetwork(t *testing.T, params *consensus.Parameters, txs []types.Transaction, opts ...Option) *testNetwork {
	t.Helper()
	obs, reader := testobserve.WithMetrics(t)
	tn := &testNetwork{
		params:  params,
		queue:   event.NewQueue(),
		sync:    &syncRecorder{},
		crashed: map[types.NodeID]bool{},
		metrics: reader,
	}
	var err error
	tn.proto, err = New(params, tn.sync, obs, opts...)
	require.NoError(t, err)
	for i := range params.Nodes {
		n, err := node.New(types.NodeID(i), params, tn.queue, obs, node.WithProtocol(tn.proto), node.WithTransactions(txs...))
		require.NoError(t, err)
		tn.nodes = append(tn.nodes, n)
	}
	for _, n := range tn.nodes {
		n.SetPeers(tn.nodes)
	}
	return tn
}

// start starts all the nodes which are not crashed.
func (tn *testNetwork) start(t *testing.T) {
	t.Helper()
	for _, n := range tn.nodes {
		if !tn.crashed[n.ID()] {
			require.NoError(t, n.Start(0, 0))
		}
	}
}

// runUntil delivers events up to simulated time "limit", events addressed to
// crashed nodes are dropped.
func (tn *testNetwork) runUntil(t *testing.T, limit float64) {
	t.Helper()
	for ev := tn.queue.Peek(); ev != nil && ev.Time <= limit; ev = tn.queue.Peek() {
		tn.queue.Pop()
		if tn.crashed[ev.Receiver] {
			continue
		}
		_, err := tn.nodes[ev.Receiver].Deliver(ev)
		require.NoError(t, err)
	}
}

func (tn *testNetwork) state(id types.NodeID) *ConsensusState {
	return tn.proto.State(id)
}

// deliver hands message directly to the protocol, bypassing the queue.
func (tn *testNetwork) deliver(from, to types.NodeID, time float64, msg *Message) event.Result {
	return tn.proto.HandleEvent(&event.Event{
		Time:     time,
		Creator:  from,
		Receiver: to,
		Tag:      Name,
		Payload:  msg,
		Handler:  tn.proto.HandleEvent,
	})
}

// timers returns the queued timeout events of the node.
func (tn *testNetwork) timers(id types.NodeID) []*event.Event {
	var timers []*event.Event
	for _, ev := range tn.queue.Events() {
		if msg, ok := ev.Payload.(*Message); ok && ev.Receiver == id && msg.Kind == KindTimeout {
			timers = append(timers, ev)
		}
	}
	return timers
}

// queued returns messages of given kind queued for the node.
func (tn *testNetwork) queued(id types.NodeID, kind Kind) []*Message {
	var msgs []*Message
	for _, ev := range tn.queue.Events() {
		if msg, ok := ev.Payload.(*Message); ok && ev.Receiver == id && msg.Kind == kind {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (tn *testNetwork) requireSingleTimer(t *testing.T) {
	t.Helper()
	for _, n := range tn.nodes {
		if tn.crashed[n.ID()] || tn.state(n.ID()) == nil {
			continue
		}
		timers := tn.timers(n.ID())
		require.Len(t, timers, 1, "node %d", n.ID())
		require.Same(t, tn.state(n.ID()).Timeout, timers[0], "node %d", n.ID())
	}
}

func nextBlock(tip *types.Block, proposer types.NodeID, round uint64) *types.Block {
	return &types.Block{
		Depth:        tip.Depth + 1,
		PreviousHash: tip.Hash(),
		Proposer:     proposer,
		Round:        round,
		Transactions: []types.Transaction{{ID: 1, Size: 1}},
		Size:         1,
	}
}
