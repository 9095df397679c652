package rounds

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	testobserve "github.com/alphabill-org/gpbft/internal/testutils/observability"
	"github.com/alphabill-org/gpbft/node"
	"github.com/alphabill-org/gpbft/types"
)

type mockController struct {
	rounds      map[types.NodeID]uint64
	roundChange map[types.NodeID]bool
	timerArmed  map[types.NodeID]float64
	started     []uint64
	refuseStart bool
}

func newMockController() *mockController {
	return &mockController{
		rounds:      map[types.NodeID]uint64{},
		roundChange: map[types.NodeID]bool{},
		timerArmed:  map[types.NodeID]float64{},
	}
}

func (c *mockController) CurrentRound(n consensus.Node) uint64 { return c.rounds[n.ID()] }

func (c *mockController) EnterRoundChange(n consensus.Node) { c.roundChange[n.ID()] = true }

func (c *mockController) InitRoundChange(n consensus.Node, time float64) {
	c.timerArmed[n.ID()] = time
}

func (c *mockController) StartRound(n consensus.Node, round uint64, time float64) bool {
	if c.refuseStart {
		return false
	}
	c.started = append(c.started, round)
	c.rounds[n.ID()] = round
	c.roundChange[n.ID()] = false
	return true
}

type testEnv struct {
	queue  *event.Queue
	nodes  []*node.Node
	ctrl   *mockController
	rounds *Component
	params *consensus.Parameters
}

func newTestEnv(t *testing.T, params *consensus.Parameters) *testEnv {
	t.Helper()
	env := &testEnv{
		queue:  event.NewQueue(),
		ctrl:   newMockController(),
		params: params,
	}
	obs := testobserve.Default(t)
	var err error
	env.rounds, err = New("GPBFT", params, env.ctrl, obs)
	require.NoError(t, err)
	for i := range params.Nodes {
		n, err := node.New(types.NodeID(i), params, env.queue, obs)
		require.NoError(t, err)
		env.nodes = append(env.nodes, n)
		env.rounds.Init(n)
	}
	for _, n := range env.nodes {
		n.SetPeers(env.nodes)
	}
	return env
}

// vote creates round change vote event from "from" to "to".
func (env *testEnv) vote(from, to types.NodeID, round, changeTo uint64) *event.Event {
	return &event.Event{
		Time:     1,
		Creator:  from,
		Receiver: to,
		Tag:      "GPBFT",
		Payload:  &Message{Round: round, ChangeTo: changeTo},
		Handler:  env.rounds.Handle,
	}
}

func TestChangeRound(t *testing.T) {
	env := newTestEnv(t, consensus.NewParameters())
	n := env.nodes[0]
	env.ctrl.rounds[0] = 4

	env.rounds.ChangeRound(n, 10)
	require.True(t, env.ctrl.roundChange[0])
	require.EqualValues(t, 10, env.ctrl.timerArmed[0])

	st := env.rounds.State(0)
	require.EqualValues(t, 5, st.ChangeTo)
	require.Equal(t, []types.NodeID{0}, st.Votes[5])

	// vote is broadcast to the other nodes
	require.Equal(t, 3, env.queue.Len())
	for _, ev := range env.queue.Events() {
		require.Equal(t, "GPBFT", ev.Tag)
		require.Equal(t, &Message{Round: 4, ChangeTo: 5}, ev.Payload)
		require.InDelta(t, 10+env.params.MsgValidationDelay+env.params.PropagationDelay, ev.Time, 1e-9)
		require.NotEqual(t, types.NodeID(0), ev.Receiver)
	}

	// repeated round change moves to the next candidate round
	env.rounds.ChangeRound(n, 30)
	require.EqualValues(t, 6, st.ChangeTo)
	require.EqualValues(t, 30, env.ctrl.timerArmed[0])

	// round has moved past the candidate
	env.ctrl.rounds[0] = 9
	env.rounds.ChangeRound(n, 50)
	require.EqualValues(t, 10, st.ChangeTo)

	// unknown node is ignored
	env.rounds.Remove(1)
	env.rounds.ChangeRound(env.nodes[1], 1)
	require.False(t, env.ctrl.roundChange[1])
	require.Nil(t, env.rounds.State(1))
}

func TestHandle(t *testing.T) {
	t.Run("quorum starts the round", func(t *testing.T) {
		env := newTestEnv(t, consensus.NewParameters())
		env.rounds.ChangeRound(env.nodes[0], 0)

		require.Equal(t, event.Handled, env.rounds.Handle(env.vote(1, 0, 0, 1)))
		require.Empty(t, env.ctrl.started)
		require.Equal(t, event.NewState, env.rounds.Handle(env.vote(2, 0, 0, 1)))
		require.Equal(t, []uint64{1}, env.ctrl.started)

		// votes for the round already reached are stale
		require.Equal(t, event.Invalid, env.rounds.Handle(env.vote(3, 0, 0, 1)))
	})

	t.Run("node doesn't have to vote itself", func(t *testing.T) {
		env := newTestEnv(t, consensus.NewParameters())
		for i := range 2 {
			require.Equal(t, event.Handled, env.rounds.Handle(env.vote(types.NodeID(i+1), 0, 3, 7)))
		}
		require.Equal(t, event.NewState, env.rounds.Handle(env.vote(3, 0, 3, 7)))
		require.Equal(t, []uint64{7}, env.ctrl.started)
	})

	t.Run("round not started", func(t *testing.T) {
		env := newTestEnv(t, consensus.NewParameters())
		env.ctrl.refuseStart = true
		for i := range 2 {
			require.Equal(t, event.Handled, env.rounds.Handle(env.vote(types.NodeID(i+1), 0, 0, 1)))
		}
		require.Equal(t, event.Handled, env.rounds.Handle(env.vote(3, 0, 0, 1)))
	})

	t.Run("unhandled", func(t *testing.T) {
		env := newTestEnv(t, consensus.NewParameters())
		ev := env.vote(1, 0, 0, 1)
		ev.Payload = "foo"
		require.Equal(t, event.Unhandled, env.rounds.Handle(ev))

		env.rounds.Remove(0)
		require.Equal(t, event.Unhandled, env.rounds.Handle(env.vote(1, 0, 0, 1)))
	})

	t.Run("duplicate votes", func(t *testing.T) {
		env := newTestEnv(t, consensus.NewParameters())
		require.Equal(t, event.Handled, env.rounds.Handle(env.vote(1, 0, 0, 1)))
		require.Equal(t, event.Handled, env.rounds.Handle(env.vote(1, 0, 0, 1)))
		// without dedup repeated votes count
		require.Equal(t, event.NewState, env.rounds.Handle(env.vote(1, 0, 0, 1)))

		params := consensus.NewParameters()
		params.DedupVotes = true
		env = newTestEnv(t, params)
		for range 3 {
			require.Equal(t, event.Handled, env.rounds.Handle(env.vote(1, 0, 0, 1)))
		}
		require.Equal(t, []types.NodeID{1}, env.rounds.State(0).Votes[1])
		require.Equal(t, event.Handled, env.rounds.Handle(env.vote(2, 0, 0, 1)))
		require.Equal(t, event.NewState, env.rounds.Handle(env.vote(3, 0, 0, 1)))
	})
}

func TestResetVotesAndDescribe(t *testing.T) {
	env := newTestEnv(t, consensus.NewParameters())
	n := env.nodes[0]
	env.ctrl.rounds[0] = 2
	env.rounds.ChangeRound(n, 0)
	require.Equal(t, event.Handled, env.rounds.Handle(env.vote(2, 0, 2, 3)))
	require.Equal(t, event.Handled, env.rounds.Handle(env.vote(1, 0, 2, 5)))
	require.Equal(t, "round: 2 | change_to: 3 | votes: {3: [0 2], 5: [1]}", env.rounds.Describe(n))

	env.rounds.ResetVotes(n)
	require.Equal(t, "round: 2 | change_to: 3 | votes: {}", env.rounds.Describe(n))

	env.rounds.Init(n)
	require.Equal(t, "round: 2 | change_to: 0 | votes: {}", env.rounds.Describe(n))

	env.rounds.Remove(0)
	require.Equal(t, "round: 2 | change_to: -", env.rounds.Describe(n))
	// no-op for unknown node
	env.rounds.ResetVotes(n)
}

func TestMetrics(t *testing.T) {
	obs, reader := testobserve.WithMetrics(t)
	params := consensus.NewParameters()
	queue := event.NewQueue()
	ctrl := newMockController()
	c, err := New("GPBFT", params, ctrl, obs)
	require.NoError(t, err)
	n, err := node.New(0, params, queue, obs)
	require.NoError(t, err)
	c.Init(n)

	c.ChangeRound(n, 0)
	c.ChangeRound(n, 1)
	require.Equal(t, event.Handled, c.Handle(&event.Event{Receiver: 0, Creator: 1, Payload: &Message{ChangeTo: 5}}))
	require.EqualValues(t, 2, testobserve.CounterValue(t, reader, "round_change"))
	require.EqualValues(t, 1, testobserve.CounterValue(t, reader, "round_change.vote"))
}
