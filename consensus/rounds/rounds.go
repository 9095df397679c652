package rounds

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/observability"
	"github.com/alphabill-org/gpbft/types"
)

type (
	/*
		Controller is the consensus protocol driving the round change: it owns
		the current round and phase of the node.
	*/
	Controller interface {
		CurrentRound(n consensus.Node) uint64
		// EnterRoundChange switches node's phase to round change.
		EnterRoundChange(n consensus.Node)
		// InitRoundChange (re)arms the node's timer for the round change.
		InitRoundChange(n consensus.Node, time float64)
		// StartRound starts new round, returns false when the round wasn't
		// started (node must resync first).
		StartRound(n consensus.Node, round uint64, time float64) bool
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// Message is the round change vote.
	Message struct {
		_        struct{} `cbor:",toarray"`
		Round    uint64   // round of the sender when it voted
		ChangeTo uint64   // round the sender wants to change to
	}

	/*
		State is the round change state of the node: the round node wishes to
		change to and the round change votes received.
	*/
	State struct {
		ChangeTo uint64
		// candidate round -> voters
		Votes map[uint64][]types.NodeID

		node consensus.Node
	}

	/*
		Component implements the round change sub-protocol. It keeps round change
		state of every node it has been initialized for.
	*/
	Component struct {
		tag    string
		params *consensus.Parameters
		ctrl   Controller
		states map[types.NodeID]*State
		log    *slog.Logger

		roundChanges metric.Int64Counter
		votes        metric.Int64Counter
	}
)

// New creates round change component, events it schedules are tagged with "tag".
func New(tag string, params *consensus.Parameters, ctrl Controller, obs Observability) (*Component, error) {
	c := &Component{
		tag:    tag,
		params: params,
		ctrl:   ctrl,
		states: make(map[types.NodeID]*State),
		log:    obs.Logger(),
	}
	if err := c.initMetrics(obs.Meter("rounds")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return c, nil
}

func (c *Component) initMetrics(m metric.Meter) (err error) {
	c.roundChanges, err = m.Int64Counter("round_change",
		metric.WithDescription("Number of times node initiated round change"),
		metric.WithUnit("{change}"))
	if err != nil {
		return fmt.Errorf("creating round change counter: %w", err)
	}
	c.votes, err = m.Int64Counter("round_change.vote",
		metric.WithDescription("Number of round change votes received"),
		metric.WithUnit("{vote}"))
	if err != nil {
		return fmt.Errorf("creating vote counter: %w", err)
	}
	return nil
}

func (m *Message) GetRound() uint64 { return m.Round }

// Init creates fresh round change state for the node (discarding existing one).
func (c *Component) Init(n consensus.Node) {
	c.states[n.ID()] = &State{Votes: make(map[uint64][]types.NodeID), node: n}
}

// Remove drops the round change state of the node.
func (c *Component) Remove(id types.NodeID) {
	delete(c.states, id)
}

// State returns round change state of the node, nil when node is unknown.
func (c *Component) State(id types.NodeID) *State {
	return c.states[id]
}

// ResetVotes discards all the round change votes the node has collected.
func (c *Component) ResetVotes(n consensus.Node) {
	if st := c.states[n.ID()]; st != nil {
		clear(st.Votes)
	}
}

/*
ChangeRound moves the node into round change: node votes for the round
following both the current round and the round it already tried to change
to, broadcasts the vote and rearms its timer.
*/
func (c *Component) ChangeRound(n consensus.Node, time float64) {
	st := c.states[n.ID()]
	if st == nil {
		return
	}
	c.ctrl.EnterRoundChange(n)

	round := c.ctrl.CurrentRound(n)
	st.ChangeTo = max(st.ChangeTo, round) + 1
	st.addVote(st.ChangeTo, n.ID(), c.params.DedupVotes)

	c.log.Debug(fmt.Sprintf("round change to %d", st.ChangeTo), logger.NodeID(n.ID()), logger.Round(round), logger.SimTime(time))
	c.roundChanges.Add(context.Background(), 1, observability.Node(n.ID()))

	n.ScheduleBroadcast(c.tag, time+c.params.MsgValidationDelay, &Message{Round: round, ChangeTo: st.ChangeTo}, c.Handle)
	c.ctrl.InitRoundChange(n, time)
}

/*
Handle processes round change vote. Once the number of votes for a round
reaches quorum the node starts that round.
*/
func (c *Component) Handle(ev *event.Event) event.Result {
	msg, ok := ev.Payload.(*Message)
	if !ok {
		return event.Unhandled
	}
	st := c.states[ev.Receiver]
	if st == nil {
		return event.Unhandled
	}
	n := st.node
	if msg.ChangeTo <= c.ctrl.CurrentRound(n) {
		return event.Invalid
	}

	c.votes.Add(context.Background(), 1, observability.Node(n.ID()))
	cnt := st.addVote(msg.ChangeTo, ev.Creator, c.params.DedupVotes)
	if uint64(cnt) < c.params.RequiredVotes {
		return event.Handled
	}

	c.log.Debug(fmt.Sprintf("round change quorum for round %d", msg.ChangeTo), logger.NodeID(n.ID()), logger.SimTime(ev.Time))
	if !c.ctrl.StartRound(n, msg.ChangeTo, ev.Time+c.params.MsgValidationDelay) {
		return event.Handled
	}
	return event.NewState
}

// Describe returns round change part of the node's state description.
func (c *Component) Describe(n consensus.Node) string {
	st := c.states[n.ID()]
	if st == nil {
		return fmt.Sprintf("round: %d | change_to: -", c.ctrl.CurrentRound(n))
	}
	return fmt.Sprintf("round: %d | change_to: %d | votes: %s", c.ctrl.CurrentRound(n), st.ChangeTo, st.votesString())
}

/*
addVote records vote of the "voter" for round "round" and returns number of
votes for the round. When "dedup" is true repeated votes of the voter are
not counted.
*/
func (st *State) addVote(round uint64, voter types.NodeID, dedup bool) int {
	if dedup && slices.Contains(st.Votes[round], voter) {
		return len(st.Votes[round])
	}
	st.Votes[round] = append(st.Votes[round], voter)
	return len(st.Votes[round])
}

func (st *State) votesString() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, r := range slices.Sorted(maps.Keys(st.Votes)) {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d: %v", r, st.Votes[r])
	}
	sb.WriteByte('}')
	return sb.String()
}
