package gpbft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/consensus/leader"
	"github.com/alphabill-org/gpbft/consensus/rounds"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/types"
)

// Name of the protocol, events scheduled by the protocol are tagged with it.
const Name = "GPBFT"

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// Syncer brings node which has fallen behind up to date with the "peer".
	Syncer interface {
		RequestLocalResync(n consensus.Node, peer types.NodeID, time float64)
	}

	/*
		TraceHook is called when node receives trace message, "evidence" is the
		content of the message.
	*/
	TraceHook func(node, sender types.NodeID, round uint64, evidence []byte)

	Option func(*GPBFT)

	handlerFunc func(st *ConsensusState, ev *event.Event, msg *Message) event.Result

	/*
		GPBFT implements the Group-PBFT consensus protocol. Single instance serves
		all the nodes of the simulation, state of every node is kept separately.
	*/
	GPBFT struct {
		params    *consensus.Parameters
		leader    leader.Selector
		rounds    *rounds.Component
		sync      Syncer
		states    map[types.NodeID]*ConsensusState
		handlers  [kindCount]handlerFunc
		traceHook TraceHook
		log       *slog.Logger

		roundCnt    metric.Int64Counter
		blockCnt    metric.Int64Counter
		timeoutCnt  metric.Int64Counter
		resyncCnt   metric.Int64Counter
		proposalErr metric.Int64Counter
		phaseCnt    metric.Int64Counter
	}
)

var _ consensus.Protocol = (*GPBFT)(nil)
var _ rounds.Controller = (*GPBFT)(nil)

// WithTraceHook sets callback for the trace messages.
func WithTraceHook(hook TraceHook) Option {
	return func(p *GPBFT) {
		p.traceHook = hook
	}
}

// WithLeaderSelector overrides the proposer selection policy configured in the parameters.
func WithLeaderSelector(ls leader.Selector) Option {
	return func(p *GPBFT) {
		p.leader = ls
	}
}

func New(params *consensus.Parameters, sync Syncer, obs Observability, opts ...Option) (*GPBFT, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus parameters: %w", err)
	}
	if sync == nil {
		return nil, errors.New("syncer is nil")
	}
	p := &GPBFT{
		params: params,
		sync:   sync,
		states: make(map[types.NodeID]*ConsensusState),
		log:    obs.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.leader == nil {
		ls, err := leader.New(params)
		if err != nil {
			return nil, fmt.Errorf("creating leader selector: %w", err)
		}
		p.leader = ls
	}
	if p.traceHook == nil {
		p.traceHook = func(node, sender types.NodeID, round uint64, evidence []byte) {
			p.log.Info(fmt.Sprintf("trace evidence from node %d recorded", sender), logger.NodeID(node), logger.Round(round), logger.Data(evidence))
		}
	}

	var err error
	if p.rounds, err = rounds.New(Name, params, p, obs); err != nil {
		return nil, fmt.Errorf("creating round change component: %w", err)
	}
	if err := p.initMetrics(obs.Meter("gpbft")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}

	p.handlers = [kindCount]handlerFunc{
		KindPrePrepare: p.onPrePrepare,
		KindPrepare:    p.onPrepare,
		KindCommit:     p.onCommit,
		KindGroupSign:  p.onGroupSign,
		KindTrace:      p.onTrace,
		KindNewBlock:   p.onNewBlock,
		KindTimeout:    p.onTimeout,
	}
	return p, nil
}

func (p *GPBFT) Name() string { return Name }

// Init creates fresh consensus state for the node and starts "startingRound".
func (p *GPBFT) Init(n consensus.Node, time float64, startingRound uint64) {
	if old := p.states[n.ID()]; old != nil {
		p.cancelTimeout(old)
	}
	st := newState(n, p.params.Nodes, p.log)
	p.states[n.ID()] = st
	p.rounds.Init(n)
	p.startRound(st, startingRound, time)
}

/*
HandleEvent dispatches GPBFT message to the handler of its kind. Round
change votes are handled by the round change component directly.
*/
func (p *GPBFT) HandleEvent(ev *event.Event) event.Result {
	msg, ok := ev.Payload.(*Message)
	if !ok || msg.Kind >= kindCount {
		return event.Unhandled
	}
	st := p.states[ev.Receiver]
	if st == nil {
		return event.Unhandled
	}
	if msg.Kind.carriesBlock() && msg.Block == nil {
		st.log.Warn(fmt.Sprintf("%s message from node %d without block", msg.Kind, ev.Creator))
		return event.Invalid
	}
	return p.handlers[msg.Kind](st, ev, msg)
}

// State returns the consensus state of the node, nil when the protocol hasn't
// been initialized for the node.
func (p *GPBFT) State(id types.NodeID) *ConsensusState {
	return p.states[id]
}

func (p *GPBFT) DescribeState(n consensus.Node) string {
	st := p.states[n.ID()]
	if st == nil {
		return "not initialized"
	}
	// time left until the timer fires
	to := "-1"
	if st.Timeout != nil {
		to = fmt.Sprintf("%.3f", max(st.Timeout.Time-n.Now(), 0))
	}
	return fmt.Sprintf("%s | phase: %s | block: %s | votes: %s | timeout: %s",
		p.rounds.Describe(n), st.Phase, st.Block.ID(), st.votesString(), to)
}

func (p *GPBFT) setPhase(st *ConsensusState, phase Phase) {
	if st.Phase != phase {
		p.phaseCnt.Add(context.Background(), 1, p.nodeAttr(st, phaseAttr(phase)))
		st.log.Log(context.Background(), logger.LevelTrace, fmt.Sprintf("phase changed from %s", st.Phase), logger.Phase(phase))
	}
	st.Phase = phase
}

// resetVotes clears the vote tallies of the node, including round change votes.
func (p *GPBFT) resetVotes(st *ConsensusState) {
	st.clearVotes()
	p.rounds.ResetVotes(st.node)
}

/*
requestResync marks the node as not synced and requests sync with the
"peer". Does nothing when the node is already waiting for a resync.
*/
func (p *GPBFT) requestResync(st *ConsensusState, peer types.NodeID, time float64) {
	if !st.node.Synced() {
		return
	}
	st.node.SetSynced(false)
	p.resyncCnt.Add(context.Background(), 1, p.nodeAttr(st))
	st.log.Debug(fmt.Sprintf("node is out of sync, requesting resync with node %d", peer), logger.SimTime(time))
	p.sync.RequestLocalResync(st.node, peer, time)
}
