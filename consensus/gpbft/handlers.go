package gpbft

import (
	"context"
	"fmt"
	"slices"

	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/types"
)

// extendsTip returns true when the block is the next block of the node's chain.
func extendsTip(st *ConsensusState, b *types.Block) bool {
	return b.Depth == st.node.LastBlock().Depth+1
}

func (p *GPBFT) broadcast(st *ConsensusState, time float64, kind Kind, block *types.Block) {
	st.node.ScheduleBroadcast(Name, time, &Message{Kind: kind, Round: st.Round, Block: block}, p.HandleEvent)
}

/*
onPrePrepare handles block proposal. Proposal is accepted only while the node
waits for it, anything but the proposal for the next block of the current
round triggers round change.
*/
func (p *GPBFT) onPrePrepare(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	time := ev.Time + p.params.MsgValidationDelay
	if st.Phase != PhaseNewRound {
		return event.Unhandled
	}
	if !extendsTip(st, msg.Block) || msg.Round != st.Round {
		st.log.Debug(fmt.Sprintf("rejecting proposal %s of round %d from node %d", msg.Block.ID(), msg.Round, ev.Creator), logger.SimTime(time))
		p.rounds.ChangeRound(st.node, time)
		return event.Handled
	}

	time += p.params.BlockValidationDelay
	st.Block = msg.Block.Clone()
	p.setPhase(st, PhasePrePrepared)
	p.broadcast(st, time, KindPrepare, st.Block)
	st.addVote(votePrepare, st.node.ID(), p.params.DedupVotes)
	return event.NewState
}

func (p *GPBFT) onPrepare(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round < st.Round {
		return event.Invalid
	}
	time := ev.Time + p.params.MsgValidationDelay
	quorum := p.params.RequiredVotes

	switch st.Phase {
	case PhasePrePrepared:
		if st.addVote(votePrepare, ev.Creator, p.params.DedupVotes) != int(quorum-1) {
			return event.Handled
		}
		p.setPhase(st, PhasePrepared)
		p.broadcast(st, time, KindCommit, msg.Block)
		st.addVote(voteCommit, st.node.ID(), p.params.DedupVotes)
		return event.NewState
	case PhaseNewRound:
		return event.Backlog
	case PhaseRoundChange:
		// rest of the network has moved on without us, catch up
		if st.addVote(votePrepare, ev.Creator, p.params.DedupVotes) < int(quorum-2) {
			return event.Handled
		}
		time += p.params.BlockValidationDelay
		if !extendsTip(st, msg.Block) {
			p.requestResync(st, ev.Creator, time)
			return event.Handled
		}
		st.Round = msg.Round
		st.Block = msg.Block.Clone()
		p.setPhase(st, PhasePrePrepared)
		// timer was armed for the round node wanted to change to
		p.armTimeout(st, time, true, true)
		p.broadcast(st, time, KindPrepare, st.Block)
		st.addVote(votePrepare, st.node.ID(), p.params.DedupVotes)
		return event.NewState
	}
	return event.Invalid
}

func (p *GPBFT) onCommit(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round < st.Round {
		return event.Invalid
	}
	time := ev.Time + p.params.MsgValidationDelay
	quorum := p.params.RequiredVotes

	switch st.Phase {
	case PhasePrepared:
		if st.addVote(voteCommit, ev.Creator, p.params.DedupVotes) < int(quorum) {
			return event.Handled
		}
		if !p.finalize(st, ev, st.Block, st.Round, time) {
			return event.Handled
		}
		return event.NewState
	case PhaseNewRound, PhasePrePrepared:
		return event.Backlog
	case PhaseRoundChange:
		if st.addVote(voteCommit, ev.Creator, p.params.DedupVotes) < int(quorum-1) {
			return event.Handled
		}
		time += p.params.BlockValidationDelay
		if !extendsTip(st, msg.Block) {
			p.requestResync(st, ev.Creator, time)
			return event.Handled
		}
		if !p.finalize(st, ev, msg.Block, msg.Round, time) {
			return event.Handled
		}
		return event.NewState
	}
	return event.Invalid
}

/*
finalize is called when the node has seen enough commits for the block of
the "round": it commits the block, announces it and starts the next round.
When the block can't be committed the node drops the block and its votes and
stays out of the voting until it has resynced (or the round times out),
nothing is broadcast then.
*/
func (p *GPBFT) finalize(st *ConsensusState, ev *event.Event, block *types.Block, round uint64, time float64) bool {
	if !p.commitBlock(st, block, ev.Creator, time) {
		st.Block = nil
		p.resetVotes(st)
		p.setPhase(st, PhaseNone)
		return false
	}
	st.Round = round
	p.broadcast(st, time, KindCommit, block)
	p.broadcast(st, time, KindNewBlock, block)
	p.startRound(st, round+1, time)
	return true
}

/*
commitBlock appends the block to the node's chain. When the block doesn't
fit onto the chain the node has forked and resync with the "peer" is
requested.
*/
func (p *GPBFT) commitBlock(st *ConsensusState, block *types.Block, peer types.NodeID, time float64) bool {
	if err := st.node.CommitBlock(block, time); err != nil {
		st.log.Warn(fmt.Sprintf("committing block %s", block.ID()), logger.Error(err), logger.SimTime(time))
		p.requestResync(st, peer, time)
		return false
	}
	p.blockCnt.Add(context.Background(), 1, p.nodeAttr(st))
	st.log.Debug(fmt.Sprintf("block %s committed", block.ID()), logger.Block(block), logger.SimTime(time))
	return true
}

func (p *GPBFT) onGroupSign(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round != st.Round {
		return event.Invalid
	}
	if st.addVote(voteGroupSignature, ev.Creator, p.params.DedupVotes) >= int(p.params.RequiredVotes) {
		p.setPhase(st, PhaseGroupSigned)
		p.resetVotes(st)
	}
	return event.Handled
}

func (p *GPBFT) onTrace(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round != st.Round {
		return event.Invalid
	}
	st.Trace = slices.Clone(msg.Trace)
	p.setPhase(st, PhaseTraced)
	p.resetVotes(st)
	p.traceHook(st.node.ID(), ev.Creator, st.Round, st.Trace)
	return event.Handled
}

/*
onNewBlock handles announcement of the committed block. Node which missed
the consensus on the block commits it and starts the next round, node which
has fallen behind by more than one block resyncs.
*/
func (p *GPBFT) onNewBlock(st *ConsensusState, ev *event.Event, msg *Message) event.Result {
	if msg.Round < st.Round {
		return event.Invalid
	}
	time := ev.Time + p.params.MsgValidationDelay + p.params.BlockValidationDelay

	tip := st.node.LastBlock().Depth
	switch {
	case msg.Block.Depth <= tip:
		return event.Invalid
	case msg.Block.Depth > tip+1:
		p.requestResync(st, ev.Creator, time)
		return event.Handled
	}

	st.Round = max(st.Round, msg.Round)
	if p.commitBlock(st, msg.Block, ev.Creator, time) {
		p.startRound(st, msg.Round+1, time)
	}
	return event.Handled
}
