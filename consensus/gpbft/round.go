package gpbft

import (
	"context"
	"fmt"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/logger"
)

/*
startRound resets the node's state for the round "round". Proposer of the
round builds the block and broadcasts it, everyone else waits for the
proposal (or the timeout). Returns false when the node must resync before
it can take part in the consensus, state is not changed then.
*/
func (p *GPBFT) startRound(st *ConsensusState, round uint64, time float64) bool {
	n := st.node
	if n.MustResyncBeforeProcessing(time) {
		st.log.Debug(fmt.Sprintf("not starting round %d, node must resync first", round), logger.SimTime(time))
		return false
	}

	p.setPhase(st, PhaseNewRound)
	n.ClearBacklog()
	p.resetVotes(st)
	st.Round = round
	st.Block = nil
	p.selectProposer(st)

	p.roundCnt.Add(context.Background(), 1, p.nodeAttr(st))
	st.log.Debug(fmt.Sprintf("round started, proposer %d", st.Proposer), logger.SimTime(time))

	p.armTimeout(st, time+p.params.BlockInterval, true, true)
	if st.Proposer != n.ID() {
		return true
	}

	block, readyAt, err := p.buildBlock(st, time)
	if err != nil {
		p.proposalErr.Add(context.Background(), 1, p.nodeAttr(st))
		st.log.Debug("block proposal failed", logger.Error(err), logger.SimTime(time))
		return true
	}
	p.setPhase(st, PhasePrePrepared)
	st.Block = block.Clone()
	n.ScheduleBroadcast(Name, readyAt, &Message{Kind: KindPrePrepare, Round: round, Block: block}, p.HandleEvent)
	return true
}

func (p *GPBFT) selectProposer(st *ConsensusState) {
	st.Proposer = p.leader.LeaderForRound(st.Round, st.node.LastBlock())
}

/*
Methods implementing rounds.Controller.
*/

func (p *GPBFT) CurrentRound(n consensus.Node) uint64 {
	if st := p.states[n.ID()]; st != nil {
		return st.Round
	}
	return 0
}

func (p *GPBFT) EnterRoundChange(n consensus.Node) {
	if st := p.states[n.ID()]; st != nil {
		p.setPhase(st, PhaseRoundChange)
	}
}

// InitRoundChange rearms the node's timer, the timer fires Timeout after "time".
func (p *GPBFT) InitRoundChange(n consensus.Node, time float64) {
	if st := p.states[n.ID()]; st != nil {
		p.armTimeout(st, time, true, true)
	}
}

func (p *GPBFT) StartRound(n consensus.Node, round uint64, time float64) bool {
	st := p.states[n.ID()]
	if st == nil {
		return false
	}
	return p.startRound(st, round, time)
}
