package gpbft

import (
	"fmt"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/logger"
)

/*
Resync reinitializes the node's consensus state after the node has caught up
with the network. Round is raised to the round of the last synced block
(the node's own tip when nothing was synced) and the round timer is armed,
the node joins the consensus via round change or block announcement.
Node which has been torn down stays down.
*/
func (p *GPBFT) Resync(n consensus.Node, payload consensus.SyncPayload, time float64) {
	old := p.states[n.ID()]
	if old == nil {
		p.log.Debug("ignoring resync of the node without consensus state", logger.NodeID(n.ID()), logger.SimTime(time))
		return
	}
	p.cancelTimeout(old)
	st := newState(n, p.params.Nodes, p.log)
	p.states[n.ID()] = st
	p.rounds.Init(n)

	last := payload.LastBlock()
	if last == nil {
		last = n.LastBlock()
	}
	st.Round = max(st.Round, last.Round)
	st.log.Debug(fmt.Sprintf("resynced %d blocks", len(payload.Blocks)), logger.Block(n.LastBlock()), logger.SimTime(time))
	p.armTimeout(st, time, true, true)
}

/*
Teardown removes all the pending GPBFT events of the node from the queue and
drops the node's consensus state. Calling it repeatedly is safe.
*/
func (p *GPBFT) Teardown(n consensus.Node) {
	removed := n.RemoveEvents(Name)
	delete(p.states, n.ID())
	p.rounds.Remove(n.ID())
	if removed > 0 {
		p.log.Debug(fmt.Sprintf("teardown removed %d events", removed), logger.NodeID(n.ID()))
	}
}
