package consensus

import (
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/types"
)

type (
	/*
		Protocol is a consensus protocol module the node host runs. The host is
		not aware of the protocol internals, alternative protocols can be
		substituted without changes in the host.
	*/
	Protocol interface {
		// Name of the protocol, events scheduled by the protocol are tagged
		// with the name (see Teardown).
		Name() string
		// Init creates consensus state for the node "n" and starts round "startingRound".
		Init(n Node, time float64, startingRound uint64)
		// HandleEvent processes event addressed to a node the protocol has been
		// initialized for.
		HandleEvent(ev *event.Event) event.Result
		// DescribeState returns human readable summary of the node's consensus state.
		DescribeState(n Node) string
		// Resync rebuilds node's consensus state after the node has caught up
		// with the rest of the network.
		Resync(n Node, payload SyncPayload, time float64)
		// Teardown removes all the pending events of the protocol from the
		// node's queue and drops the node's consensus state.
		Teardown(n Node)
	}

	/*
		Node is the host environment of the protocol instance: chain, pending
		transactions, synchronization status and access to the event scheduler.
	*/
	Node interface {
		ID() types.NodeID
		// Now returns the simulated time of the latest event delivered to the node.
		Now() float64
		// LastBlock returns the tip of the node's chain, never nil (genesis).
		LastBlock() *types.Block
		// Pool returns transactions waiting to be included into a block.
		Pool() []types.Transaction

		Synced() bool
		SetSynced(synced bool)
		// ClearBacklog discards messages buffered for later redelivery.
		ClearBacklog()
		// MustResyncBeforeProcessing returns true when the node has fallen
		// behind and must not start new rounds until it has resynced.
		MustResyncBeforeProcessing(time float64) bool
		// CheckNeighborLiveness returns false and the ID of the most advanced
		// neighbor when the node's chain is behind its neighbors.
		CheckNeighborLiveness() (bool, types.NodeID)
		// CommitBlock appends the block to the chain and removes its
		// transactions from the pool.
		CommitBlock(b *types.Block, time float64) error

		// ScheduleEvent schedules event to the node itself, returned event
		// can be used to cancel it (see CancelEvent).
		ScheduleEvent(tag string, time float64, payload any, h event.Handler) *event.Event
		// ScheduleBroadcast schedules delivery of the payload to all the
		// other nodes of the network.
		ScheduleBroadcast(tag string, time float64, payload any, h event.Handler)
		// CancelEvent removes event from the queue. Cancelling event which
		// has already fired returns event.ErrNotQueued.
		CancelEvent(ev *event.Event) error
		// RemoveEvents removes all the queued events addressed to the node
		// and tagged with "tag", returns number of events removed.
		RemoveEvents(tag string) int
	}

	// SyncPayload describes the outcome of the resynchronization.
	SyncPayload struct {
		// Blocks received from the peer, the last one is the new tip of the chain.
		// Empty when the peer had nothing the node didn't already have.
		Blocks []*types.Block
	}
)

// LastBlock returns the last synced block or nil when nothing was received.
func (p SyncPayload) LastBlock() *types.Block {
	if len(p.Blocks) == 0 {
		return nil
	}
	return p.Blocks[len(p.Blocks)-1]
}
