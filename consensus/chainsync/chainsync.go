package chainsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/observability"
	"github.com/alphabill-org/gpbft/types"
)

// Tag of the events scheduled by the sync component.
const Tag = "sync"

var errPeerNotFound = errors.New("sync peer not found")

type (
	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	// Peer is the node the blocks are copied from.
	Peer interface {
		BlocksAfter(depth uint64) []*types.Block
	}

	// Host is the node being synchronized.
	Host interface {
		consensus.Node
		AppendBlocks(blocks []*types.Block, time float64) error
		Protocol() consensus.Protocol
	}

	// PeerLookup returns the peer with given ID, false when there is no such peer.
	PeerLookup func(id types.NodeID) (Peer, bool)

	// Request is the payload of the local sync event.
	Request struct {
		Peer types.NodeID
	}

	/*
		Component brings node which has fallen behind up to date by copying the
		missing blocks from a peer and then resyncing the node's consensus
		protocol.
	*/
	Component struct {
		params *consensus.Parameters
		peers  PeerLookup
		log    *slog.Logger

		requests  metric.Int64Counter
		synced    metric.Int64Counter
		completed metric.Int64Counter
	}
)

func New(params *consensus.Parameters, peers PeerLookup, obs Observability) (*Component, error) {
	if peers == nil {
		return nil, fmt.Errorf("peer lookup func is nil")
	}
	c := &Component{
		params: params,
		peers:  peers,
		log:    obs.Logger(),
	}
	if err := c.initMetrics(obs.Meter("chainsync")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return c, nil
}

func (c *Component) initMetrics(m metric.Meter) (err error) {
	c.requests, err = m.Int64Counter("sync.requested",
		metric.WithDescription("Number of local resyncs requested"),
		metric.WithUnit("{request}"))
	if err != nil {
		return fmt.Errorf("creating request counter: %w", err)
	}
	c.synced, err = m.Int64Counter("sync.blocks",
		metric.WithDescription("Number of blocks copied from peers"),
		metric.WithUnit("{block}"))
	if err != nil {
		return fmt.Errorf("creating block counter: %w", err)
	}
	c.completed, err = m.Int64Counter("sync.completed",
		metric.WithDescription("Number of local resyncs carried out, attributed by outcome"),
		metric.WithUnit("{sync}"))
	if err != nil {
		return fmt.Errorf("creating completion counter: %w", err)
	}
	return nil
}

/*
RequestLocalResync schedules synchronization of the node "n" with the
"peer", sync is carried out SyncDelay after "time". Caller is expected to
mark the node as not synced.
*/
func (c *Component) RequestLocalResync(n consensus.Node, peer types.NodeID, time float64) {
	host, ok := n.(Host)
	if !ok {
		c.log.Error(fmt.Sprintf("node of type %T can't be synced", n), logger.NodeID(n.ID()))
		return
	}
	c.requests.Add(context.Background(), 1, observability.Node(n.ID()))
	c.log.Debug(fmt.Sprintf("resync with node %d requested", peer), logger.NodeID(n.ID()), logger.SimTime(time))
	n.ScheduleEvent(Tag, time+c.params.SyncDelay, &Request{Peer: peer}, func(ev *event.Event) event.Result {
		return c.sync(host, ev)
	})
}

func (c *Component) sync(n Host, ev *event.Event) event.Result {
	req, ok := ev.Payload.(*Request)
	if !ok {
		return event.Unhandled
	}
	log := c.log.With(logger.NodeID(n.ID()), logger.SimTime(ev.Time))

	var err error
	var blocks []*types.Block
	if peer, ok := c.peers(req.Peer); ok {
		tip := n.LastBlock().Depth
		blocks = peer.BlocksAfter(tip)
		if err = n.AppendBlocks(blocks, ev.Time); err != nil {
			log.Warn(fmt.Sprintf("appending blocks received from node %d", req.Peer), logger.Error(err))
		}
		// only the blocks which made it into the chain count
		blocks = blocks[:n.LastBlock().Depth-tip]
	} else {
		err = errPeerNotFound
		log.Warn(fmt.Sprintf("sync peer %d not found", req.Peer))
	}

	c.synced.Add(context.Background(), int64(len(blocks)), observability.Node(n.ID()))
	c.completed.Add(context.Background(), 1, observability.Node(n.ID(), observability.ErrStatus(err)))
	log.Debug(fmt.Sprintf("synced %d blocks from node %d", len(blocks), req.Peer))

	n.SetSynced(true)
	if p := n.Protocol(); p != nil {
		p.Resync(n, consensus.SyncPayload{Blocks: blocks}, ev.Time)
	}
	return event.NewState
}
