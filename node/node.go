package node

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/keyvaluedb"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/observability"
	"github.com/alphabill-org/gpbft/types"
)

var (
	ErrBlockIsNil        = errors.New("block is nil")
	ErrUnexpectedDepth   = errors.New("unexpected block depth")
	ErrPrevHashMismatch  = errors.New("previous block hash does not match the tip of the chain")
	ErrProtocolNotSet    = errors.New("consensus protocol is not set")
	errEventHandlerIsNil = errors.New("event handler is nil")
)

type (
	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	/*
		Node is the simulated validator hosting a consensus protocol instance:
		it owns the chain, transaction pool, synchronization status and backlog
		of the validator and gives the protocol access to the event queue.
		Not safe for concurrent use.
	*/
	Node struct {
		id       types.NodeID
		queue    *event.Queue
		params   *consensus.Parameters
		protocol consensus.Protocol

		chain  []*types.Block
		pool   []types.Transaction
		synced bool
		// time of the last event the node has processed
		now     float64
		backlog []*event.Event
		// incremented every time backlog is cleared, replay of the backlog
		// stops when it changes
		backlogGen uint64
		peers      []*Node

		blockStore keyvaluedb.KeyValueDB
		log        *slog.Logger
		tracer     trace.Tracer

		eventCnt metric.Int64Counter
		blockCnt metric.Int64Counter
	}

	Option func(*Node)

	// payload of the consensus messages carrying round number
	roundPayload interface {
		GetRound() uint64
	}
)

// WithBlockStore makes the node to persist every block appended to its chain.
func WithBlockStore(db keyvaluedb.KeyValueDB) Option {
	return func(n *Node) {
		n.blockStore = db
	}
}

// WithProtocol sets the consensus protocol the node runs.
func WithProtocol(p consensus.Protocol) Option {
	return func(n *Node) {
		n.protocol = p
	}
}

// WithTransactions adds transactions to the node's pool.
func WithTransactions(txs ...types.Transaction) Option {
	return func(n *Node) {
		n.pool = append(n.pool, txs...)
	}
}

/*
New creates node with chain containing only the genesis block. Node starts
in synced status.
*/
func New(id types.NodeID, params *consensus.Parameters, queue *event.Queue, observe Observability, opts ...Option) (*Node, error) {
	if queue == nil {
		return nil, errors.New("event queue is nil")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus parameters: %w", err)
	}
	n := &Node{
		id:     id,
		queue:  queue,
		params: params,
		chain:  []*types.Block{types.Genesis()},
		synced: true,
		log:    observe.Logger().With(logger.NodeID(id)),
		tracer: observe.Tracer("gpbft.node", trace.WithInstrumentationAttributes(observability.NodeID(id))),
	}
	for _, opt := range opts {
		opt(n)
	}
	if err := n.initMetrics(observe.Meter("gpbft.node")); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	if err := n.storeBlock(n.chain[0]); err != nil {
		return nil, fmt.Errorf("storing genesis block: %w", err)
	}
	return n, nil
}

func (n *Node) initMetrics(m metric.Meter) (err error) {
	n.eventCnt, err = m.Int64Counter("node.event",
		metric.WithDescription("Number of events delivered to the node, attributed by event tag and result"),
		metric.WithUnit("{event}"))
	if err != nil {
		return fmt.Errorf("creating event counter: %w", err)
	}
	n.blockCnt, err = m.Int64Counter("node.block",
		metric.WithDescription("Number of blocks appended to the node's chain"),
		metric.WithUnit("{block}"))
	if err != nil {
		return fmt.Errorf("creating block counter: %w", err)
	}
	return nil
}

func (n *Node) ID() types.NodeID { return n.id }

func (n *Node) Now() float64 { return n.now }

func (n *Node) Protocol() consensus.Protocol { return n.protocol }

// SetPeers sets the other validators of the network, "peers" may include
// the node itself.
func (n *Node) SetPeers(peers []*Node) {
	n.peers = peers
}

// Start initializes the consensus protocol of the node and starts "round".
func (n *Node) Start(time float64, round uint64) error {
	if n.protocol == nil {
		return ErrProtocolNotSet
	}
	n.now = max(n.now, time)
	n.protocol.Init(n, time, round)
	return nil
}

// DescribeState returns summary of the node's consensus state.
func (n *Node) DescribeState() string {
	if n.protocol == nil {
		return "-"
	}
	return n.protocol.DescribeState(n)
}

func (n *Node) LastBlock() *types.Block {
	return n.chain[len(n.chain)-1]
}

// Chain returns the blocks of the node's chain starting with genesis. The
// slice must not be modified.
func (n *Node) Chain() []*types.Block {
	return n.chain
}

// BlocksAfter returns copies of the blocks with depth greater than "depth".
func (n *Node) BlocksAfter(depth uint64) []*types.Block {
	var blocks []*types.Block
	for _, b := range n.chain {
		if b.Depth > depth {
			blocks = append(blocks, b.Clone())
		}
	}
	return blocks
}

func (n *Node) Pool() []types.Transaction {
	return n.pool
}

func (n *Node) AddTransactions(txs ...types.Transaction) {
	n.pool = append(n.pool, txs...)
}

func (n *Node) Synced() bool { return n.synced }

func (n *Node) SetSynced(synced bool) {
	if n.synced != synced {
		n.log.Debug(fmt.Sprintf("synced status changed to %t", synced))
	}
	n.synced = synced
}

// MustResyncBeforeProcessing returns true while the node waits for the
// outstanding resync to complete.
func (n *Node) MustResyncBeforeProcessing(time float64) bool {
	return !n.synced
}

/*
CheckNeighborLiveness compares the node's chain with the chains of its
peers. When some peer is ahead false and the ID of the most advanced peer
is returned, otherwise true and the node's own ID.
*/
func (n *Node) CheckNeighborLiveness() (bool, types.NodeID) {
	best, depth := n.id, n.LastBlock().Depth
	for _, p := range n.peers {
		if d := p.LastBlock().Depth; p.id != n.id && d > depth {
			best, depth = p.id, d
		}
	}
	return best == n.id, best
}

func (n *Node) Backlog() []*event.Event {
	return n.backlog
}

func (n *Node) ClearBacklog() {
	n.backlog = nil
	n.backlogGen++
}

/*
CommitBlock appends copy of the block to the chain and removes transactions
included into the block from the pool. Block must extend the current tip of
the chain.
*/
func (n *Node) CommitBlock(b *types.Block, time float64) error {
	if b == nil {
		return ErrBlockIsNil
	}
	tip := n.LastBlock()
	if b.Depth != tip.Depth+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnexpectedDepth, b.Depth, tip.Depth+1)
	}
	if !slices.Equal(b.PreviousHash, tip.Hash()) {
		return fmt.Errorf("%w: block %s at depth %d", ErrPrevHashMismatch, b.ID(), b.Depth)
	}
	if err := b.IsValid(); err != nil {
		return fmt.Errorf("invalid block: %w", err)
	}

	blk := b.Clone()
	blk.TimeAdded = time
	n.chain = append(n.chain, blk)
	n.removeFromPool(blk.Transactions)
	n.blockCnt.Add(context.Background(), 1, observability.Node(n.id))
	n.log.Debug(fmt.Sprintf("block %s appended", blk.ID()), logger.Block(blk), logger.SimTime(time))

	if err := n.storeBlock(blk); err != nil {
		return fmt.Errorf("storing block %d: %w", blk.Depth, err)
	}
	return nil
}

// AppendBlocks commits blocks received from a peer while resyncing.
func (n *Node) AppendBlocks(blocks []*types.Block, time float64) error {
	for _, b := range blocks {
		if err := n.CommitBlock(b, time); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) removeFromPool(txs []types.Transaction) {
	if len(txs) == 0 {
		return
	}
	included := make(map[uint64]struct{}, len(txs))
	for _, tx := range txs {
		included[tx.ID] = struct{}{}
	}
	n.pool = slices.DeleteFunc(n.pool, func(tx types.Transaction) bool {
		_, ok := included[tx.ID]
		return ok
	})
}

func (n *Node) storeBlock(b *types.Block) error {
	if n.blockStore == nil {
		return nil
	}
	return n.blockStore.Write(BlockKey(b.Depth), b)
}

// BlockKey returns the block store key of the block at "depth".
func BlockKey(depth uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, depth)
}

func (n *Node) ScheduleEvent(tag string, time float64, payload any, h event.Handler) *event.Event {
	return n.queue.Push(&event.Event{
		Time:     time,
		Creator:  n.id,
		Receiver: n.id,
		Tag:      tag,
		Payload:  payload,
		Handler:  h,
	})
}

// ScheduleBroadcast schedules delivery of the payload to every peer, the
// message arrives PropagationDelay after "time".
func (n *Node) ScheduleBroadcast(tag string, time float64, payload any, h event.Handler) {
	for _, p := range n.peers {
		if p.id == n.id {
			continue
		}
		n.queue.Push(&event.Event{
			Time:     time + n.params.PropagationDelay,
			Creator:  n.id,
			Receiver: p.id,
			Tag:      tag,
			Payload:  payload,
			Handler:  h,
		})
	}
}

func (n *Node) CancelEvent(ev *event.Event) error {
	return n.queue.Remove(ev)
}

func (n *Node) RemoveEvents(tag string) int {
	return n.queue.RemoveFunc(func(ev *event.Event) bool {
		return ev.Receiver == n.id && ev.Tag == tag
	})
}

/*
Deliver runs the handler of the event addressed to the node. Events the
handler can't process yet (Backlog) are buffered and redelivered every time
some event causes state transition (NewState).
*/
func (n *Node) Deliver(ev *event.Event) (event.Result, error) {
	if ev.Handler == nil {
		return event.Unhandled, errEventHandlerIsNil
	}
	n.now = max(n.now, ev.Time)
	res := n.handle(ev)
	switch res {
	case event.Backlog:
		n.backlog = append(n.backlog, ev)
	case event.NewState:
		n.replayBacklog(ev.Time)
	}
	return res, nil
}

func (n *Node) replayBacklog(now float64) {
	for len(n.backlog) > 0 {
		pending, gen := n.backlog, n.backlogGen
		n.backlog = nil
		progressed := false
		for i, ev := range pending {
			ev.Time = max(ev.Time, now)
			switch n.handle(ev) {
			case event.Backlog:
				n.backlog = append(n.backlog, ev)
			case event.NewState:
				progressed = true
			}
			if n.backlogGen != gen {
				// new round has started, messages buffered in the previous
				// one are obsolete
				n.log.Log(context.Background(), logger.LevelTrace, fmt.Sprintf("backlog cleared, dropping %d events", len(pending)-i-1))
				break
			}
		}
		if !progressed {
			return
		}
	}
}

func (n *Node) handle(ev *event.Event) (res event.Result) {
	tagAttr := attribute.String("tag", ev.Tag)
	_, span := n.tracer.Start(context.Background(), "node.handleEvent",
		trace.WithNewRoot(),
		trace.WithAttributes(tagAttr, attribute.Float64("sim_time", ev.Time), attribute.Int64("creator", int64(ev.Creator))), /* #nosec G115 */
		trace.WithSpanKind(trace.SpanKindServer))
	if rp, ok := ev.Payload.(roundPayload); ok {
		span.SetAttributes(observability.Round(rp.GetRound()))
	}
	defer func() {
		resAttr := observability.ResultKey.String(res.String())
		span.SetAttributes(resAttr, observability.Depth(n.LastBlock().Depth))
		if res == event.Invalid {
			span.SetStatus(codes.Error, "invalid event")
		}
		span.End()
		n.eventCnt.Add(context.Background(), 1, observability.Node(n.id, tagAttr, resAttr))
	}()

	res = ev.Handler(ev)
	n.log.Log(context.Background(), logger.LevelTrace, fmt.Sprintf("event %s: %s", ev, res))
	return res
}
