package simulation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/alphabill-org/gpbft/consensus/chainsync"
	"github.com/alphabill-org/gpbft/consensus/gpbft"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/keyvaluedb"
	"github.com/alphabill-org/gpbft/keyvaluedb/boltdb"
	"github.com/alphabill-org/gpbft/keyvaluedb/memorydb"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/node"
	"github.com/alphabill-org/gpbft/types"
)

type (
	Observability interface {
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Logger() *slog.Logger
	}

	/*
		Network is the simulated network of GPBFT validators sharing the global
		event queue.
	*/
	Network struct {
		cfg     *Config
		queue   *event.Queue
		nodes   []*node.Node
		proto   *gpbft.GPBFT
		crashed map[types.NodeID]bool
		stores  []keyvaluedb.KeyValueDB
		log     *slog.Logger

		now     float64
		events  int
		dropped int
	}

	NodeSummary struct {
		ID      types.NodeID `json:"id"`
		Depth   uint64       `json:"depth"`
		Tip     string       `json:"tip"`
		Synced  bool         `json:"synced"`
		Crashed bool         `json:"crashed"`
		State   string       `json:"state"`
	}

	Result struct {
		// simulated time of the last event processed
		Time    float64 `json:"time"`
		Events  int     `json:"events"`
		Dropped int     `json:"dropped"`
		// depth of the shortest chain among the live nodes
		Blocks uint64 `json:"blocks"`
		// all the live nodes have the same blocks up to the depth of the
		// shortest chain
		ChainsAgree bool          `json:"chainsAgree"`
		Nodes       []NodeSummary `json:"nodes"`
	}
)

// New creates the network described by "cfg", all the nodes start with the
// same transaction pool.
func New(cfg *Config, obs Observability) (_ *Network, rErr error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid simulation config: %w", err)
	}
	nw := &Network{
		cfg:     cfg,
		queue:   event.NewQueue(),
		crashed: make(map[types.NodeID]bool),
		log:     obs.Logger(),
	}
	defer func() {
		if rErr != nil {
			rErr = errors.Join(rErr, nw.Close())
		}
	}()
	for _, id := range cfg.Crashed {
		nw.crashed[id] = true
	}

	sync, err := chainsync.New(cfg.Consensus, nw.peer, obs)
	if err != nil {
		return nil, fmt.Errorf("creating sync component: %w", err)
	}
	if nw.proto, err = gpbft.New(cfg.Consensus, sync, obs); err != nil {
		return nil, fmt.Errorf("creating consensus protocol: %w", err)
	}

	txs := GenerateTransactions(cfg)
	for i := range cfg.Consensus.Nodes {
		id := types.NodeID(i)
		opts := []node.Option{node.WithProtocol(nw.proto), node.WithTransactions(txs...)}
		switch {
		case cfg.BlockStoreDir != "":
			db, err := nw.openBlockStore(id)
			if err != nil {
				return nil, err
			}
			opts = append(opts, node.WithBlockStore(db))
		case cfg.MemoryBlockStore:
			db := memorydb.New()
			nw.stores = append(nw.stores, db)
			opts = append(opts, node.WithBlockStore(db))
		}
		n, err := node.New(id, cfg.Consensus, nw.queue, obs, opts...)
		if err != nil {
			return nil, fmt.Errorf("creating node %d: %w", id, err)
		}
		nw.nodes = append(nw.nodes, n)
	}
	for _, n := range nw.nodes {
		n.SetPeers(nw.nodes)
	}
	return nw, nil
}

func (nw *Network) openBlockStore(id types.NodeID) (keyvaluedb.KeyValueDB, error) {
	if err := os.MkdirAll(nw.cfg.BlockStoreDir, 0700); err != nil {
		return nil, fmt.Errorf("creating block store directory: %w", err)
	}
	db, err := boltdb.New(filepath.Join(nw.cfg.BlockStoreDir, BlockStoreFile(id)))
	if err != nil {
		return nil, fmt.Errorf("opening block store of node %d: %w", id, err)
	}
	nw.stores = append(nw.stores, db)
	return db, nil
}

// BlockStore returns the block store of the node, false when the chains are
// not stored.
func (nw *Network) BlockStore(id types.NodeID) (keyvaluedb.KeyValueDB, bool) {
	if uint64(id) >= uint64(len(nw.stores)) {
		return nil, false
	}
	return nw.stores[id], true
}

// BlockStoreFile is the name of the bolt DB file of the node.
func BlockStoreFile(id types.NodeID) string {
	return fmt.Sprintf("node-%d.db", id)
}

func (nw *Network) peer(id types.NodeID) (chainsync.Peer, bool) {
	n, ok := nw.Node(id)
	return n, ok
}

func (nw *Network) Node(id types.NodeID) (*node.Node, bool) {
	if uint64(id) >= uint64(len(nw.nodes)) {
		return nil, false
	}
	return nw.nodes[id], true
}

// Chain returns the blocks of the node's chain, genesis first.
func (nw *Network) Chain(id types.NodeID) ([]*types.Block, bool) {
	n, ok := nw.Node(id)
	if !ok {
		return nil, false
	}
	return n.Chain(), true
}

func (nw *Network) Nodes() []*node.Node {
	return nw.nodes
}

func (nw *Network) Protocol() *gpbft.GPBFT {
	return nw.proto
}

/*
Run starts the consensus on all the live nodes and processes events until
the simulated time limit is reached (or the queue runs empty). Run can be
called only once.
*/
func (nw *Network) Run(ctx context.Context) (*Result, error) {
	for _, n := range nw.nodes {
		if nw.crashed[n.ID()] {
			continue
		}
		if err := n.Start(0, 0); err != nil {
			return nil, fmt.Errorf("starting node %d: %w", n.ID(), err)
		}
	}

	for ev := nw.queue.Peek(); ev != nil && ev.Time <= nw.cfg.Duration; ev = nw.queue.Peek() {
		if nw.events%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("simulation interrupted at %.3f: %w", nw.now, err)
			}
		}
		nw.queue.Pop()
		nw.now = ev.Time
		nw.events++

		n, ok := nw.Node(ev.Receiver)
		if !ok || nw.down(ev.Receiver, ev.Time) {
			nw.dropped++
			continue
		}
		if _, err := n.Deliver(ev); err != nil {
			nw.log.Warn(fmt.Sprintf("delivering event %s", ev), logger.Error(err), logger.NodeID(n.ID()))
		}
	}
	res := nw.Result()
	nw.log.Info(fmt.Sprintf("simulation finished at %.3f, %d events, %d blocks, chains agree: %t", res.Time, res.Events, res.Blocks, res.ChainsAgree))
	return res, nil
}

// down returns true when the node doesn't process events at "time".
func (nw *Network) down(id types.NodeID, time float64) bool {
	if nw.crashed[id] {
		return true
	}
	for _, o := range nw.cfg.Outages {
		if o.Node == id && o.From <= time && time < o.To {
			return true
		}
	}
	return false
}

// Result summarizes the state of the network.
func (nw *Network) Result() *Result {
	res := &Result{Time: nw.now, Events: nw.events, Dropped: nw.dropped, ChainsAgree: true}
	var live []*node.Node
	for _, n := range nw.nodes {
		res.Nodes = append(res.Nodes, NodeSummary{
			ID:      n.ID(),
			Depth:   n.LastBlock().Depth,
			Tip:     n.LastBlock().ID(),
			Synced:  n.Synced(),
			Crashed: nw.crashed[n.ID()],
			State:   n.DescribeState(),
		})
		if !nw.crashed[n.ID()] {
			live = append(live, n)
		}
	}
	if len(live) == 0 {
		return res
	}

	res.Blocks = live[0].LastBlock().Depth
	for _, n := range live[1:] {
		res.Blocks = min(res.Blocks, n.LastBlock().Depth)
	}
	ref := live[0].Chain()
	for _, n := range live[1:] {
		chain := n.Chain()
		for d := uint64(0); d <= res.Blocks; d++ {
			if !bytes.Equal(ref[d].Hash(), chain[d].Hash()) {
				res.ChainsAgree = false
				break
			}
		}
	}
	return res
}

// Close releases the block stores of the nodes.
func (nw *Network) Close() error {
	var errs []error
	for _, db := range nw.stores {
		errs = append(errs, db.Close())
	}
	nw.stores = nil
	return errors.Join(errs...)
}
