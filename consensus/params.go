package consensus

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/alphabill-org/gpbft/types"
)

// Proposer selection policies.
const (
	RoundRobin = "round-robin"
	ChainHash  = "chain-hash"
)

const (
	DefaultNodes                = 4
	DefaultRequiredVotes        = 3
	DefaultBlockInterval        = 10.0
	DefaultMsgValidationDelay   = 0.01
	DefaultBlockValidationDelay = 0.1
	DefaultCreationTime         = 0.5
	DefaultTimeout              = 20.0
	DefaultPropagationDelay     = 0.1
	DefaultSyncDelay            = 1.0
	DefaultBlockSize            = 100
)

type (
	/*
		ExecuteFn selects transactions to be included into the block from the
		transactions available to the proposer, returns selected transactions
		and their total size.
	*/
	ExecuteFn func(available []types.Transaction) ([]types.Transaction, uint64)

	/*
		Parameters are the simulation wide consensus parameters, the same for
		all the nodes. Durations are in simulated time units.
	*/
	Parameters struct {
		Nodes         uint64 `yaml:"nodes"`
		RequiredVotes uint64 `yaml:"requiredVotes"` // quorum size
		// time between blocks, proposer starts to build the block
		// BlockInterval after the round start
		BlockInterval        float64 `yaml:"blockInterval"`
		MsgValidationDelay   float64 `yaml:"msgValidationDelay"`
		BlockValidationDelay float64 `yaml:"blockValidationDelay"`
		CreationTime         float64 `yaml:"creationTime"` // block build latency
		Timeout              float64 `yaml:"timeout"`
		PropagationDelay     float64 `yaml:"propagationDelay"`
		SyncDelay            float64 `yaml:"syncDelay"`
		BlockSize            uint64  `yaml:"blockSize"` // max sum of transaction sizes
		ProposerPolicy       string  `yaml:"proposerPolicy"`
		// count votes only once per sender (by default every received vote
		// message is counted)
		DedupVotes bool `yaml:"dedupVotes"`

		// when nil FillBlock(BlockSize) is used
		ExecuteFn ExecuteFn `yaml:"-"`
	}
)

func NewParameters() *Parameters {
	return &Parameters{
		Nodes:                DefaultNodes,
		RequiredVotes:        DefaultRequiredVotes,
		BlockInterval:        DefaultBlockInterval,
		MsgValidationDelay:   DefaultMsgValidationDelay,
		BlockValidationDelay: DefaultBlockValidationDelay,
		CreationTime:         DefaultCreationTime,
		Timeout:              DefaultTimeout,
		PropagationDelay:     DefaultPropagationDelay,
		SyncDelay:            DefaultSyncDelay,
		BlockSize:            DefaultBlockSize,
		ProposerPolicy:       RoundRobin,
	}
}

/*
Validate checks that parameters describe a network where the consensus
can make progress. All the problems found are reported.
*/
func (p *Parameters) Validate() error {
	if p == nil {
		return errors.New("consensus parameters are nil")
	}
	var errs []error
	if p.Nodes < 1 {
		errs = append(errs, errors.New("number of nodes must be at least 1"))
	}
	if p.RequiredVotes < 2 {
		errs = append(errs, fmt.Errorf("required votes must be at least 2, got %d", p.RequiredVotes))
	}
	if p.RequiredVotes > p.Nodes {
		errs = append(errs, fmt.Errorf("required votes %d exceeds number of nodes %d", p.RequiredVotes, p.Nodes))
	}
	if p.BlockInterval <= 0 {
		errs = append(errs, fmt.Errorf("block interval must be positive, got %v", p.BlockInterval))
	}
	if p.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", p.Timeout))
	}
	for _, d := range []struct {
		name  string
		value float64
	}{
		{"message validation delay", p.MsgValidationDelay},
		{"block validation delay", p.BlockValidationDelay},
		{"block creation time", p.CreationTime},
		{"propagation delay", p.PropagationDelay},
		{"sync delay", p.SyncDelay},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %v", d.name, d.value))
		}
	}
	if p.BlockSize == 0 && p.ExecuteFn == nil {
		errs = append(errs, errors.New("block size must be positive"))
	}
	switch p.ProposerPolicy {
	case RoundRobin, ChainHash:
	default:
		errs = append(errs, fmt.Errorf("unknown proposer policy %q", p.ProposerPolicy))
	}
	return errors.Join(errs...)
}

// Execute selects transactions for the block using the configured ExecuteFn.
func (p *Parameters) Execute(available []types.Transaction) ([]types.Transaction, uint64) {
	if p.ExecuteFn != nil {
		return p.ExecuteFn(available)
	}
	return FillBlock(p.BlockSize)(available)
}

/*
FillBlock returns ExecuteFn which takes transactions in the order of their
timestamp (ties in the order of the pool) as long as the total size doesn't
exceed "limit".
*/
func FillBlock(limit uint64) ExecuteFn {
	return func(available []types.Transaction) ([]types.Transaction, uint64) {
		sorted := slices.Clone(available)
		slices.SortStableFunc(sorted, func(a, b types.Transaction) int {
			return cmp.Compare(a.Timestamp, b.Timestamp)
		})

		var size uint64
		var txs []types.Transaction
		for _, tx := range sorted {
			if size+tx.Size > limit {
				break
			}
			size += tx.Size
			txs = append(txs, tx)
		}
		return txs, size
	}
}
