package leader

import (
	"fmt"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/types"
)

type Selector interface {
	// LeaderForRound returns the proposer for the "round" when the chain tip is "tip".
	LeaderForRound(round uint64, tip *types.Block) types.NodeID
	Nodes() []types.NodeID
}

// New returns leader selector for the proposer policy configured in "params".
func New(params *consensus.Parameters) (Selector, error) {
	validators := make([]types.NodeID, params.Nodes)
	for i := range validators {
		validators[i] = types.NodeID(i)
	}
	switch params.ProposerPolicy {
	case consensus.RoundRobin, "":
		return NewRoundRobin(validators, 1)
	case consensus.ChainHash:
		return NewChainHash(validators)
	default:
		return nil, fmt.Errorf("unknown proposer policy %q", params.ProposerPolicy)
	}
}
