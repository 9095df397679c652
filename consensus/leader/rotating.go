package leader

import (
	"errors"
	"fmt"

	"github.com/alphabill-org/gpbft/types"
)

type RoundRobin struct {
	validators []types.NodeID
	nofRounds  uint64
}

// NewRoundRobin returns round-robin leader selection algorithm based on node identifiers.
// It is assumed that the order of node identifiers is the same for all validators.
// "contRounds" - for how many continuous rounds each node is considered to be the leader.
func NewRoundRobin(validators []types.NodeID, contRounds uint64) (*RoundRobin, error) {
	if len(validators) < 1 {
		return nil, errors.New("empty validator node id list")
	}
	if contRounds < 1 || contRounds > uint64(len(validators)) {
		return nil, fmt.Errorf("invalid number of continuous rounds %d (must be between 1 and %d)", contRounds, len(validators))
	}
	return &RoundRobin{validators: validators, nofRounds: contRounds}, nil
}

func (r *RoundRobin) LeaderForRound(round uint64, _ *types.Block) types.NodeID {
	index := (round / r.nofRounds) % uint64(len(r.validators))
	return r.validators[index]
}

/*
Nodes returns all the validators taking part in the rotation.
*/
func (r *RoundRobin) Nodes() []types.NodeID {
	return r.validators
}
