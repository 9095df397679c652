package leader

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/alphabill-org/gpbft/types"
)

/*
ChainHash selects the leader by the hash of the chain tip: hash is
interpreted as big-endian unsigned integer and the leader is the validator
at index "hash mod N". Leader changes only when the tip changes, so all the
nodes with the same chain agree on the leader regardless of the round.
*/
type ChainHash struct {
	validators []types.NodeID
}

func NewChainHash(validators []types.NodeID) (*ChainHash, error) {
	if len(validators) < 1 {
		return nil, errors.New("empty validator node id list")
	}
	return &ChainHash{validators: validators}, nil
}

func (c *ChainHash) LeaderForRound(_ uint64, tip *types.Block) types.NodeID {
	h := new(uint256.Int).SetBytes(tip.Hash())
	idx := h.Mod(h, uint256.NewInt(uint64(len(c.validators)))).Uint64()
	return c.validators[idx]
}

func (c *ChainHash) Nodes() []types.NodeID {
	return c.validators
}
