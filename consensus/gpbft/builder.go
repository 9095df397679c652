package gpbft

import (
	"errors"

	"github.com/alphabill-org/gpbft/types"
)

var (
	ErrNoTransactions = errors.New("no transactions available before the round timeout")
	errTimerNotArmed  = errors.New("round timer is not armed")
)

/*
buildBlock assembles the block proposal for the current round of the node.
Building starts BlockInterval+CreationTime after "time", when the pool has
no transactions available by then the proposer keeps polling it once per
time unit until just before the round timeout. Returns the block and the
time it is ready to be broadcast.
*/
func (p *GPBFT) buildBlock(st *ConsensusState, time float64) (*types.Block, float64, error) {
	if st.Timeout == nil {
		return nil, 0, errTimerNotArmed
	}
	n := st.node
	tip := n.LastBlock()
	t := time + p.params.BlockInterval + p.params.CreationTime
	block := &types.Block{
		Depth:        tip.Depth + 1,
		PreviousHash: tip.Hash(),
		Proposer:     n.ID(),
		Round:        st.Round,
		TimeCreated:  t,
	}

	deadline := st.Timeout.Time
	available := types.Available(n.Pool(), t)
	for len(available) == 0 && t+1 < deadline {
		t++
		available = types.Available(n.Pool(), t)
	}
	if len(available) == 0 || t >= deadline {
		return nil, 0, ErrNoTransactions
	}

	block.Transactions, block.Size = p.params.Execute(available)
	return block, t, nil
}
