package leader

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/types"
)

func TestNewRoundRobin(t *testing.T) {
	ls, err := NewRoundRobin(nil, 1)
	require.EqualError(t, err, "empty validator node id list")
	require.Nil(t, ls)

	ls, err = NewRoundRobin([]types.NodeID{1, 2}, 0)
	require.EqualError(t, err, "invalid number of continuous rounds 0 (must be between 1 and 2)")
	require.Nil(t, ls)

	ls, err = NewRoundRobin([]types.NodeID{1, 2}, 3)
	require.EqualError(t, err, "invalid number of continuous rounds 3 (must be between 1 and 2)")
	require.Nil(t, ls)
}

func TestRoundRobin_LeaderForRound(t *testing.T) {
	validators := []types.NodeID{0, 1, 2, 3}
	ls, err := NewRoundRobin(validators, 1)
	require.NoError(t, err)
	require.Equal(t, validators, ls.Nodes())
	for round := range uint64(12) {
		require.Equal(t, types.NodeID(round%4), ls.LeaderForRound(round, nil))
	}

	// two rounds in a row
	ls, err = NewRoundRobin(validators, 2)
	require.NoError(t, err)
	require.Equal(t, []types.NodeID{0, 0, 1, 1, 2, 2, 3, 3, 0}, []types.NodeID{
		ls.LeaderForRound(0, nil), ls.LeaderForRound(1, nil), ls.LeaderForRound(2, nil),
		ls.LeaderForRound(3, nil), ls.LeaderForRound(4, nil), ls.LeaderForRound(5, nil),
		ls.LeaderForRound(6, nil), ls.LeaderForRound(7, nil), ls.LeaderForRound(8, nil),
	})
}

func TestChainHash_LeaderForRound(t *testing.T) {
	_, err := NewChainHash(nil)
	require.EqualError(t, err, "empty validator node id list")

	validators := []types.NodeID{0, 1, 2, 3, 4, 5, 6}
	ls, err := NewChainHash(validators)
	require.NoError(t, err)

	tip := types.Genesis()
	h := new(uint256.Int).SetBytes(tip.Hash())
	expected := types.NodeID(h.Mod(h, uint256.NewInt(7)).Uint64())

	// round doesn't matter, only the tip does
	require.Equal(t, expected, ls.LeaderForRound(0, tip))
	require.Equal(t, expected, ls.LeaderForRound(99, tip))

	// low byte of the hash decides modulo 256
	ls256, err := NewChainHash(make([]types.NodeID, 256))
	require.NoError(t, err)
	for i := range ls256.validators {
		ls256.validators[i] = types.NodeID(i)
	}
	hash := tip.Hash()
	require.Equal(t, types.NodeID(hash[len(hash)-1]), ls256.LeaderForRound(0, tip))
}

func TestNew(t *testing.T) {
	params := consensus.NewParameters()
	ls, err := New(params)
	require.NoError(t, err)
	require.IsType(t, &RoundRobin{}, ls)
	require.Len(t, ls.Nodes(), int(params.Nodes))

	params.ProposerPolicy = consensus.ChainHash
	ls, err = New(params)
	require.NoError(t, err)
	require.IsType(t, &ChainHash{}, ls)

	params.ProposerPolicy = "dice"
	ls, err = New(params)
	require.EqualError(t, err, `unknown proposer policy "dice"`)
	require.Nil(t, ls)
}
