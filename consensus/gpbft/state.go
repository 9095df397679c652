package gpbft

import (
	"fmt"
	"log/slog"

	"github.com/bits-and-blooms/bitset"

	"github.com/alphabill-org/gpbft/consensus"
	"github.com/alphabill-org/gpbft/event"
	"github.com/alphabill-org/gpbft/logger"
	"github.com/alphabill-org/gpbft/types"
)

type Phase uint8

const (
	// PhaseNone is the phase of the freshly (re)initialized state, until the
	// node starts a round or enters round change.
	PhaseNone Phase = iota
	PhaseNewRound
	PhasePrePrepared
	PhasePrepared
	PhaseRoundChange
	// overlay phases
	PhaseGroupSigned
	PhaseTraced
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseNewRound:
		return "new_round"
	case PhasePrePrepared:
		return "pre_prepared"
	case PhasePrepared:
		return "prepared"
	case PhaseRoundChange:
		return "round_change"
	case PhaseGroupSigned:
		return "group_signed"
	case PhaseTraced:
		return "traced"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

type voteKind uint8

const (
	votePrepare voteKind = iota
	voteCommit
	voteGroupSignature

	voteKindCount
)

func (k voteKind) String() string {
	switch k {
	case votePrepare:
		return "prepare"
	case voteCommit:
		return "commit"
	case voteGroupSignature:
		return "group_signature"
	default:
		return fmt.Sprintf("voteKind(%d)", uint8(k))
	}
}

/*
ConsensusState is the GPBFT state of a single node.
*/
type ConsensusState struct {
	Round    uint64
	Phase    Phase
	Proposer types.NodeID
	// block under agreement, private copy of the block received
	Block *types.Block
	// voters in the order votes were received, per vote kind
	Votes [voteKindCount][]types.NodeID
	// the single outstanding timeout event, nil when none has been armed
	Timeout *event.Event
	// evidence recorded by the trace message
	Trace []byte

	// voters seen, used only when votes are deduplicated
	seen [voteKindCount]*bitset.BitSet
	node consensus.Node
	log  *slog.Logger
}

func newState(n consensus.Node, nodeCount uint64, log *slog.Logger) *ConsensusState {
	st := &ConsensusState{node: n}
	for i := range st.seen {
		st.seen[i] = bitset.New(uint(nodeCount))
	}
	st.log = slog.New(logger.NewRoundHandler(log.Handler(), func() uint64 { return st.Round })).With(logger.NodeID(n.ID()))
	return st
}

/*
addVote records vote of the "voter" and returns the number of votes of the
kind. When "dedup" is true repeated votes of the same voter are ignored.
*/
func (st *ConsensusState) addVote(kind voteKind, voter types.NodeID, dedup bool) int {
	if dedup {
		if st.seen[kind].Test(uint(voter)) {
			return len(st.Votes[kind])
		}
		st.seen[kind].Set(uint(voter))
	}
	st.Votes[kind] = append(st.Votes[kind], voter)
	return len(st.Votes[kind])
}

func (st *ConsensusState) clearVotes() {
	for i := range st.Votes {
		st.Votes[i] = nil
		st.seen[i].ClearAll()
	}
}

func (st *ConsensusState) votesString() string {
	return fmt.Sprintf("{%s: %v, %s: %v, %s: %v}",
		votePrepare, st.Votes[votePrepare],
		voteCommit, st.Votes[voteCommit],
		voteGroupSignature, st.Votes[voteGroupSignature])
}
