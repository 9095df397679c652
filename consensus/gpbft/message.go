package gpbft

import (
	"fmt"

	"github.com/alphabill-org/gpbft/types"
)

// Kind of the GPBFT message, closed set.
type Kind uint8

const (
	KindPrePrepare Kind = iota
	KindPrepare
	KindCommit
	KindGroupSign
	KindTrace
	KindNewBlock
	KindTimeout

	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "pre_prepare"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindGroupSign:
		return "group_sign"
	case KindTrace:
		return "trace"
	case KindNewBlock:
		return "new_block"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

/*
Message is the payload of the events exchanged by GPBFT nodes. Block is set
for pre_prepare, prepare, commit and new_block messages, Trace only for the
trace message.
*/
type Message struct {
	_     struct{} `cbor:",toarray"`
	Kind  Kind
	Round uint64
	Block *types.Block
	Trace []byte
}

func (m *Message) GetRound() uint64 { return m.Round }

func (m *Message) String() string {
	return fmt.Sprintf("%s(round=%d, block=%s)", m.Kind, m.Round, m.Block.ID())
}

// carriesBlock returns true for message kinds which are invalid without a block.
func (k Kind) carriesBlock() bool {
	switch k {
	case KindPrePrepare, KindPrepare, KindCommit, KindNewBlock:
		return true
	default:
		return false
	}
}
