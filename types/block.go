package types

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

var (
	errBlockIsNil    = errors.New("block is nil")
	errPrevHashIsNil = errors.New("previous block hash is nil")
)

// detEncMode produces the canonical encoding block hashes are computed over.
var detEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("creating deterministic CBOR encoder: %w", err))
	}
	return em
}()

type (
	// NodeID identifies validator in the simulated network. Identifiers are
	// assigned sequentially starting from zero.
	NodeID uint64

	Block struct {
		_            struct{} `cbor:",toarray"`
		Depth        uint64
		PreviousHash []byte
		Proposer     NodeID
		Round        uint64
		TimeCreated  float64
		Transactions []Transaction
		Size         uint64
		// simulated time the block was appended to the local chain, not
		// part of the block hash
		TimeAdded float64
	}

	header struct {
		_            struct{} `cbor:",toarray"`
		Depth        uint64
		PreviousHash []byte
		Proposer     NodeID
		Round        uint64
		TimeCreated  float64
		Transactions []Transaction
		Size         uint64
	}
)

// Genesis returns the block every simulated chain starts from.
func Genesis() *Block {
	return &Block{PreviousHash: make([]byte, sha256.Size), Transactions: []Transaction{}}
}

// Hash returns SHA-256 of the canonical CBOR encoding of the block fields
// validators agree on.
func (b *Block) Hash() []byte {
	if b == nil {
		return nil
	}
	data, err := detEncMode.Marshal(header{
		Depth:        b.Depth,
		PreviousHash: b.PreviousHash,
		Proposer:     b.Proposer,
		Round:        b.Round,
		TimeCreated:  b.TimeCreated,
		Transactions: b.Transactions,
		Size:         b.Size,
	})
	if err != nil {
		// all the fields are plain values, encoding can't fail
		panic(fmt.Errorf("encoding block header: %w", err))
	}
	h := sha256.Sum256(data)
	return h[:]
}

// ID is a short printable block identifier.
func (b *Block) ID() string {
	if b == nil {
		return "-1"
	}
	return fmt.Sprintf("%X", b.Hash()[:4])
}

func (b *Block) GetDepth() uint64 {
	if b == nil {
		return 0
	}
	return b.Depth
}

func (b *Block) GetRound() uint64 {
	if b == nil {
		return 0
	}
	return b.Round
}

/*
Clone returns deep copy of the block. Stored consensus state must never alias
the block carried by an event as the same payload is delivered to every
receiver of the broadcast.
*/
func (b *Block) Clone() *Block {
	if b == nil {
		return nil
	}
	c := *b
	c.PreviousHash = slices.Clone(b.PreviousHash)
	c.Transactions = slices.Clone(b.Transactions)
	return &c
}

func (b *Block) IsValid() error {
	if b == nil {
		return errBlockIsNil
	}
	if b.PreviousHash == nil {
		return errPrevHashIsNil
	}
	return nil
}

func (id NodeID) String() string {
	return fmt.Sprintf("%d", uint64(id))
}
