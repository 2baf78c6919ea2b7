package ledger

import (
	"crypto/sha256"

	"github.com/blockberries/cramberry/pkg/cramberry"
)

// Domain prefix for state hashes. The version suffix leaves room for
// an algorithm migration without ambiguity against old blocks.
const domainState = "anchorsync/state/v1"

// HashSize is the length of state and chain hashes.
const HashSize = sha256.Size

// ZeroHash is the prev_hash sentinel carried by the first block of a
// chain.
var ZeroHash = make([]byte, HashSize)

// Block is the persisted ledger record. Immutable once written;
// blocks are never updated or deleted.
type Block struct {
	Timestamp int64  `cramberry:"1"`
	PrevHash  []byte `cramberry:"2"`
	StateHash []byte `cramberry:"3"`
	Signature []byte `cramberry:"4"`
}

// EncodeBlock serializes a block record for storage.
func EncodeBlock(b Block) ([]byte, error) {
	data, err := cramberry.Marshal(&b)
	if err != nil {
		return nil, &SerializationError{Op: "encode block", Err: err}
	}
	return data, nil
}

// DecodeBlock deserializes a stored block record.
func DecodeBlock(data []byte) (Block, error) {
	var b Block
	if err := cramberry.Unmarshal(data, &b); err != nil {
		return Block{}, &SerializationError{Op: "decode block", Err: err}
	}
	return b, nil
}

// StateHash computes the domain-separated content hash of a state
// snapshot. Format: SHA256(domain || 0x00 || snapshot). The null
// separator prevents domain/data boundary ambiguity.
func StateHash(snapshot []byte) []byte {
	h := sha256.New()
	h.Write([]byte(domainState))
	h.Write([]byte{0x00})
	h.Write(snapshot)
	return h.Sum(nil)
}
