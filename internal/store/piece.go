package store

import (
	"crypto/sha1"

	"github.com/hxlm/swarmcore/pkg/bitfield"
)

// piece tracks one element of the piece sequence: its position in the
// backing buffer, its expected hash, and (while unverified) which blocks
// have been written since the last failed verification.
type piece struct {
	index         uint32
	offset        uint64
	size          uint32
	hash          [sha1.Size]byte
	numBlocks     uint32
	verified      bool
	blockProgress bitfield.Bitfield // nil iff verified
}

func newPiece(index uint32, offset uint64, size uint32, hash [sha1.Size]byte) *piece {
	nb := blockCount(size)

	return &piece{
		index:         index,
		offset:        offset,
		size:          size,
		hash:          hash,
		numBlocks:     nb,
		blockProgress: bitfield.New(int(nb)),
	}
}

// blockLength returns the byte length of block blockIdx within this piece.
func (p *piece) blockLength(blockIdx uint32) uint32 {
	_, length := blockBounds(p.size, blockIdx)
	return length
}

// complete reports whether every block has been written since the last
// failed verification.
func (p *piece) complete() bool {
	return p.blockProgress != nil && p.blockProgress.Count() == int(p.numBlocks)
}

// resetProgress clears all recorded block writes, used after a failed
// verification so the piece is requested again from scratch.
func (p *piece) resetProgress() {
	p.blockProgress = bitfield.New(int(p.numBlocks))
}
