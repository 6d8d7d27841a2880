// Package store implements the piece store: a memory-mapped content buffer
// with block-granularity writes, SHA-1 verification, and a bitfield view of
// locally-complete pieces.
package store

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"

	"github.com/hxlm/swarmcore/pkg/bitfield"
)

var (
	ErrPieceIndexOutOfRange = errors.New("store: piece index out of range")
	ErrPieceVerified        = errors.New("store: piece already verified")
	ErrPieceNotVerified     = errors.New("store: piece not verified")
	ErrMisalignedBlock      = errors.New("store: begin not block-aligned")
	ErrBadBlockLength       = errors.New("store: block length mismatch")
	ErrOutOfBounds          = errors.New("store: read past piece bounds")
	ErrBadHashes            = errors.New("store: wrong number of piece hashes")
)

// Store owns the backing content buffer for a single-file torrent and the
// per-piece verification state layered over it.
type Store struct {
	mu sync.RWMutex

	buf      backing
	fileSize uint64
	pieceLen uint32
	pieces   []*piece
}

// Open creates or opens filename, truncates it to filesize, and constructs
// the piece sequence described by pieceHashes (one 20-byte SHA-1 digest per
// piece, in piece order).
func Open(filename string, filesize uint64, pieceLen uint32, pieceHashes [][sha1.Size]byte) (*Store, error) {
	want := pieceCount(filesize, pieceLen)
	if uint32(len(pieceHashes)) != want {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadHashes, len(pieceHashes), want)
	}

	buf, err := openBacking(filename, int64(filesize))
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filename, err)
	}

	pieces := make([]*piece, want)
	var offset uint64
	for i := uint32(0); i < want; i++ {
		size := pieceLengthAt(i, filesize, pieceLen)
		pieces[i] = newPiece(i, offset, size, pieceHashes[i])
		offset += uint64(size)
	}

	return &Store{
		buf:      buf,
		fileSize: filesize,
		pieceLen: pieceLen,
		pieces:   pieces,
	}, nil
}

// Close releases the backing buffer.
func (s *Store) Close() error {
	return s.buf.Close()
}

// NumPieces returns the number of pieces in the store.
func (s *Store) NumPieces() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return uint32(len(s.pieces))
}

// PieceSize returns the byte length of piece index.
func (s *Store) PieceSize(index uint32) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return 0, err
	}

	return p.size, nil
}

// BlockLength returns the byte length of block blockIdx within piece index.
func (s *Store) BlockLength(index, blockIdx uint32) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return 0, err
	}

	return p.blockLength(blockIdx), nil
}

// Verified reports whether piece index has been verified.
func (s *Store) Verified(index uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return false, err
	}

	return p.verified, nil
}

// Complete reports whether every piece in the store has been verified.
func (s *Store) Complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.pieces {
		if !p.verified {
			return false
		}
	}

	return true
}

// StoreBlock writes block_bytes at the given piece/begin offset, records the
// block as written, and verifies the piece once every block has arrived.
//
// Preconditions, per the piece store's construction: the piece exists, it is
// not already verified, begin is block-aligned, and len(blockBytes) matches
// the declared length of that block index.
func (s *Store) StoreBlock(index, begin uint32, blockBytes []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.piece(index)
	if err != nil {
		return err
	}
	if p.verified {
		return ErrPieceVerified
	}
	if begin%BlockSize != 0 {
		return ErrMisalignedBlock
	}

	blockIdx := blockIndexForBegin(begin)
	want := p.blockLength(blockIdx)
	if uint32(len(blockBytes)) != want {
		return fmt.Errorf("%w: got %d, want %d", ErrBadBlockLength, len(blockBytes), want)
	}

	if _, err := s.buf.WriteAt(blockBytes, int64(p.offset)+int64(begin)); err != nil {
		return fmt.Errorf("store: write block: %w", err)
	}
	p.blockProgress.Set(int(blockIdx))

	if p.complete() {
		s.verifyLocked(p)
	}

	return nil
}

// verifyLocked computes the SHA-1 of p's byte range and compares it against
// the piece's expected hash. Callers must hold s.mu for writing.
func (s *Store) verifyLocked(p *piece) {
	region := make([]byte, p.size)
	if _, err := s.buf.ReadAt(region, int64(p.offset)); err != nil {
		p.resetProgress()
		return
	}

	sum := sha1.Sum(region)
	if sum != p.hash {
		p.resetProgress()
		return
	}

	p.verified = true
	p.blockProgress = nil

	// Best-effort flush; a failure here is non-fatal and silently ignored,
	// per the store's verification failure policy.
	_ = s.buf.Sync()
}

// ReadBlock returns a copy of length bytes at begin within piece index. The
// piece must already be verified.
func (s *Store) ReadBlock(index, begin, length uint32) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return nil, err
	}
	if !p.verified {
		return nil, ErrPieceNotVerified
	}
	if uint64(begin)+uint64(length) > uint64(p.size) {
		return nil, ErrOutOfBounds
	}

	out := make([]byte, length)
	if _, err := s.buf.ReadAt(out, int64(p.offset)+int64(begin)); err != nil {
		return nil, fmt.Errorf("store: read block: %w", err)
	}

	return out, nil
}

// BlockCount returns the number of blocks piece index is divided into.
func (s *Store) BlockCount(index uint32) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return 0, err
	}

	return p.numBlocks, nil
}

// MissingBlocks returns a bitfield, one bit per block of piece index, with a
// bit set iff that block has not yet been written. A verified piece reports
// no missing blocks.
func (s *Store) MissingBlocks(index uint32) (bitfield.Bitfield, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.piece(index)
	if err != nil {
		return nil, err
	}
	if p.verified {
		return bitfield.New(int(p.numBlocks)), nil
	}

	all := bitfield.New(int(p.numBlocks))
	for i := 0; i < int(p.numBlocks); i++ {
		all.Set(i)
	}

	return all.AndNot(p.blockProgress), nil
}

// Bitfield returns a byte-packed snapshot of which pieces are verified,
// padded to a whole number of bytes with zero trailing bits.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bf := bitfield.New(len(s.pieces))
	for i, p := range s.pieces {
		if p.verified {
			bf.Set(i)
		}
	}

	return bf
}

// piece returns the piece at index, validating bounds. Callers must hold
// s.mu.
func (s *Store) piece(index uint32) (*piece, error) {
	if index >= uint32(len(s.pieces)) {
		return nil, ErrPieceIndexOutOfRange
	}

	return s.pieces[index], nil
}
