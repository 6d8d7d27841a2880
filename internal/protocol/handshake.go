package protocol

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
	tailLen    = reservedN + sha1.Size + sha1.Size // reserved + info_hash + peer_id
)

// Handshake is the 68-byte exchange that opens every peer connection:
//
//	<pstrlen:1><pstr:pstrlen><reserved:8><info_hash:20><peer_id:20>
//
// It is always the first thing written and read on a freshly-dialed socket,
// and identifies both the torrent (info_hash) and the speaker (peer_id).
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake builds the canonical handshake for infoHash/peerID: the
// standard pstr and zeroed reserved bytes (no DHT/fast/extension flags).
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes h into its 1+pstrlen+48-byte wire form (68 bytes
// for the standard pstr).
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 1+len(h.Pstr)+tailLen)
	buf[0] = byte(len(h.Pstr))

	off := 1
	off += copy(buf[off:], h.Pstr)
	off += reservedN // left zero
	off += copy(buf[off:], h.InfoHash[:])
	copy(buf[off:], h.PeerID[:])

	return buf, nil
}

// UnmarshalBinary decodes a complete handshake frame already in hand (no
// further reads).
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	if len(b) < 1+pstrlen+tailLen {
		return ErrShortHandshake
	}

	return h.decodeFields(b[1:1+pstrlen], b[1+pstrlen:1+pstrlen+tailLen])
}

// decodeFields fills h from an already-validated pstr slice and a
// reserved+info_hash+peer_id tail of exactly tailLen bytes.
func (h *Handshake) decodeFields(pstr, tail []byte) error {
	copy(h.Reserved[:], tail[:reservedN])
	copy(h.InfoHash[:], tail[reservedN:reservedN+sha1.Size])
	copy(h.PeerID[:], tail[reservedN+sha1.Size:])
	h.Pstr = string(pstr)
	return nil
}

// WriteTo writes h's wire form to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom blocks until a complete handshake has been read from r.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(lenByte[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+tailLen)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(1 + len(rest)), ErrShortHandshake
		}
		return int64(1 + len(rest)), err
	}

	err := h.decodeFields(rest[:pstrlen], rest[pstrlen:])
	return int64(1 + len(rest)), err
}

// ReadHandshake reads and returns a full handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes h to rw, reads the remote side's handshake back, and
// optionally verifies both sides declare the same info_hash. It is the
// outbound half of the connection-opening handshake; the swarm loop calls
// it once per newly-dialed peer before switching the socket to
// non-blocking mode.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var peer Handshake
	if _, err := (&peer).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if peer.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && peer.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}

	return peer, nil
}
