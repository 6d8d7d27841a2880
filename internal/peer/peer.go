// Package peer models a single live connection as a pure state machine:
// protocol flags, pending request queues, and an outbound write buffer, all
// mutated synchronously by whatever owns the connection's socket. It runs no
// goroutines of its own — the swarm loop is the sole caller.
package peer

import (
	"errors"
	"net/netip"

	"github.com/hxlm/swarmcore/internal/protocol"
	"github.com/hxlm/swarmcore/pkg/bitfield"
)

const (
	maxInboundRequests  = 512
	maxOutboundRequests = 20
)

var errUnsolicitedOrBadRequest = errors.New("peer: protocol violation")

// Request is the (piece_index, begin, length) triple exchanged via the
// request/piece/cancel messages.
type Request struct {
	PieceIndex uint32
	Begin      uint32
	Length     uint32
}

// Store is the subset of the piece store's behavior peer message handling
// needs. Kept narrow so this package doesn't import internal/store directly.
type Store interface {
	Verified(index uint32) (bool, error)
	StoreBlock(index, begin uint32, block []byte) error
	ReadBlock(index, begin, length uint32) ([]byte, error)
	NumPieces() uint32
	Bitfield() bitfield.Bitfield
}

// Peer is one live connection's protocol state.
type Peer struct {
	Addr         netip.AddrPort
	RemotePeerID [20]byte
	FD           int

	Downloaded uint64
	Uploaded   uint64

	Framer      *protocol.Framer
	WriteBuffer []byte
	Dead        bool

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	PeerHas bitfield.Bitfield

	InboundRequests   []Request
	OutboundRequests  []Request
	CompletedRequests []Request
}

// New returns a freshly-handshaken peer ready to enter the swarm loop.
// Initial protocol state is peer_choking=true, am_choking=true,
// peer_interested=false, am_interested=false, per the data model.
func New(addr netip.AddrPort, remotePeerID [20]byte, fd int, numPieces uint32) *Peer {
	return &Peer{
		Addr:         addr,
		RemotePeerID: remotePeerID,
		FD:           fd,
		Framer:       protocol.NewFramer(),
		AmChoking:    true,
		PeerChoking:  true,
		PeerHas:      bitfield.New(int(numPieces)),
	}
}

// Feed appends newly-read socket bytes and dispatches every complete
// message they produce, in arrival order, mutating p and st as needed. A
// malformed frame or protocol violation marks the peer dead and stops
// processing the remainder of the buffer.
func (p *Peer) Feed(data []byte, st Store) {
	p.Framer.Feed(data)

	for {
		msg, ok, err := p.Framer.Next()
		if err != nil {
			p.Dead = true
			return
		}
		if !ok {
			return
		}

		if err := p.handle(msg, st); err != nil {
			p.Dead = true
			return
		}
	}
}

func (p *Peer) handle(msg *protocol.Message, st Store) error {
	if protocol.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case protocol.Choke:
		p.PeerChoking = true
	case protocol.Unchoke:
		p.PeerChoking = false
	case protocol.Interested:
		p.PeerInterested = true
	case protocol.NotInterested:
		p.PeerInterested = false

	case protocol.Have:
		index, ok := msg.ParseHave()
		if !ok || index >= st.NumPieces() {
			return errUnsolicitedOrBadRequest
		}
		p.PeerHas.Set(int(index))

	case protocol.Bitfield:
		want := int((st.NumPieces() + 7) / 8)
		if len(msg.Payload) != want {
			return errUnsolicitedOrBadRequest
		}
		p.PeerHas = bitfield.FromBytes(msg.Payload)

	case protocol.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			return errUnsolicitedOrBadRequest
		}

		verified, err := st.Verified(index)
		if err != nil || !verified || p.AmChoking || len(p.InboundRequests) > maxInboundRequests {
			return errUnsolicitedOrBadRequest
		}

		p.InboundRequests = append(p.InboundRequests, Request{index, begin, length})

	case protocol.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			return errUnsolicitedOrBadRequest
		}

		req := Request{index, begin, uint32(len(block))}
		at := indexOfRequest(p.OutboundRequests, req)
		if at < 0 {
			return errUnsolicitedOrBadRequest
		}
		p.OutboundRequests = removeRequestAt(p.OutboundRequests, at)

		verified, err := st.Verified(index)
		if err != nil {
			return errUnsolicitedOrBadRequest
		}
		if verified {
			// Already complete; a late or duplicate block is not misbehavior.
			return nil
		}

		if err := st.StoreBlock(index, begin, block); err != nil {
			return errUnsolicitedOrBadRequest
		}
		p.CompletedRequests = append(p.CompletedRequests, req)

	case protocol.Cancel:
		index, begin, length, ok := msg.ParseCancel()
		if !ok {
			return errUnsolicitedOrBadRequest
		}

		req := Request{index, begin, length}
		at := indexOfRequest(p.InboundRequests, req)
		if at < 0 {
			return errUnsolicitedOrBadRequest
		}
		p.InboundRequests = removeRequestAt(p.InboundRequests, at)

	default:
		return errUnsolicitedOrBadRequest
	}

	return nil
}

// --- outbound API (section 4.2.3) ---

// SendKeepAlive appends a keep-alive frame.
func (p *Peer) SendKeepAlive() {
	p.enqueue(nil)
}

// Choke emits a choke message and sets am_choking, unless already choking.
func (p *Peer) Choke() {
	if p.AmChoking {
		return
	}
	p.AmChoking = true
	p.enqueue(protocol.MessageChoke())
}

// Unchoke emits an unchoke message and clears am_choking, unless already
// unchoked.
func (p *Peer) Unchoke() {
	if !p.AmChoking {
		return
	}
	p.AmChoking = false
	p.enqueue(protocol.MessageUnchoke())
}

// Interested emits an interested message and sets am_interested, unless
// already interested.
func (p *Peer) Interested() {
	if p.AmInterested {
		return
	}
	p.AmInterested = true
	p.enqueue(protocol.MessageInterested())
}

// NotInterested emits a not-interested message and clears am_interested,
// unless already not interested.
func (p *Peer) NotInterested() {
	if !p.AmInterested {
		return
	}
	p.AmInterested = false
	p.enqueue(protocol.MessageNotInterested())
}

// SendHave announces that piece index is now locally verified. Callers must
// only invoke this for verified pieces.
func (p *Peer) SendHave(index uint32) {
	p.enqueue(protocol.MessageHave(index))
}

// SendBitfield emits st's current bitfield snapshot.
func (p *Peer) SendBitfield(st Store) {
	p.enqueue(protocol.MessageBitfield(st.Bitfield().Bytes()))
}

// Request appends req to outbound_requests and emits a request message.
func (p *Peer) Request(req Request) {
	p.OutboundRequests = append(p.OutboundRequests, req)
	p.enqueue(protocol.MessageRequest(req.PieceIndex, req.Begin, req.Length))
}

// SendBlock reads req's block from st (which must be verified) and emits a
// piece message carrying it.
func (p *Peer) SendBlock(req Request, st Store) error {
	block, err := st.ReadBlock(req.PieceIndex, req.Begin, req.Length)
	if err != nil {
		return err
	}
	p.enqueue(protocol.MessagePiece(req.PieceIndex, req.Begin, block))
	return nil
}

// SendCancel emits a cancel message for req.
func (p *Peer) SendCancel(req Request) {
	p.enqueue(protocol.MessageCancel(req.PieceIndex, req.Begin, req.Length))
}

// HasOutboundRequest reports whether req is already outstanding, used by the
// swarm loop's piece selection to avoid issuing duplicate requests.
func (p *Peer) HasOutboundRequest(req Request) bool {
	return indexOfRequest(p.OutboundRequests, req) >= 0
}

// OutboundRequestsFull reports whether p already has more than the allowed
// number of outstanding outbound requests, per the swarm loop's piece
// selection step.
func (p *Peer) OutboundRequestsFull() bool {
	return len(p.OutboundRequests) > maxOutboundRequests
}

func (p *Peer) enqueue(msg *protocol.Message) {
	b, err := msg.MarshalBinary()
	if err != nil {
		p.Dead = true
		return
	}
	p.WriteBuffer = append(p.WriteBuffer, b...)
}

func indexOfRequest(reqs []Request, r Request) int {
	for i, q := range reqs {
		if q == r {
			return i
		}
	}
	return -1
}

func removeRequestAt(reqs []Request, i int) []Request {
	return append(reqs[:i], reqs[i+1:]...)
}
