// Package swarm implements the single-threaded, epoll-driven event loop
// that owns the set of live peer connections and the piece store: it
// multiplexes peer sockets, decides what to request from whom, and
// announces newly completed pieces.
package swarm

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/hxlm/swarmcore/internal/config"
	"github.com/hxlm/swarmcore/internal/peer"
	"github.com/hxlm/swarmcore/internal/protocol"
	"github.com/hxlm/swarmcore/internal/store"
	"github.com/hxlm/swarmcore/pkg/bitfield"
	"github.com/hxlm/swarmcore/pkg/retry"
)

const maxPickAttempts = 20

// Selector picks the next (piece, block) request to issue to p, given want
// (pieces p has that the local store doesn't). It returns ok=false if no
// request should be issued this iteration. Swarm.Selector defaults to
// uniform-random selection; callers may substitute a rarest-first or other
// strategy without changing the loop itself, per the core's pluggable
// selection requirement.
type Selector func(st *store.Store, p *peer.Peer, want bitfield.Bitfield) (peer.Request, bool)

// Swarm owns the socket registry and the piece store for one torrent's
// download.
type Swarm struct {
	log *slog.Logger
	st  *store.Store

	infoHash    [sha1.Size]byte
	localPeerID [sha1.Size]byte

	epfd  int
	peers map[int]*peer.Peer

	// Selector chooses the next request for a peer during piece
	// selection. Replaceable by callers that want a non-uniform-random
	// strategy.
	Selector Selector

	downloadedTotal uint64
	uploadedTotal   uint64
}

// New returns a swarm loop ready to have peers added via Connect, backed by
// st and identified by infoHash/localPeerID during the handshake.
func New(st *store.Store, infoHash, localPeerID [sha1.Size]byte, log *slog.Logger) (*Swarm, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("swarm: epoll_create1: %w", err)
	}

	return &Swarm{
		log:         log.With("component", "swarm"),
		st:          st,
		infoHash:    infoHash,
		localPeerID: localPeerID,
		epfd:        epfd,
		peers:       make(map[int]*peer.Peer),
		Selector:    defaultSelector,
	}, nil
}

// Close releases the epoll instance and every live peer's socket.
func (s *Swarm) Close() error {
	for fd := range s.peers {
		_ = unix.Close(fd)
		delete(s.peers, fd)
	}
	return unix.Close(s.epfd)
}

// Connect dials addr, performs the fixed handshake, and registers the
// resulting peer with the loop. expectedPeerID, if non-zero, must match the
// handshake's remote peer id or the connection is aborted.
func (s *Swarm) Connect(addr netip.AddrPort, expectedPeerID [sha1.Size]byte) error {
	cfg := config.Load()

	var conn net.Conn
	err := retry.Do(context.Background(), func(ctx context.Context) error {
		c, dialErr := net.DialTimeout("tcp", addr.String(), cfg.DialTimeout)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	}, retry.WithMaxAttempts(3), retry.WithInitialDelay(200*time.Millisecond))
	if err != nil {
		return fmt.Errorf("swarm: dial %s: %w", addr, err)
	}

	local := protocol.NewHandshake(s.infoHash, s.localPeerID)
	remote, err := local.Exchange(conn, true)
	if err != nil {
		conn.Close()
		return fmt.Errorf("swarm: handshake %s: %w", addr, err)
	}
	if expectedPeerID != ([sha1.Size]byte{}) && remote.PeerID != expectedPeerID {
		conn.Close()
		return fmt.Errorf("swarm: peer id mismatch for %s", addr)
	}

	fd, err := detachFD(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("swarm: detach fd for %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("swarm: set nonblock for %s: %w", addr, err)
	}

	p := peer.New(addr, remote.PeerID, fd, s.st.NumPieces())
	p.SendBitfield(s.st)
	s.peers[fd] = p

	events := uint32(unix.EPOLLIN)
	if len(p.WriteBuffer) > 0 {
		events |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)}); err != nil {
		unix.Close(fd)
		delete(s.peers, fd)
		return fmt.Errorf("swarm: epoll register %s: %w", addr, err)
	}

	s.log.Info("peer connected", "addr", addr.String())
	return nil
}

// Run drives the swarm loop until every piece is verified, ctx is
// cancelled, or an unrecoverable error occurs.
func (s *Swarm) Run(ctx context.Context) error {
	cfg := config.Load()
	events := make([]unix.EpollEvent, 64)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.reapAndRearm()

		n, err := unix.EpollWait(s.epfd, events, int(cfg.PollTimeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("swarm: epoll_wait: %w", err)
		}

		s.service(events[:n], cfg)
		s.publishCompletions()

		if s.st.Complete() {
			s.log.Info("download complete")
			return nil
		}

		s.selectRequests()
	}
}

// reapAndRearm unregisters and closes every dead peer, folding its counters
// into the swarm's persistent totals, then updates the epoll registration of
// every live peer to reflect whether it currently has outbound bytes
// pending.
func (s *Swarm) reapAndRearm() {
	for fd, p := range s.peers {
		if p.Dead {
			unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			unix.Close(fd)
			s.downloadedTotal += p.Downloaded
			s.uploadedTotal += p.Uploaded
			delete(s.peers, fd)
			s.log.Debug("peer reaped", "addr", p.Addr.String())
			continue
		}

		events := uint32(unix.EPOLLIN)
		if len(p.WriteBuffer) > 0 {
			events |= unix.EPOLLOUT
		}
		unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd)})
	}
}

// service handles every ready fd from the most recent epoll_wait call:
// reads from READ-ready peers and feeds their framer, writes as many
// pending outbound bytes as accepted to WRITE-ready peers.
func (s *Swarm) service(ready []unix.EpollEvent, cfg *config.Config) {
	buf := make([]byte, cfg.ReadBufferSize)

	for _, ev := range ready {
		p, ok := s.peers[int(ev.Fd)]
		if !ok || p.Dead {
			continue
		}

		if ev.Events&unix.EPOLLIN != 0 {
			n, err := unix.Read(int(ev.Fd), buf)
			switch {
			case err != nil && !errors.Is(err, unix.EAGAIN):
				p.Dead = true
			case n == 0:
				p.Dead = true
			case n > 0:
				p.Downloaded += uint64(n)
				p.Feed(buf[:n], s.st)
			}
		}

		if !p.Dead && ev.Events&unix.EPOLLOUT != 0 && len(p.WriteBuffer) > 0 {
			n, err := unix.Write(int(ev.Fd), p.WriteBuffer)
			switch {
			case err != nil && !errors.Is(err, unix.EAGAIN):
				p.Dead = true
			case n == 0:
				p.Dead = true
			case n > 0:
				p.Uploaded += uint64(n)
				p.WriteBuffer = p.WriteBuffer[n:]
			}
		}
	}
}

// publishCompletions drains every peer's completed_requests, collects the
// set of piece indices that are now verified, and announces a have for each
// to every live peer, including the one that supplied the block.
func (s *Swarm) publishCompletions() {
	newHaves := make(map[uint32]struct{})

	for _, p := range s.peers {
		for _, req := range p.CompletedRequests {
			if verified, err := s.st.Verified(req.PieceIndex); err == nil && verified {
				newHaves[req.PieceIndex] = struct{}{}
			}
		}
		p.CompletedRequests = p.CompletedRequests[:0]
	}

	if len(newHaves) == 0 {
		return
	}

	for _, p := range s.peers {
		for index := range newHaves {
			p.SendHave(index)
		}
	}
}

// selectRequests marks us interested in every live peer that has something
// we want and, for each such peer that is not choking us and whose outbound
// queue is not full, issues the request s.Selector picks (defaultSelector
// unless replaced).
func (s *Swarm) selectRequests() {
	ourBitfield := s.st.Bitfield()

	for _, p := range s.peers {
		want := p.PeerHas.AndNot(ourBitfield)
		if !want.Any() {
			continue
		}

		p.Interested()
		if p.PeerChoking {
			continue
		}
		if p.OutboundRequestsFull() {
			continue
		}

		req, ok := s.Selector(s.st, p, want)
		if !ok {
			continue
		}

		p.Request(req)
	}
}

// defaultSelector re-picks a (piece, block) candidate up to maxPickAttempts
// times, skipping candidates already outstanding against p, and gives up on
// this peer for the current iteration if none is found — the bounded retry
// the original's unbounded loop condition should have had. It chooses
// uniform-random across wanted pieces and, within a piece, uniform-random
// across missing blocks; it is the Selector New() installs by default.
func defaultSelector(st *store.Store, p *peer.Peer, want bitfield.Bitfield) (peer.Request, bool) {
	for attempt := 0; attempt < maxPickAttempts; attempt++ {
		pieceIdx := want.RandomSet()
		if pieceIdx < 0 {
			return peer.Request{}, false
		}

		missing, err := st.MissingBlocks(uint32(pieceIdx))
		if err != nil || !missing.Any() {
			continue
		}
		blockIdx := missing.RandomSet()
		if blockIdx < 0 {
			continue
		}

		length, err := st.BlockLength(uint32(pieceIdx), uint32(blockIdx))
		if err != nil {
			continue
		}

		req := peer.Request{
			PieceIndex: uint32(pieceIdx),
			Begin:      uint32(blockIdx) * store.BlockSize,
			Length:     length,
		}
		if p.HasOutboundRequest(req) {
			continue
		}

		return req, true
	}

	return peer.Request{}, false
}

// detachFD extracts the raw file descriptor from conn and hands ownership
// of it to the caller; conn itself must not be used (or closed) afterward.
func detachFD(conn net.Conn) (int, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, fmt.Errorf("swarm: not a TCP connection: %T", conn)
	}

	raw, err := tcp.SyscallConn()
	if err != nil {
		return 0, err
	}

	var (
		fd     int
		ctlErr error
	)
	err = raw.Control(func(rawFD uintptr) {
		fd, ctlErr = unix.Dup(int(rawFD))
	})
	if err != nil {
		return 0, err
	}
	if ctlErr != nil {
		return 0, ctlErr
	}

	tcp.Close()
	return fd, nil
}
