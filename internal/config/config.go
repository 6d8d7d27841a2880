// Package config holds process-wide tunables behind an atomic singleton, so
// every component reads a consistent snapshot without threading a Config
// value through every call.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// Config defines behavior and resource limits for a download.
type Config struct {
	// ========== Identity / Paths ==========

	// DownloadDir is the directory new torrents' content files are created
	// in.
	DownloadDir string

	// ClientID is this client's 20-byte peer id, sent in every handshake.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// ReadTimeout is a per-read timeout for peer sockets. Nothing in
	// swarmcore reads this field: the swarm loop reads only after epoll
	// reports readiness and does not reap idle peers.
	ReadTimeout time.Duration

	// WriteTimeout is a per-write timeout for peer sockets. Nothing in
	// swarmcore reads this field.
	WriteTimeout time.Duration

	// DialTimeout bounds establishing a new TCP connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is a cap on concurrent peer connections. Nothing in
	// swarmcore reads this field; Swarm.Connect does not limit the number
	// of peers.
	MaxPeers int

	// ListenPort is the TCP port advertised to the tracker in every
	// announce. swarmcore opens no listening socket, so incoming peer
	// connections are not accepted.
	ListenPort uint16

	// PollTimeout bounds a single readiness-selector poll in the swarm
	// loop, so idle loops still make progress (keepalive, re-announce).
	PollTimeout time.Duration

	// ReadBufferSize is how many bytes the swarm loop reads from a
	// READ-ready socket per event.
	ReadBufferSize int

	// KeepAliveInterval is an idle interval for outbound keep-alives.
	// Nothing in swarmcore reads this field; the swarm loop sends no
	// periodic keep-alives.
	KeepAliveInterval time.Duration

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per tracker announce.
	NumWant uint32

	// AnnounceInterval overrides the tracker's suggested interval; 0 uses
	// the tracker's own value.
	AnnounceInterval time.Duration

	// MinAnnounceInterval enforces a floor between announces.
	MinAnnounceInterval time.Duration

	// MaxAnnounceBackoff caps exponential backoff after failed announces.
	MaxAnnounceBackoff time.Duration

	// ========== Piece Store / Requests ==========

	// MaxInboundRequestsPerPeer mirrors the inbound request queue cap.
	// Nothing reads this field: internal/peer enforces its own fixed limit
	// of 512 (a request arriving while more than 512 are queued kills the
	// peer), whatever this field holds.
	MaxInboundRequestsPerPeer int

	// MaxOutboundRequestsPerPeer mirrors the outbound request queue cap.
	// Nothing reads this field: internal/peer uses its own fixed limit of
	// 20 (Peer.OutboundRequestsFull reports true above 20), whatever this
	// field holds.
	MaxOutboundRequestsPerPeer int
}

var current atomic.Value

// Init installs process defaults as the active config. It must be called
// once before Load.
func Init() error {
	c, err := defaultConfig()
	if err != nil {
		return err
	}

	current.Store(&c)
	return nil
}

// Load returns the active config. Treat the result as read-only.
func Load() *Config {
	return current.Load().(*Config)
}

// Update applies mut to a copy of the active config and installs the result
// atomically, returning the new value.
func Update(mut func(*Config)) *Config {
	next := *Load()
	mut(&next)
	current.Store(&next)
	return &next
}

// Swap installs next as the active config atomically.
func Swap(next Config) *Config {
	current.Store(&next)
	return &next
}

func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DownloadDir:                defaultDownloadDir(),
		ClientID:                   clientID,
		ReadTimeout:                30 * time.Second,
		WriteTimeout:               30 * time.Second,
		DialTimeout:                7 * time.Second,
		MaxPeers:                   50,
		ListenPort:                 6881,
		PollTimeout:                2 * time.Second,
		ReadBufferSize:             4096,
		KeepAliveInterval:          90 * time.Second,
		NumWant:                    50,
		AnnounceInterval:           0,
		MinAnnounceInterval:        20 * time.Minute,
		MaxAnnounceBackoff:         45 * time.Minute,
		MaxInboundRequestsPerPeer:  512,
		MaxOutboundRequestsPerPeer: 20,
	}, nil
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch runtime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "swarmcore")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "swarmcore", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	const alnum = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	prefix := []byte("-SW0000-")
	copy(peerID[:], prefix)

	tail := peerID[len(prefix):]
	if _, err := rand.Read(tail); err != nil {
		return [sha1.Size]byte{}, err
	}
	for i, b := range tail {
		tail[i] = alnum[int(b)%len(alnum)]
	}

	return peerID, nil
}
