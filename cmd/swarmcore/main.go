package main

import (
	"context"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/hxlm/swarmcore/internal/config"
	"github.com/hxlm/swarmcore/internal/logging"
	"github.com/hxlm/swarmcore/internal/metainfo"
	"github.com/hxlm/swarmcore/internal/store"
	"github.com/hxlm/swarmcore/internal/swarm"
	"github.com/hxlm/swarmcore/internal/tracker"
)

type cli struct {
	Torrent     string `arg:"" help:"Path to a .torrent file."`
	DownloadDir string `help:"Directory the content file is created in." default:""`
	ListenPort  uint16 `help:"TCP port advertised to the tracker." default:"6881"`
	Verbose     bool   `help:"Enable debug-level logging."`
}

func main() {
	var c cli
	kong.Parse(&c, kong.Description("swarmcore downloads a single-file torrent."))

	setupLogger(c.Verbose)

	if err := config.Init(); err != nil {
		slog.Error("config init failed", "error", err)
		os.Exit(1)
	}
	config.Update(func(cfg *config.Config) {
		if c.DownloadDir != "" {
			cfg.DownloadDir = c.DownloadDir
		}
		cfg.ListenPort = c.ListenPort
	})

	if err := run(c.Torrent); err != nil {
		slog.Error("swarmcore exited with error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))
}

func run(torrentPath string) error {
	log := slog.Default()

	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return err
	}

	mi, err := metainfo.ParseMetainfo(raw)
	if err != nil {
		return err
	}

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return err
	}
	contentPath := filepath.Join(cfg.DownloadDir, mi.Info.Name)

	st, err := store.Open(contentPath, uint64(mi.Info.Length), uint32(mi.Info.PieceLength), mi.Info.Pieces)
	if err != nil {
		return err
	}
	defer st.Close()

	sw, err := swarm.New(st, mi.InfoHash, cfg.ClientID, log)
	if err != nil {
		return err
	}
	defer sw.Close()

	var left uint64
	trk, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		Log: log,
		OnAnnounceStart: func() *tracker.AnnounceParams {
			if st.Complete() {
				left = 0
			} else {
				left = uint64(mi.Size())
			}

			return &tracker.AnnounceParams{
				InfoHash: mi.InfoHash,
				PeerID:   cfg.ClientID,
				Left:     left,
				NumWant:  cfg.NumWant,
				Port:     cfg.ListenPort,
			}
		},
		OnAnnounceSuccess: func(addrs []netip.AddrPort) {
			for _, addr := range addrs {
				if err := sw.Connect(addr, [20]byte{}); err != nil {
					log.Warn("peer connect failed", "addr", addr.String(), "error", err)
				}
			}
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return trk.Run(gctx) })
	g.Go(func() error { return sw.Run(gctx) })

	return g.Wait()
}
