package app

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/admission"
	"github.com/petervdpas/hostline/internal/call"
	"github.com/petervdpas/hostline/internal/callchan"
	"github.com/petervdpas/hostline/internal/config"
	"github.com/petervdpas/hostline/internal/lobby"
	"github.com/petervdpas/hostline/internal/media"
	"github.com/petervdpas/hostline/internal/p2p"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/token"
	"github.com/petervdpas/hostline/internal/util"
	"github.com/petervdpas/hostline/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// setupLogging raises the go-log level and mirrors every line into a ring
// buffer served by the viewer.
func setupLogging(ctx context.Context, debug bool) *viewer.LogBuffer {
	level, name := logging.LevelInfo, "info"
	if debug {
		level, name = logging.LevelDebug, "debug"
	}
	for _, sub := range []string{"app", "p2p", "mq", "lobby", "callchan", "media", "call", "gate", "storage", "pgstore", "viewer"} {
		_ = logging.SetLogLevel(sub, name)
	}
	buf := viewer.NewLogBuffer(800)
	buf.Capture(ctx, nil, level)
	return buf
}

// RunPeer runs one participant until ctx is done.
func RunPeer(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logs := setupLogging(ctx, cfg.Viewer.Debug)
	logBanner("peer ("+cfg.Identity.Role+")", opt.Dir, opt.CfgPath)

	clk := clock.New()
	role := cfg.Identity.Role

	node, err := p2p.New(ctx, p2p.Options{
		ListenPort: cfg.P2P.ListenPort,
		KeyFile:    util.ResolvePath(opt.Dir, cfg.Identity.KeyFile),
		MdnsTag:    cfg.P2P.MdnsTag,
		Bootstrap:  cfg.P2P.Bootstrap,
	})
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}
	defer node.Close()
	self := node.ID()
	log.Infof("peer id: %s", self)

	gate := admission.NewClient(cfg.Gate.URL, nil)

	// The mesh authenticates by key; the messaging credential is still
	// fetched so a revoked identity cannot join.
	tctx, cancel := context.WithTimeout(ctx, util.DefaultFetchTimeout)
	msgToken, err := gate.Token(tctx, token.KindMessaging, self, "")
	cancel()
	if err != nil {
		return fmt.Errorf("messaging token: %w", err)
	}
	if err := node.Login(ctx, self, msgToken); err != nil {
		return err
	}

	store := presence.NewStore(clk)
	lob := lobby.New(node, store, lobby.Options{
		Channel:           cfg.Lobby.Channel,
		Role:              role,
		ReconcileInterval: cfg.Lobby.ReconcileInterval(),
		Clock:             clk,
	})
	if err := lob.Join(ctx); err != nil {
		return fmt.Errorf("join lobby: %w", err)
	}
	defer func() {
		lctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		if err := lob.Leave(lctx); err != nil {
			log.Warnf("leave lobby: %v", err)
		}
	}()

	sig := callchan.New(node, callchan.Options{
		DisplayName: cfg.Identity.DisplayName,
		Clock:       clk,
		ChatMirror:  util.NewRingBuffer[proto.ChatMessage](200),
	})

	pion, err := media.NewPionTransport(sig, media.PionConfig{
		ICEServers:      cfg.Media.ICEServers,
		IncludeLoopback: cfg.Media.IncludeLoopback,
	})
	if err != nil {
		return fmt.Errorf("media transport: %w", err)
	}
	var source media.Source
	if role != config.RoleObserver {
		ds, err := media.NewDeviceSource()
		if err != nil {
			return fmt.Errorf("capture devices: %w", err)
		}
		source = ds
	}

	// The media hooks point at the orchestrator, which needs the media
	// manager to exist first.
	var orch atomic.Pointer[call.Manager]
	med := media.NewManager(media.Options{
		Role:           role,
		AppID:          cfg.Media.AppID,
		Source:         source,
		Transport:      pion,
		Clock:          clk,
		InCallDebounce: cfg.Media.InCallDebounce(),
		RoleOf:         sig.RoleOf,
		OnInCall: func() {
			if m := orch.Load(); m != nil {
				m.HostMediaLive()
			}
		},
		OnVanished: func() {
			if m := orch.Load(); m != nil {
				m.CounterpartVanished()
			}
		},
	})
	defer med.Close()

	calls := call.New(call.Options{
		Identity:       self,
		Role:           role,
		Presence:       store,
		Admission:      gate,
		Tokens:         gate,
		Signaling:      sig,
		Media:          med,
		Lobby:          lob,
		Clock:          clk,
		SetupTimeout:   cfg.Call.SetupTimeout(),
		MaxCandidates:  cfg.Call.MaxCandidates,
		Allowance:      cfg.Call.Allowance(),
		WatchdogTick:   cfg.Call.WatchdogTick(),
		VanishSuppress: cfg.Media.VanishSuppress(),
	})
	orch.Store(calls)
	defer calls.Close()

	errc := make(chan error, 1)
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			errc <- viewer.Start(ctx, addr, viewer.Viewer{
				SelfID:   self,
				Role:     role,
				Self:     lob.Self,
				Presence: store,
				Lobby:    lob,
				Calls:    calls,
				Notices:  lob.Notifications(),
				Logs:     logs,
			})
		}()
		log.Infof("viewer: %s", url)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("viewer: %w", err)
		}
		<-ctx.Done()
		return nil
	}
}
