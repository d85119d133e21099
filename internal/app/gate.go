package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/hostline/internal/admission"
	"github.com/petervdpas/hostline/internal/pgstore"
	"github.com/petervdpas/hostline/internal/storage"
	"github.com/petervdpas/hostline/internal/token"
	"github.com/petervdpas/hostline/internal/util"
)

// openBackend picks Postgres when a database URL is configured, SQLite
// otherwise. The returned func releases the backend.
func openBackend(ctx context.Context, opt Options) (admission.Backend, func(), error) {
	g := opt.Cfg.Gate
	if g.DatabaseURL != "" {
		store, pool, err := pgstore.Connect(ctx, g.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		log.Info("gate backend: postgres")
		return store, pool.Close, nil
	}
	db, err := storage.Open(util.ResolvePath(opt.Dir, g.DBPath))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	log.Infof("gate backend: sqlite %s", db.Path())
	return db, func() { _ = db.Close() }, nil
}

type openLister interface {
	ListOpen(ctx context.Context) ([]admission.HostChannel, error)
}

// RunGate runs the admission service until ctx is done.
func RunGate(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := cfg.ValidateGate(); err != nil {
		return err
	}
	setupLogging(ctx, cfg.Viewer.Debug)
	logBanner("gate", opt.Dir, opt.CfgPath)

	backend, closeBackend, err := openBackend(ctx, opt)
	if err != nil {
		return err
	}
	defer closeBackend()

	if l, ok := backend.(openLister); ok {
		if open, err := l.ListOpen(ctx); err != nil {
			log.Warnf("list open channels: %v", err)
		} else {
			log.Infof("%d host channels open", len(open))
		}
	}

	clk := clock.New()
	metrics := admission.NewMetrics()
	gate := admission.NewGate(admission.Options{
		Backend:       backend,
		Clock:         clk,
		Metrics:       metrics,
		LockTimeout:   cfg.Gate.LockTimeout(),
		Grace:         cfg.Gate.Grace(),
		SweepInterval: cfg.Gate.SweepInterval(),
	})
	go gate.Run(ctx)

	issuer, err := token.NewIssuer(cfg.Gate.TokenSecret, cfg.Gate.TokenTTL(), clk)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Gate.ListenAddr,
		Handler:           admission.NewRouter(gate, issuer, metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("gate listening on http://%s", cfg.Gate.ListenAddr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info("gate stopped")
	return nil
}
