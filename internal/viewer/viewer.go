package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/lobby"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
	"github.com/petervdpas/hostline/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID   string
	Role     string
	Self     func() proto.HostStatus
	Presence *presence.Store
	Lobby    routes.Lobby
	Calls    routes.Calls
	Notices  <-chan lobby.Notification
	Logs     *LogBuffer
}

// Handler builds the API mux. The returned hub must be closed when the
// handler is retired.
func Handler(v Viewer) (http.Handler, *routes.Hub) {
	mux := http.NewServeMux()
	deps := routes.Deps{
		SelfID:   v.SelfID,
		Role:     v.Role,
		Self:     v.Self,
		Presence: v.Presence,
		Lobby:    v.Lobby,
		Calls:    v.Calls,
		Notices:  v.Notices,
	}
	// Keep a nil *LogBuffer from becoming a non-nil interface.
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	hub := routes.Register(mux, deps)
	return noCache(mux), hub
}

// Start serves the viewer on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	h, hub := Handler(v)
	defer hub.Close()

	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	log.Infof("viewer listening on http://%s", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// noCache keeps the UI from caching API responses.
func noCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		next.ServeHTTP(w, r)
	})
}
