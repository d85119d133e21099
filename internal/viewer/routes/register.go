// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/petervdpas/hostline/internal/call"
	"github.com/petervdpas/hostline/internal/lobby"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is the orchestrator surface the UI drives.
type Calls interface {
	RequestCall(ctx context.Context, hostID string) error
	Host(ctx context.Context) error
	Observe(ctx context.Context, channel string) error
	EndCall(ctx context.Context) error
	State() call.Snapshot
	Subscribe() (<-chan call.Event, func())
	SendChat(ctx context.Context, text string) (proto.ChatMessage, error)
	ChatLog() []proto.ChatMessage
	ToggleAudio() (bool, error)
	ToggleVideo() (bool, error)
	Spend(d time.Duration) error
}

// Lobby is the presence channel surface the UI can poke directly.
type Lobby interface {
	Reconcile()
	Notify(ctx context.Context, to string, n proto.Notice) error
}

type Deps struct {
	SelfID   string
	Role     string
	Self     func() proto.HostStatus
	Presence *presence.Store
	Lobby    Lobby
	Calls    Calls
	Notices  <-chan lobby.Notification
	Logs     Logs
}

func Register(mux *http.ServeMux, d Deps) *Hub {
	if d.Logs != nil {
		handleGet(mux, "/api/logs", d.Logs.ServeLogsJSON)
		handleGet(mux, "/api/logs/stream", d.Logs.ServeLogsSSE)
	}
	registerPresenceRoutes(mux, d)
	if d.Calls != nil {
		registerCallRoutes(mux, d)
	}
	hub := newHub(d)
	handleGet(mux, "/api/events", hub.serveWS)
	return hub
}
