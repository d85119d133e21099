package routes

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/hostline/internal/call"
	"github.com/petervdpas/hostline/internal/proto"
)

var log = logging.Logger("viewer")

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	calls := d.Calls

	// GET /api/call/state
	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, calls.State())
	})

	// POST /api/call/request: blocks until the call is up or has failed.
	// An empty host_id picks a random available host.
	handlePost(mux, "/api/call/request", func(w http.ResponseWriter, r *http.Request, req struct {
		HostID string `json:"host_id"`
	}) {
		// Closing the browser tab must not abort the setup halfway; EndCall
		// is the cancel path.
		ctx := context.WithoutCancel(r.Context())
		if err := calls.RequestCall(ctx, strings.TrimSpace(req.HostID)); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.State())
	})

	// POST /api/call/host: starts hosting and returns at once; progress
	// arrives on /api/events.
	handlePost(mux, "/api/call/host", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		if calls.State().State != call.StateIdle {
			writeCallError(w, call.ErrCallActive)
			return
		}
		go func() {
			if err := calls.Host(context.Background()); err != nil && !errors.Is(err, call.ErrCancelled) {
				log.Warnf("hosting ended: %v", err)
			}
		}()
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "hosting"})
	})

	// POST /api/call/observe
	handlePost(mux, "/api/call/observe", func(w http.ResponseWriter, r *http.Request, req struct {
		Channel string `json:"channel"`
	}) {
		if strings.TrimSpace(req.Channel) == "" {
			http.Error(w, "missing channel", http.StatusBadRequest)
			return
		}
		if err := calls.Observe(context.WithoutCancel(r.Context()), req.Channel); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.State())
	})

	// POST /api/call/end
	handlePost(mux, "/api/call/end", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		err := calls.EndCall(r.Context())
		if errors.Is(err, call.ErrNoCall) {
			writeJSON(w, map[string]string{"status": "idle"})
			return
		}
		if err != nil {
			// Teardown still ran every step; report what failed.
			log.Warnf("end call: %v", err)
			writeJSON(w, map[string]string{"status": "ended", "warning": err.Error()})
			return
		}
		writeJSON(w, map[string]string{"status": "ended"})
	})

	// GET|POST /api/call/chat
	mux.HandleFunc("/api/call/chat", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			msgs := calls.ChatLog()
			if msgs == nil {
				msgs = []proto.ChatMessage{}
			}
			writeJSON(w, msgs)
		case http.MethodPost:
			var req struct {
				Text string `json:"text"`
			}
			if decodeJSON(w, r, &req) != nil {
				return
			}
			if strings.TrimSpace(req.Text) == "" {
				http.Error(w, "missing text", http.StatusBadRequest)
				return
			}
			msg, err := calls.SendChat(r.Context(), req.Text)
			if err != nil {
				http.Error(w, err.Error(), http.StatusConflict)
				return
			}
			writeJSON(w, msg)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		muted, err := calls.ToggleAudio()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, _ struct{}) {
		disabled, err := calls.ToggleVideo()
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// POST /api/call/spend: supplemental charge against the caller budget
	handlePost(mux, "/api/call/spend", func(w http.ResponseWriter, r *http.Request, req struct {
		Seconds float64 `json:"seconds"`
	}) {
		if req.Seconds <= 0 {
			http.Error(w, "seconds must be > 0", http.StatusBadRequest)
			return
		}
		if err := calls.Spend(time.Duration(req.Seconds * float64(time.Second))); err != nil {
			writeCallError(w, err)
			return
		}
		writeJSON(w, calls.State())
	})
}
