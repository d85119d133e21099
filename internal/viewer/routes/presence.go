package routes

import (
	"errors"
	"net/http"
	"strings"

	"github.com/petervdpas/hostline/internal/lobby"
	"github.com/petervdpas/hostline/internal/presence"
	"github.com/petervdpas/hostline/internal/proto"
)

type presenceView struct {
	SelfID    string                `json:"self_id"`
	Role      string                `json:"role"`
	Self      *proto.HostStatus     `json:"self,omitempty"`
	Hosts     []presence.HostRecord `json:"hosts"`
	Available int                   `json:"available"`
}

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	// GET /api/presence: visible hosts, most useful first
	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		v := presenceView{SelfID: d.SelfID, Role: d.Role, Hosts: []presence.HostRecord{}}
		if d.Self != nil {
			self := d.Self()
			v.Self = &self
		}
		if d.Presence != nil {
			v.Hosts = d.Presence.Visible()
			v.Available = len(d.Presence.Available())
		}
		writeJSON(w, v)
	})

	if d.Lobby == nil {
		return
	}

	// POST /api/presence/reconcile: check the list against live membership now
	handlePost(mux, "/api/presence/reconcile", func(w http.ResponseWriter, _ *http.Request, _ struct{}) {
		d.Lobby.Reconcile()
		writeJSONStatus(w, http.StatusAccepted, map[string]bool{"ok": true})
	})

	// POST /api/lobby/notify: contact a peer, or the whole lobby when to is empty
	handlePost(mux, "/api/lobby/notify", func(w http.ResponseWriter, r *http.Request, req notifyRequest) {
		req.Kind = strings.TrimSpace(req.Kind)
		if req.Kind == "" {
			http.Error(w, "kind is required", http.StatusBadRequest)
			return
		}
		err := d.Lobby.Notify(r.Context(), req.To, proto.Notice{Kind: req.Kind, Text: req.Text})
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, lobby.ErrNotJoined) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, map[string]bool{"ok": true})
	})
}

type notifyRequest struct {
	To   string `json:"to"`
	Kind string `json:"kind"`
	Text string `json:"text"`
}
