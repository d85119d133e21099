package admission

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/petervdpas/hostline/internal/token"
)

// TokenIssuer signs transport credentials for the /token route.
type TokenIssuer interface {
	Issue(kind token.Kind, identity, channel string) (string, time.Time, error)
}

type Server struct {
	gate    *Gate
	tokens  TokenIssuer
	metrics *Metrics
}

type openRequest struct {
	ChannelID string `json:"channel_id"`
	HostID    string `json:"host_id"`
}

type closeRequest struct {
	Status HostStatus `json:"status"`
}

type reserveRequest struct {
	ChannelID string `json:"channel_id"`
	CallerID  string `json:"caller_id"`
}

type tokenRequest struct {
	Kind     token.Kind `json:"kind"`
	Identity string     `json:"identity"`
	Channel  string     `json:"channel,omitempty"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewRouter(g *Gate, tokens TokenIssuer, m *Metrics) http.Handler {
	s := &Server{gate: g, tokens: tokens, metrics: m}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if m != nil {
		r.Get("/metrics", m.Handler().ServeHTTP)
	}

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Post("/channels", s.handleOpen)
		v1.Post("/channels/{id}/close", s.handleClose)
		v1.Post("/reserve", s.handleReserve)
		v1.Post("/release", s.handleRelease)
		v1.Post("/token", s.handleToken)
	})
	return r
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ChannelID) == "" || strings.TrimSpace(req.HostID) == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "channel_id and host_id are required")
		return
	}
	if err := s.gate.OpenHostChannel(r.Context(), req.ChannelID, req.HostID); err != nil {
		log.Errorf("open %s: %v", req.ChannelID, err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to open channel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": HostOpen})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req closeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = HostClosed
	}
	if !req.Status.Terminal() {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "status must be finished or closed")
		return
	}
	if err := s.gate.CloseHostChannel(r.Context(), id, req.Status); err != nil {
		if errors.Is(err, ErrHostNotFound) {
			writeAPIError(w, http.StatusNotFound, CodeChannelNotAvailable, "unknown channel")
			return
		}
		log.Errorf("close %s: %v", id, err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to close channel")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": req.Status})
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChannelID == "" || req.CallerID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "channel_id and caller_id are required")
		return
	}
	res, err := s.gate.Reserve(r.Context(), req.ChannelID, req.CallerID)
	if err != nil {
		log.Errorf("reserve %s for %s: %v", req.ChannelID, req.CallerID, err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "reservation failed")
		return
	}
	switch res.Outcome {
	case Busy:
		writeAPIError(w, http.StatusConflict, CodeChannelBusy, "channel is held by another caller")
	case NotFound:
		writeAPIError(w, http.StatusNotFound, CodeChannelNotAvailable, "channel is not accepting callers")
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ChannelID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "channel_id is required")
		return
	}
	if err := s.gate.Release(r.Context(), req.ChannelID, req.CallerID); err != nil {
		log.Warnf("release %s: %v", req.ChannelID, err)
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "release failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "released"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeAPIError(w, http.StatusNotImplemented, "unavailable", "token issuance is not configured")
		return
	}
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	raw, exp, err := s.tokens.Issue(req.Kind, req.Identity, req.Channel)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{Token: raw, ExpiresAt: exp})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
