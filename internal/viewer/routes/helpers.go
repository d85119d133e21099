// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petervdpas/hostline/internal/call"
)

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes the JSON body into T before calling fn. An empty body
// leaves T at its zero value.
func handlePost[T any](mux *http.ServeMux, path string, fn func(w http.ResponseWriter, r *http.Request, req T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if decodeJSON(w, r, &req) != nil {
			return
		}
		fn(w, r, req)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type callError struct {
	Error           string    `json:"error"`
	Kind            call.Kind `json:"kind,omitempty"`
	Notice          string    `json:"notice,omitempty"`
	Retryable       bool      `json:"retryable"`
	NeedsUserAction bool      `json:"needs_user_action"`
}

// writeCallError maps orchestrator errors onto a status code and the single
// user-facing notice for the failure kind.
func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, call.ErrCallActive):
		writeJSONStatus(w, http.StatusConflict, callError{Error: err.Error()})
		return
	case errors.Is(err, call.ErrNoCall):
		writeJSONStatus(w, http.StatusNotFound, callError{Error: err.Error()})
		return
	case errors.Is(err, call.ErrCancelled):
		writeJSONStatus(w, http.StatusConflict, callError{Error: err.Error()})
		return
	}
	var ce *call.Error
	if !errors.As(err, &ce) {
		ce = &call.Error{Kind: call.Unexpected, Err: err}
	}
	status := http.StatusUnprocessableEntity
	if ce.Kind == call.Unexpected {
		status = http.StatusInternalServerError
	}
	writeJSONStatus(w, status, callError{
		Error:           ce.Error(),
		Kind:            ce.Kind,
		Notice:          call.Notice(ce.Kind),
		Retryable:       ce.Retryable(),
		NeedsUserAction: ce.NeedsUserAction(),
	})
}
