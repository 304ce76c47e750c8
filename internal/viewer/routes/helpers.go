// internal/viewer/routes/helpers.go

package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/media"
	"github.com/petervdpas/goopcall/internal/signaling"
)

const maxBody = 64 << 10

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost decodes an optional JSON body into T before calling fn.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if r.ContentLength != 0 {
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
			if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, fmt.Sprintf("bad json: %v", err), http.StatusBadRequest)
				return
			}
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps call and store errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrInvalidPeer), errors.Is(err, call.ErrInvalidType):
		return http.StatusBadRequest
	case errors.Is(err, call.ErrBusy), errors.Is(err, call.ErrCallInProgress), errors.Is(err, calls.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, call.ErrNoCall), errors.Is(err, calls.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, calls.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, signaling.ErrTransport), errors.Is(err, media.ErrJoin):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSE(w http.ResponseWriter, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b)
	return err
}

func queryInt(r *http.Request, key string, def int) int {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
