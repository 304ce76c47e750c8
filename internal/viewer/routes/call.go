package routes

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calls"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local UI clients (webviews, file://) send odd origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

type initiateRequest struct {
	PeerID   string         `json:"peer_id"`
	CallType calls.CallType `json:"call_type"`
}

type incomingResponse struct {
	Ringing bool               `json:"ringing"`
	Call    *call.SessionState `json:"call,omitempty"`
}

type activeResponse struct {
	Active bool               `json:"active"`
	Call   *call.SessionState `json:"call,omitempty"`
}

func incoming(st call.SessionState, ok bool) incomingResponse {
	if !ok {
		return incomingResponse{}
	}
	return incomingResponse{Ringing: true, Call: &st}
}

func active(st call.SessionState, ok bool) activeResponse {
	if !ok {
		return activeResponse{}
	}
	return activeResponse{Active: true, Call: &st}
}

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	c := d.Calls

	handleGet(mux, "/api/call/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, c.CurrentState())
	})

	handleGet(mux, "/api/call/incoming", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, incoming(c.IncomingCall()))
	})

	handleGet(mux, "/api/call/active", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, active(c.ActiveCall()))
	})

	handlePost(mux, "/api/call/initiate", func(w http.ResponseWriter, r *http.Request, req initiateRequest) {
		req.PeerID = strings.TrimSpace(req.PeerID)
		if req.CallType == "" {
			req.CallType = calls.Audio
		}
		st, err := c.Initiate(r.Context(), req.PeerID, req.CallType)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, st)
	})

	command := func(path string, fn func(*http.Request) error) {
		handlePost(mux, path, func(w http.ResponseWriter, r *http.Request, _ struct{}) {
			if err := fn(r); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, c.CurrentState())
		})
	}
	command("/api/call/accept", func(r *http.Request) error { return c.Accept(r.Context()) })
	command("/api/call/reject", func(r *http.Request) error { return c.Reject(r.Context()) })
	command("/api/call/cancel", func(r *http.Request) error { return c.Cancel(r.Context()) })
	command("/api/call/hangup", func(r *http.Request) error { return c.Hangup(r.Context()) })

	handleGet(mux, "/api/call/history", func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", d.HistoryLimit)
		recs, err := c.CallHistory(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if recs == nil {
			recs = []calls.CallRecord{}
		}
		writeJSON(w, recs)
	})

	// GET /api/call/events: SSE, current state first and then every change.
	handleGet(mux, "/api/call/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)

		ch, cancel := c.SubscribeState()
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case st, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, "state", st); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})

	// GET /api/call/ws: the same stream as JSON text frames.
	handleGet(mux, "/api/call/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("call websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		ch, cancel := c.SubscribeState()
		defer cancel()

		// Drain client frames so close and ping are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-gone:
				return
			case <-r.Context().Done():
				return
			case st, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(st); err != nil {
					log.Debugf("call websocket write: %v", err)
					return
				}
			}
		}
	})
}
