package routes

import (
	"net/http"
	"strings"
)

type onlineResponse struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

type countResponse struct {
	Online int `json:"online"`
}

func registerPresenceRoutes(mux *http.ServeMux, d Deps) {
	c := d.Calls

	handleGet(mux, "/api/presence", func(w http.ResponseWriter, r *http.Request) {
		user := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if user == "" {
			http.Error(w, "missing user_id", http.StatusBadRequest)
			return
		}
		writeJSON(w, onlineResponse{UserID: user, Online: c.IsOnline(user)})
	})

	handleGet(mux, "/api/presence/count", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, countResponse{Online: c.OnlineCount()})
	})

	handleGet(mux, "/api/presence/events", func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}
		sseHeaders(w)
		_, _ = w.Write([]byte("event: connected\ndata: {}\n\n"))
		flusher.Flush()

		ch, cancel := c.SubscribePresence()
		defer cancel()
		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := writeSSE(w, "presence", ev); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
