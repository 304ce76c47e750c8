// internal/viewer/routes/register.go
package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/presence"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// CallAPI is the session surface the HTTP API drives.
type CallAPI interface {
	SelfID() string

	Initiate(ctx context.Context, peerID string, typ calls.CallType) (call.SessionState, error)
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Cancel(ctx context.Context) error
	Hangup(ctx context.Context) error

	CurrentState() call.SessionState
	IncomingCall() (call.SessionState, bool)
	ActiveCall() (call.SessionState, bool)
	CallHistory(ctx context.Context, limit int) ([]calls.CallRecord, error)
	SubscribeState() (<-chan call.SessionState, func())

	IsOnline(userID string) bool
	OnlineCount() int
	SubscribePresence() (<-chan presence.Event, func())
}

type Deps struct {
	Calls CallAPI
	Logs  Logs

	// JWTSecret enables bearer auth on the call and presence API.
	JWTSecret    string
	HistoryLimit int
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerDocsRoutes(mux)

	if d.Calls == nil {
		return
	}
	api := http.NewServeMux()
	registerCallRoutes(api, d)
	registerPresenceRoutes(api, d)

	h := requireToken(d.JWTSecret, d.Calls.SelfID(), api)
	mux.Handle("/api/call/", h)
	mux.Handle("/api/presence", h)
	mux.Handle("/api/presence/", h)
}
