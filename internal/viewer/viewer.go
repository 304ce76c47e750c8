package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	Calls routes.CallAPI
	Logs  *LogBuffer

	JWTSecret    string
	HistoryLimit int
}

// Handler returns the HTTP API of v.
func Handler(v Viewer) http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:        v.Calls,
		JWTSecret:    v.JWTSecret,
		HistoryLimit: v.HistoryLimit,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves v on addr until ctx is done. It returns once the listener is
// bound; the returned channel yields the serve error, if any.
func Start(ctx context.Context, addr string, v Viewer) (net.Addr, <-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	srv := &http.Server{
		Handler:           Handler(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errc <- err
		close(errc)
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			log.Warnf("viewer shutdown: %v", err)
			_ = srv.Close()
		}
	}()

	log.Infof("viewer listening on http://%s", ln.Addr())
	return ln.Addr(), errc, nil
}
