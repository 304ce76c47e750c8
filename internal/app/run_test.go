package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/session"
	"github.com/petervdpas/goopcall/internal/viewer"
)

func loopbackConfig(user string) config.Config {
	cfg := config.Default()
	cfg.Identity.UserID = user
	cfg.P2P.Enabled = false
	cfg.Media.Enabled = false
	cfg.Viewer.HTTPAddr = "127.0.0.1:0"
	return cfg
}

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":8790":         "127.0.0.1:8790",
		"0.0.0.0:9000":  "127.0.0.1:9000",
		" 10.0.0.2:80 ": "10.0.0.2:80",
	}
	for in, want := range cases {
		addr, url := NormalizeLocalViewer(in)
		if addr != want || url != "http://"+want {
			t.Errorf("%q -> %q %q", in, addr, url)
		}
	}
}

func TestRunServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "goop.json")
	cfg := loopbackConfig("alice")
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	var sess *session.Context
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			PeerDir: dir,
			CfgPath: cfgPath,
			Cfg:     cfg,
			Logs:    viewer.NewLogBuffer(50),
			Ready: func(s *session.Context, addr string) {
				sess = s
				ready <- addr
			},
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("peer never became ready")
	}
	if sess.SelfID() != "alice" {
		t.Fatalf("self = %s", sess.SelfID())
	}

	resp, err := http.Get("http://" + addr + "/api/call/state")
	if err != nil {
		t.Fatal(err)
	}
	var st call.SessionState
	err = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if err != nil || st.Phase != call.Idle {
		t.Fatalf("state = %+v, %v", st, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	var out bytes.Buffer
	if err := PrintHistory(context.Background(), dir, cfg, 0, &out); err != nil {
		t.Fatalf("PrintHistory: %v", err)
	}
	if !strings.HasPrefix(out.String(), "WHEN") {
		t.Fatalf("history output = %q", out.String())
	}
}
