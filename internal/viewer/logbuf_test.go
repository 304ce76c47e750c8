package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestLogBufferSplitsAndParses(t *testing.T) {
	b := NewLogBuffer(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	_, _ = b.Write([]byte("2026-10-16T09:30:00.000+0200\tINFO\tcall\tmanager.go:10\tringing c1\n2026-10-16T09:30:01.000+0200\tWARN\tsig"))
	_, _ = b.Write([]byte("naling\tchannel.go:9\toutbox full\n\nplain line\n"))

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (ring capacity)", len(got))
	}
	if got[0].Level != "WARN" || got[0].Logger != "signaling" || got[0].Msg != "outbox full" {
		t.Fatalf("entry = %+v", got[0])
	}
	if got[1].Msg != "plain line" || got[1].Level != "" {
		t.Fatalf("plain entry = %+v", got[1])
	}

	select {
	case e := <-ch:
		if e.Msg != "ringing c1" || e.TS.Minute() != 30 {
			t.Fatalf("first broadcast = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestServeLogsJSONFiltersLevel(t *testing.T) {
	b := NewLogBuffer(10)
	_, _ = b.Write([]byte("2026-10-16T09:30:00.000Z\tINFO\tcall\tx.go:1\ta\n2026-10-16T09:30:00.000Z\tERROR\tcall\tx.go:2\tb\n"))

	rec := httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodGet, "/api/logs?level=error", nil))
	var entries []LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "b" {
		t.Fatalf("entries = %+v", entries)
	}

	rec = httptest.NewRecorder()
	b.ServeLogsJSON(rec, httptest.NewRequest(http.MethodPost, "/api/logs", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST code = %d", rec.Code)
	}
}
