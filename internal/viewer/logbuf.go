// internal/viewer/logbuf.go
package viewer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/petervdpas/goopcall/internal/util"
)

type LogEntry struct {
	TS     time.Time `json:"ts"`
	Level  string    `json:"level,omitempty"`
	Logger string    `json:"logger,omitempty"`
	Msg    string    `json:"msg"`
}

// LogBuffer keeps the last log lines for the UI. It is installed as a zap
// sink, so each Write carries console-encoded lines.
type LogBuffer struct {
	mu      sync.Mutex
	entries *util.RingBuffer[LogEntry]

	subs map[chan LogEntry]struct{}

	partial bytes.Buffer
}

func NewLogBuffer(max int) *LogBuffer {
	if max <= 0 {
		max = 500
	}
	return &LogBuffer{
		entries: util.NewRingBuffer[LogEntry](max),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Write implements io.Writer.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.partial.Write(p)

	for {
		data := b.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i == -1 {
			break
		}

		line := string(data[:i])
		b.partial.Next(i + 1)

		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		e := parseLine(line)
		b.entries.Push(e)
		b.broadcastLocked(e)
	}

	return len(p), nil
}

// parseLine splits a console-encoded line: time, level, logger, caller, message.
// Lines that do not look like that are kept whole.
func parseLine(line string) LogEntry {
	e := LogEntry{TS: time.Now(), Msg: line}
	parts := strings.SplitN(line, "\t", 5)
	if len(parts) < 4 {
		return e
	}
	if ts, err := time.Parse("2006-01-02T15:04:05.000Z0700", parts[0]); err == nil {
		e.TS = ts
	}
	e.Level = parts[1]
	e.Logger = parts[2]
	if len(parts) == 5 {
		e.Msg = parts[4]
	} else {
		e.Msg = parts[3]
	}
	return e
}

func (b *LogBuffer) broadcastLocked(e LogEntry) {
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// drop on slow subscriber
		}
	}
}

func (b *LogBuffer) Snapshot() []LogEntry {
	return b.entries.Snapshot()
}

func (b *LogBuffer) Subscribe() (ch chan LogEntry, cancel func()) {
	ch = make(chan LogEntry, 64)

	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel = func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// GET /api/logs
func (b *LogBuffer) ServeLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	entries := b.Snapshot()
	if lvl := strings.ToUpper(r.URL.Query().Get("level")); lvl != "" {
		kept := entries[:0:0]
		for _, e := range entries {
			if e.Level == lvl {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(entries)
}

// GET /api/logs/stream  (Server-Sent Events) - tail only (no snapshot)
func (b *LogBuffer) ServeLogsSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := b.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSE(w, e)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e LogEntry) {
	b, _ := json.Marshal(e)
	_, _ = w.Write([]byte("event: message\n"))
	_, _ = w.Write([]byte("data: " + string(b) + "\n\n"))
}
