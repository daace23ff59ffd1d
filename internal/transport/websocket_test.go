package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pitchtoy/internal/analysis"
	"pitchtoy/internal/engine"
	"pitchtoy/internal/health"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	actions []engine.Action
}

func (r *recordingSubmitter) Submit(a engine.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, a)
	return nil
}

func (r *recordingSubmitter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actions)
}

func startServer(t *testing.T, cfg ServerConfig) (*WebSocketServer, string) {
	t.Helper()
	s := NewWebSocketServer(cfg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() = %v", err)
		}
	})
	return s, ln.Addr().String()
}

func dial(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	s, addr := startServer(t, ServerConfig{})
	a, b := dial(t, addr), dial(t, addr)
	eventually(t, "two clients", func() bool { return s.Clients() == 2 })

	p := &analysis.Pitch{PitchResult: analysis.PitchResult{Frequency: 440}, Note: analysis.Note{Name: "A", Octave: 4}}
	frame := Frame{Result: engine.UpdateResult{
		Analysis: &engine.AudioAnalysis{Pitch: p, Timestamp: 12},
		Errors:   []engine.Error{{Kind: engine.ErrorStream, Message: "reconnecting"}},
	}}
	if err := s.Send(frame); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*websocket.Conn{a, b} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		var got struct {
			Result struct {
				Analysis struct {
					Pitch struct {
						Frequency float64 `json:"frequency"`
						Note      struct {
							Name string `json:"name"`
						} `json:"note"`
					} `json:"pitch"`
					Timestamp float64 `json:"timestamp"`
				} `json:"analysis"`
				Errors []struct {
					Kind string `json:"kind"`
				} `json:"errors"`
				Permission string `json:"permission"`
			} `json:"result"`
			Diagnostics json.RawMessage `json:"diagnostics"`
		}
		if err := c.ReadJSON(&got); err != nil {
			t.Fatal(err)
		}
		r := got.Result
		if r.Analysis.Pitch.Frequency != 440 || r.Analysis.Pitch.Note.Name != "A" || r.Analysis.Timestamp != 12 {
			t.Errorf("analysis = %+v", r.Analysis)
		}
		if len(r.Errors) != 1 || r.Errors[0].Kind != "stream" || r.Permission != "not_requested" {
			t.Errorf("result = %+v", r)
		}
		if len(got.Diagnostics) == 0 {
			t.Error("diagnostics missing")
		}
	}

	a.Close()
	eventually(t, "client drop", func() bool { return s.Clients() == 1 })
}

func TestWebSocketRemoteControl(t *testing.T) {
	sub := &recordingSubmitter{}
	_, addr := startServer(t, ServerConfig{Engine: sub})
	c := dial(t, addr)

	if err := c.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{0x81, 0xa1, 'v', 0x01}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "remote control", func() bool { return sub.count() == 1 })

	sub.mu.Lock()
	rc, ok := sub.actions[0].(engine.RemoteControl)
	sub.mu.Unlock()
	if !ok || len(rc.Data) != 4 {
		t.Errorf("action = %#v", sub.actions[0])
	}
}

func TestServerRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("pitchtoy_pitch_frames 1\n"))
	})
	_, addr := startServer(t, ServerConfig{Health: health.New(), Metrics: metrics})

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/readyz":  `"status":"ok"`,
		"/metrics": "pitchtoy_pitch_frames",
	} {
		resp, err := http.Get("http://" + addr + path)
		if err != nil {
			t.Fatal(err)
		}
		var sb strings.Builder
		buf := make([]byte, 512)
		n, _ := resp.Body.Read(buf)
		sb.Write(buf[:n])
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(sb.String(), want) {
			t.Errorf("GET %s = %d %q", path, resp.StatusCode, sb.String())
		}
	}
}

func TestSendDropsWhenQueueFull(t *testing.T) {
	s := NewWebSocketServer(ServerConfig{})
	for range broadcastQueue + 10 {
		if err := s.Send(Frame{}); err != nil {
			t.Fatal(err)
		}
	}
	if len(s.broadcast) != broadcastQueue {
		t.Errorf("queued %d frames", len(s.broadcast))
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

type countingTransport struct{ sent, closed int }

func (c *countingTransport) Send(Frame) error {
	c.sent++
	return nil
}

func (c *countingTransport) Close() error {
	c.closed++
	return nil
}

func TestMultiAndLogging(t *testing.T) {
	a, b := &countingTransport{}, &countingTransport{}
	m := Multi{a, NewLoggingTransport(), b}
	p := &analysis.Pitch{PitchResult: analysis.PitchResult{Frequency: 440}}
	if err := m.Send(Frame{Result: engine.UpdateResult{Analysis: &engine.AudioAnalysis{Pitch: p}}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if a.sent != 1 || b.sent != 1 || a.closed != 1 || b.closed != 1 {
		t.Errorf("a = %+v, b = %+v", a, b)
	}
}
