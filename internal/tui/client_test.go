package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newFakeGateway(t *testing.T, token string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authed := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer "+token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("GET /v1/ws/channels/{key}", authed(func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		for n := 1; ; n++ {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			res := TurnResult{Reply: key + " says: " + string(data), Total: n * 2}
			if err := wsjson.Write(r.Context(), conn, res); err != nil {
				return
			}
		}
	}))
	mux.HandleFunc("GET /v1/events", authed(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("topic") != "memory." {
			http.Error(w, "bad topic", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		frames := []map[string]any{
			{"topic": "memory.turn.completed", "payload": map[string]any{"channel_key": "legal"}},
			{"topic": "memory.compaction.completed", "payload": map[string]any{"channel_key": "tax", "version": 1}},
		}
		for _, f := range frames {
			if err := wsjson.Write(r.Context(), conn, f); err != nil {
				return
			}
		}
		_, _, _ = conn.Read(r.Context())
	}))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_TurnAndEvents(t *testing.T) {
	srv := newFakeGateway(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, "tax", "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	res, err := c.Turn(ctx, "hello")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	if res.Reply != "tax says: hello" || res.Total != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	res, err = c.Turn(ctx, "again")
	if err != nil || res.Total != 4 {
		t.Fatalf("second turn: %+v %v", res, err)
	}

	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event stream closed early")
		}
		if ev.Topic != "memory.compaction.completed" {
			t.Fatalf("events for other channels must be filtered, got %s", ev.Topic)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestClient_DialUnauthorized(t *testing.T) {
	srv := newFakeGateway(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, srv.URL, "tax", "wrong"); err == nil {
		t.Fatal("expected dial to fail with a bad token")
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	srv := newFakeGateway(t, "secret")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL, "tax", "secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = c.Close()
	_ = c.Close()
}

func TestWSURL(t *testing.T) {
	cases := []struct {
		base, path, query, want string
	}{
		{"http://127.0.0.1:18790", "/v1/events", "topic=memory.", "ws://127.0.0.1:18790/v1/events?topic=memory."},
		{"https://gw.example/", "/v1/ws/channels/tax", "", "wss://gw.example/v1/ws/channels/tax"},
		{"http://host/prefix", "/v1/ws/channels/a%2Fb", "", "ws://host/prefix/v1/ws/channels/a%2Fb"},
	}
	for _, tc := range cases {
		got, err := wsURL(tc.base, tc.path, tc.query)
		if err != nil {
			t.Fatalf("%s: %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("wsURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
	if _, err := wsURL("ftp://x", "/", ""); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
