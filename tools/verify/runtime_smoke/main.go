// Command runtime_smoke drives one turn through a running consultd gateway
// over websockets and checks that the matching bus event is streamed back.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type turnFrame struct {
	TraceID   string `json:"trace_id"`
	Reply     string `json:"reply"`
	Duplicate bool   `json:"duplicate"`
	Total     int    `json:"total"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind"`
}

type eventFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18790", "gateway base URL")
	token := flag.String("token", os.Getenv("CONSULTD_AUTH_TOKEN"), "bearer token")
	channel := flag.String("channel", "", "configured channel key to talk to")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*channel) == "" {
		fmt.Fprintln(os.Stderr, "channel is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if t := strings.TrimSpace(*token); t != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+t)
	}

	eventsURL, err := wsURL(*base, "/v1/events", "topic=memory.turn.")
	if err != nil {
		fatal("events url", err)
	}
	events, _, err := websocket.Dial(ctx, eventsURL, opts)
	if err != nil {
		fatal("dial events", err)
	}
	defer events.Close(websocket.StatusNormalClosure, "runtime smoke done")
	fmt.Println("CHECK events stream open")

	chURL, err := wsURL(*base, "/v1/ws/channels/"+url.PathEscape(*channel), "")
	if err != nil {
		fatal("channel url", err)
	}
	conn, _, err := websocket.Dial(ctx, chURL, opts)
	if err != nil {
		fatal("dial channel", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	// A unique body keeps the dedup window from swallowing repeated runs.
	text := "runtime smoke " + uuid.NewString()[:8]
	if err := conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		fatal("write turn", err)
	}
	var turn turnFrame
	if err := wsjson.Read(ctx, conn, &turn); err != nil {
		fatal("read turn", err)
	}
	if turn.Error != "" {
		fatalf("turn failed: kind=%s error=%s", turn.ErrorKind, turn.Error)
	}
	if turn.Duplicate || strings.TrimSpace(turn.Reply) == "" {
		fatalf("unexpected turn frame: %+v", turn)
	}
	fmt.Printf("CHECK turn answered total=%d trace_id=%s\n", turn.Total, turn.TraceID)

	if err := waitForTurnEvent(ctx, events, *channel); err != nil {
		fatal("turn event", err)
	}
	fmt.Println("CHECK turn event streamed")
	fmt.Println("VERDICT PASS")
}

// wsURL maps an http(s) base URL onto the matching ws(s) endpoint.
func wsURL(base, path, rawQuery string) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	unescaped, err := url.PathUnescape(path)
	if err != nil {
		return "", err
	}
	prefix := strings.TrimRight(u.Path, "/")
	u.Path = prefix + unescaped
	u.RawPath = prefix + path
	u.RawQuery = rawQuery
	return u.String(), nil
}

func waitForTurnEvent(ctx context.Context, conn *websocket.Conn, channel string) error {
	for {
		var ev eventFrame
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			return err
		}
		if !strings.HasPrefix(ev.Topic, "memory.turn.") {
			continue
		}
		key, err := extractField(ev.Payload, "channel_key")
		if err != nil || key != channel {
			continue
		}
		if ev.Topic != "memory.turn.completed" {
			return fmt.Errorf("unexpected topic %s", ev.Topic)
		}
		return nil
	}
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
