package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// TurnResult mirrors the gateway's turn frame.
type TurnResult struct {
	TraceID          string `json:"trace_id"`
	Reply            string `json:"reply"`
	Duplicate        bool   `json:"duplicate"`
	Total            int    `json:"total"`
	Degraded         bool   `json:"degraded"`
	CompactionQueued bool   `json:"compaction_queued"`
	Error            string `json:"error"`
	ErrorKind        string `json:"error_kind"`
}

// EventFrame is one bus event as streamed by /v1/events.
type EventFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Turner sends one message to a channel and waits for the reply.
type Turner interface {
	Turn(ctx context.Context, text string) (TurnResult, error)
}

// Client holds the channel and event sockets for one chat session.
type Client struct {
	channelKey string

	mu   sync.Mutex
	conn *websocket.Conn

	events     *websocket.Conn
	eventsCh   chan EventFrame
	closeOnce  sync.Once
	cancelRead context.CancelFunc
}

// Dial opens the channel socket and, best effort, the event stream for the
// channel's memory events.
func Dial(ctx context.Context, baseURL, channelKey, token string) (*Client, error) {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if t := strings.TrimSpace(token); t != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+t)
	}
	chURL, err := wsURL(baseURL, "/v1/ws/channels/"+url.PathEscape(channelKey), "")
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, chURL, opts)
	if err != nil {
		return nil, fmt.Errorf("dial channel %s: %w", channelKey, err)
	}
	c := &Client{channelKey: channelKey, conn: conn, eventsCh: make(chan EventFrame, 32)}

	evURL, err := wsURL(baseURL, "/v1/events", "topic=memory.")
	if err == nil {
		if ev, _, err := websocket.Dial(ctx, evURL, opts); err == nil {
			c.events = ev
			readCtx, cancel := context.WithCancel(context.Background())
			c.cancelRead = cancel
			go c.readEvents(readCtx)
		}
	}
	if c.events == nil {
		close(c.eventsCh)
	}
	return c, nil
}

// Turn writes text as one frame and reads the reply frame. Calls are
// serialized.
func (c *Client) Turn(ctx context.Context, text string) (TurnResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return TurnResult{}, fmt.Errorf("send: %w", err)
	}
	var res TurnResult
	if err := wsjson.Read(ctx, c.conn, &res); err != nil {
		return TurnResult{}, fmt.Errorf("read reply: %w", err)
	}
	return res, nil
}

// Events yields memory events for this client's channel. The channel is
// closed when the stream ends.
func (c *Client) Events() <-chan EventFrame {
	return c.eventsCh
}

func (c *Client) readEvents(ctx context.Context) {
	defer close(c.eventsCh)
	for {
		var ev EventFrame
		if err := wsjson.Read(ctx, c.events, &ev); err != nil {
			return
		}
		if payloadChannel(ev.Payload) != c.channelKey {
			continue
		}
		select {
		case c.eventsCh <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.cancelRead != nil {
			c.cancelRead()
		}
		if c.events != nil {
			_ = c.events.Close(websocket.StatusNormalClosure, "bye")
		}
		err = c.conn.Close(websocket.StatusNormalClosure, "bye")
	})
	return err
}

func payloadChannel(raw json.RawMessage) string {
	var p struct {
		ChannelKey string `json:"channel_key"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.ChannelKey
}

// wsURL maps an http(s) base URL onto the matching ws(s) endpoint. path may
// carry escaped segments.
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
