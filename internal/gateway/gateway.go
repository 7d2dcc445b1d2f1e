// Package gateway exposes the memory manager over HTTP and websockets: channel
// admin, turns, forced compaction, and a live feed of bus events.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/consultd/internal/bus"
	"github.com/basket/consultd/internal/config"
	"github.com/basket/consultd/internal/coordinator"
	"github.com/basket/consultd/internal/memory"
	otelPkg "github.com/basket/consultd/internal/otel"
	"github.com/basket/consultd/internal/persistence"
	"github.com/basket/consultd/internal/shared"
)

const (
	defaultMessageLimit = 50
	maxRequestBody      = 1 << 20
)

// TurnService is the slice of *memory.Manager the gateway drives.
type TurnService interface {
	HandleTurn(ctx context.Context, channelKey, text string, now time.Time) (memory.Reply, error)
	Compact(ctx context.Context, channelKey string) (memory.CompactionResult, error)
	Channel(ctx context.Context, channelKey string) (memory.Channel, error)
	Configure(ctx context.Context, channelKey string, cfg memory.Config, source string) error
}

// ChannelStore is the read side used by listing and health routes.
type ChannelStore interface {
	ListChannels(ctx context.Context) ([]persistence.ChannelRecord, error)
	ListRecent(ctx context.Context, channelKey string, limit int) ([]persistence.Message, error)
	Ping(ctx context.Context) error
}

// LaneStats reports coordinator load for health and metrics.
type LaneStats interface {
	Active() int
}

type Config struct {
	Turns TurnService
	Store ChannelStore
	Bus   *bus.Bus
	Lanes LaneStats

	AuthToken         string
	AllowOrigins      []string
	RateLimit         config.RateLimitConfig
	ConfigFingerprint string

	Logger *slog.Logger
	Tracer trace.Tracer
	Clock  func() time.Time
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *httpMetrics
	limiter *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("consultd")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		tracer:  cfg.Tracer,
		metrics: newHTTPMetrics(cfg.Lanes),
	}
	s.limiter = NewRateLimitMiddleware(cfg.RateLimit, s.logger)
	if s.limiter != nil {
		s.limiter.onReject = s.metrics.rateLimited.Inc
	}
	return s
}

// Limiter exposes the rate limiter so the caller can start its eviction loop.
func (s *Server) Limiter() *RateLimitMiddleware {
	return s.limiter
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /healthz", s.route("healthz", s.handleHealthz))
	mux.Handle("GET /metrics", s.metrics.handler())
	mux.Handle("GET /v1/channels", s.route("channels.list", s.handleListChannels))
	mux.Handle("GET /v1/channels/{key}", s.route("channels.get", s.handleGetChannel))
	mux.Handle("PUT /v1/channels/{key}", s.route("channels.put", s.handlePutChannel))
	mux.Handle("GET /v1/channels/{key}/messages", s.route("channels.messages", s.handleMessages))
	mux.Handle("POST /v1/channels/{key}/turns", s.route("channels.turn", s.handleTurn))
	mux.Handle("POST /v1/channels/{key}/compact", s.route("channels.compact", s.handleCompact))
	mux.Handle("GET /v1/ws/channels/{key}", s.route("ws.channel", s.handleChannelWS))
	mux.Handle("GET /v1/events", s.route("ws.events", s.handleEventsWS))

	var h http.Handler = mux
	h = s.limiter.Wrap(h)
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = RequestSizeLimitMiddleware(maxRequestBody)(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string, drain time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln, drain)
}

// Serve serves on ln until ctx is done, then drains in-flight requests for
// up to drain. Request contexts outlive ctx so draining turns can finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener, drain time.Duration) error {
	base := context.WithoutCancel(ctx)
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// route wraps a handler with a server span and request metrics.
func (s *Server) route(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otelPkg.StartServerSpan(r.Context(), s.tracer, "http."+name,
			otelPkg.AttrRoute.String(name),
			otelPkg.AttrTransport.String("http"),
		)
		defer span.End()
		if key := r.PathValue("key"); key != "" {
			span.SetAttributes(otelPkg.AttrChannelKey.String(key))
		}
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r.WithContext(ctx))
		code := rec.status()
		if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}
		s.metrics.observe(name, code, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Lanes != nil {
		payload["active_lanes"] = s.cfg.Lanes.Active()
	}
	code := http.StatusOK
	if !dbOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type channelView struct {
	Key     string               `json:"key"`
	Config  *memory.Config       `json:"config,omitempty"`
	Summary *persistence.Summary `json:"summary,omitempty"`
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Store.ListChannels(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list channels failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list channels")
		return
	}
	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		item := map[string]any{
			"key":        rec.Key,
			"created_at": rec.CreatedAt,
			"updated_at": rec.UpdatedAt,
		}
		if cfg, err := memory.ParseSettings(rec.Settings); err == nil {
			item["config"] = cfg
			item["configured"] = true
		} else {
			item["configured"] = false
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": out})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	ch, err := s.cfg.Turns.Channel(r.Context(), key)
	if err != nil {
		if errors.Is(err, memory.ErrConfig) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "load channel failed", "channel_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load channel")
		return
	}
	writeJSON(w, http.StatusOK, channelView{Key: ch.Key, Config: &ch.Config, Summary: ch.Summary})
}

func (s *Server) handlePutChannel(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var cfg memory.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.cfg.Turns.Configure(r.Context(), key, cfg, "gateway"); err != nil {
		if errors.Is(err, memory.ErrConfig) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.ErrorContext(r.Context(), "configure channel failed", "channel_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not save channel")
		return
	}
	writeJSON(w, http.StatusOK, channelView{Key: key, Config: &cfg})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := s.cfg.Store.ListRecent(r.Context(), key, limit)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list messages failed", "channel_key", key, "error", err)
		writeError(w, http.StatusInternalServerError, "could not list messages")
		return
	}
	// Store returns newest first; clients read oldest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_key": key, "messages": msgs})
}

type turnRequest struct {
	Text string `json:"text"`
}

type turnResponse struct {
	TraceID          string `json:"trace_id"`
	Reply            string `json:"reply,omitempty"`
	Duplicate        bool   `json:"duplicate,omitempty"`
	UserMessageID    int64  `json:"user_message_id,omitempty"`
	ReplyMessageID   int64  `json:"reply_message_id,omitempty"`
	Total            int    `json:"total,omitempty"`
	Degraded         bool   `json:"degraded,omitempty"`
	CompactionQueued bool   `json:"compaction_queued,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorKind        string `json:"error_kind,omitempty"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	ctx := shared.NewEventContext(r.Context(), "http", key)
	resp, code := s.runTurn(ctx, key, text)
	writeJSON(w, code, resp)
}

// runTurn executes one turn and shapes the result for HTTP and websocket
// callers alike.
func (s *Server) runTurn(ctx context.Context, key, text string) (turnResponse, int) {
	resp := turnResponse{TraceID: shared.TraceID(ctx)}
	reply, err := s.cfg.Turns.HandleTurn(ctx, key, text, s.cfg.Clock())
	if err != nil {
		resp.Error = memory.UserMessage(err)
		resp.ErrorKind = "unknown"
		var te *memory.TurnError
		if errors.As(err, &te) {
			resp.ErrorKind = te.KindName()
		}
		code := turnStatus(err)
		if code >= http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "gateway turn failed", "channel_key", key, "kind", resp.ErrorKind, "error", err)
		} else {
			s.logger.WarnContext(ctx, "gateway turn rejected", "channel_key", key, "kind", resp.ErrorKind, "error", err)
		}
		return resp, code
	}
	resp.Reply = reply.Text
	resp.Duplicate = reply.Duplicate
	resp.UserMessageID = reply.UserMessageID
	resp.ReplyMessageID = reply.ReplyMessageID
	resp.Total = reply.Total
	resp.Degraded = reply.Degraded
	resp.CompactionQueued = reply.CompactionQueued
	return resp, http.StatusOK
}

func turnStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrBackpressure):
		return http.StatusTooManyRequests
	case errors.Is(err, coordinator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, memory.ErrConfig):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, memory.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	res, err := s.cfg.Turns.Compact(r.Context(), key)
	if err != nil {
		code := turnStatus(err)
		if errors.Is(err, memory.ErrConfig) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	payload := map[string]any{
		"channel_key": key,
		"status":      res.Status,
		"folded":      res.Folded,
	}
	if res.Summary != nil {
		payload["summary_version"] = res.Summary.Version
	}
	code := http.StatusOK
	if res.Status == memory.CompactionFailed {
		code = http.StatusBadGateway
		if res.Err != nil {
			payload["error"] = res.Err.Error()
		}
	}
	writeJSON(w, code, payload)
}

// handleChannelWS runs one turn per inbound text frame, answering each with a
// JSON frame. Turns on one socket are sequential.
func (s *Server) handleChannelWS(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	gauge := s.metrics.wsConnections.WithLabelValues("channel")
	gauge.Inc()
	defer gauge.Dec()
	s.logger.Info("ws: client connected", "channel_key", key)
	defer func() {
		s.logger.Info("ws: client disconnecting", "channel_key", key)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Warn("ws: read error, closing", "channel_key", key, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		turnCtx := shared.NewEventContext(ctx, "ws", key)
		resp, _ := s.runTurn(turnCtx, key, text)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			s.logger.Error("ws: write response error", "channel_key", key, "error", err)
			return
		}
	}
}

// handleEventsWS streams bus events as JSON frames. ?topic= narrows the feed
// to a topic prefix.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	gauge := s.metrics.wsConnections.WithLabelValues("events")
	gauge.Inc()
	defer gauge.Dec()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				s.logger.Debug("ws: event write failed", "topic", ev.Topic, "error", err)
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
