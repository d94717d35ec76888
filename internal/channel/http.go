package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/memory"
	"github.com/stellarlinkco/memtab/internal/metrics"
)

const (
	httpChannelName       = "http"
	defaultCommandTimeout = 5 * time.Minute
	wsWriteTimeout        = 5 * time.Second
)

// StateReader is the read side the HTTP API exposes.
type StateReader interface {
	Days(ctx context.Context) ([]string, error)
	Day(ctx context.Context, day string) (memory.DayState, bool, error)
	Status() Status
}

type Status struct {
	State   string `json:"state"`
	Running bool   `json:"running"`
	Today   string `json:"today"`
}

type commandRequest struct {
	Command string `json:"command"`
}

type dayResponse struct {
	Day    string          `json:"day"`
	Status memory.Status   `json:"status"`
	State  memory.DayState `json:"state"`
}

type wsMessage struct {
	Type    string           `json:"type"`
	Command string           `json:"command,omitempty"`
	Day     string           `json:"day,omitempty"`
	State   *memory.DayState `json:"state,omitempty"`
	Status  string           `json:"status,omitempty"`
	Error   string           `json:"error,omitempty"`
	Content string           `json:"content,omitempty"`
}

type wsClient struct {
	conn *websocket.Conn
	id   string
}

// HTTPChannel serves the command API, day reads, a websocket feed of day updates and,
// when a gatherer is set, Prometheus metrics.
type HTTPChannel struct {
	BaseChannel
	addr           string
	origins        []string
	reader         StateReader
	gatherer       prometheus.Gatherer
	metrics        *metrics.Metrics
	commandTimeout time.Duration

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	clients sync.Map
	nextID  atomic.Int64
}

type HTTPOption func(*HTTPChannel)

// WithGatherer mounts /metrics backed by g.
func WithGatherer(g prometheus.Gatherer) HTTPOption {
	return func(h *HTTPChannel) { h.gatherer = g }
}

func WithHTTPMetrics(m *metrics.Metrics) HTTPOption {
	return func(h *HTTPChannel) { h.metrics = m }
}

func WithCommandTimeout(d time.Duration) HTTPOption {
	return func(h *HTTPChannel) { h.commandTimeout = d }
}

func NewHTTPChannel(cfg config.GatewayConfig, b *bus.MessageBus, reader StateReader, l *slog.Logger, opts ...HTTPOption) (*HTTPChannel, error) {
	if reader == nil {
		return nil, fmt.Errorf("http channel needs a state reader")
	}
	h := &HTTPChannel{
		BaseChannel:    NewBaseChannel(httpChannelName, b, nil, l),
		addr:           cfg.Addr(),
		origins:        cfg.AllowedOrigins,
		reader:         reader,
		commandTimeout: defaultCommandTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handler returns the router. Start serves it; tests can mount it on httptest.
func (h *HTTPChannel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if h.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/ws", h.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.With(middleware.AllowContentType("application/json")).Post("/commands", h.handleCommand)
		r.Get("/status", h.handleStatus)
		r.Get("/days", h.handleDays)
		r.Get("/days/{day}", h.handleDay)
	})
	return r
}

func (h *HTTPChannel) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}

	server := &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	h.mu.Lock()
	h.server = server
	h.listener = ln
	h.mu.Unlock()

	go func() {
		h.logger.Info("listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (h *HTTPChannel) Addr() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

func (h *HTTPChannel) Stop() error {
	h.mu.Lock()
	server := h.server
	h.server = nil
	h.listener = nil
	h.mu.Unlock()

	h.clients.Range(func(_, value any) bool {
		value.(*wsClient).conn.Close(websocket.StatusGoingAway, "shutting down")
		return true
	})
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			h.logger.Warn("shutdown error", "error", err)
		}
	}
	h.logger.Info("stopped")
	return nil
}

// Send pushes day updates and plain messages to websocket clients. A ChatID naming a
// connected client targets only that client.
func (h *HTTPChannel) Send(msg bus.OutboundMessage) error {
	out := wsMessage{Type: "message", Content: msg.Content}
	if msg.Day != nil {
		state := msg.Day.State
		out = wsMessage{Type: "day", Day: msg.Day.Day, State: &state}
	} else if msg.Content == "" {
		return nil
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}

	if msg.ChatID != "" {
		if c, ok := h.clients.Load(msg.ChatID); ok {
			return h.write(c.(*wsClient), data)
		}
	}
	h.clients.Range(func(_, value any) bool {
		if err := h.write(value.(*wsClient), data); err != nil {
			h.logger.Debug("websocket write failed", "client", value.(*wsClient).id, "error", err)
		}
		return true
	})
	return nil
}

func (h *HTTPChannel) write(c *wsClient, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (h *HTTPChannel) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	reply, err := h.request(r.Context(), middleware.GetReqID(r.Context()), req.Command)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (h *HTTPChannel) request(ctx context.Context, senderID, command string) (bus.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, h.commandTimeout)
	defer cancel()
	return h.bus.Request(ctx, bus.InboundMessage{
		Channel:  httpChannelName,
		SenderID: senderID,
		ChatID:   senderID,
		Command:  command,
	})
}

func (h *HTTPChannel) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.reader.Status())
}

func (h *HTTPChannel) handleDays(w http.ResponseWriter, r *http.Request) {
	days, err := h.reader.Days(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if days == nil {
		days = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"days": days})
}

func (h *HTTPChannel) handleDay(w http.ResponseWriter, r *http.Request) {
	day := chi.URLParam(r, "day")
	if day == "today" {
		day = h.reader.Status().Today
	}
	if !memory.IsDayKey(day) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid day %q, want YYYY-MM-DD", day))
		return
	}

	state, found, err := h.reader.Day(r.Context(), day)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no state for %s", day))
		return
	}
	writeJSON(w, http.StatusOK, dayResponse{Day: day, Status: state.Status(), State: state})
}

func (h *HTTPChannel) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket accept error", "error", err)
		return
	}

	client := &wsClient{conn: conn, id: fmt.Sprintf("ws-%d", h.nextID.Add(1))}
	h.clients.Store(client.id, client)
	h.metrics.ClientConnected()
	h.logger.Debug("client connected", "client", client.id)

	defer func() {
		h.clients.Delete(client.id)
		h.metrics.ClientDisconnected()
		conn.CloseNow()
		h.logger.Debug("client disconnected", "client", client.id)
	}()

	ctx := r.Context()
	h.sendSnapshot(ctx, client)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "command" || strings.TrimSpace(msg.Command) == "" {
			continue
		}

		go func(command string) {
			reply, err := h.request(ctx, client.id, command)
			out := wsMessage{Type: "reply", Command: command, Status: reply.Status, Error: reply.Error}
			if err != nil {
				out.Error = err.Error()
			}
			payload, _ := json.Marshal(out)
			if err := h.write(client, payload); err != nil {
				h.logger.Debug("websocket reply failed", "client", client.id, "error", err)
			}
		}(strings.TrimSpace(msg.Command))
	}
}

// sendSnapshot pushes today's state, if any, right after a client connects.
func (h *HTTPChannel) sendSnapshot(ctx context.Context, client *wsClient) {
	today := h.reader.Status().Today
	state, found, err := h.reader.Day(ctx, today)
	if err != nil || !found {
		return
	}
	data, err := json.Marshal(wsMessage{Type: "day", Day: today, State: &state})
	if err != nil {
		return
	}
	_ = h.write(client, data)
}

func (h *HTTPChannel) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"requestId", middleware.GetReqID(r.Context()),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
