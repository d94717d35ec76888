package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/memory"
	"github.com/stellarlinkco/memtab/internal/metrics"
)

// DefaultStartTimeout bounds the worker's ready handshake.
const DefaultStartTimeout = 5 * time.Second

var errStopped = errors.New("worker stopped")

// Host manages the lifetime of the completion worker. A worker is created on first
// use and recreated after Close or if it stops.
type Host struct {
	completer    Completer
	logger       *slog.Logger
	metrics      *metrics.Metrics
	startTimeout time.Duration

	// spawnHook runs just before a worker goroutine starts.
	spawnHook func()

	mu       sync.Mutex
	current  *worker
	creating chan struct{}
}

type HostOption func(*Host)

func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = logger.Component(l, "llm") }
}

func WithMetrics(m *metrics.Metrics) HostOption {
	return func(h *Host) { h.metrics = m }
}

func WithStartTimeout(d time.Duration) HostOption {
	return func(h *Host) {
		if d > 0 {
			h.startTimeout = d
		}
	}
}

func NewHost(completer Completer, opts ...HostOption) *Host {
	h := &Host{
		completer:    completer,
		logger:       logger.Discard(),
		startTimeout: DefaultStartTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Ensure returns a running worker. Callers that arrive while another caller is
// creating the worker wait for that creation instead of starting a second one.
func (h *Host) Ensure(ctx context.Context) error {
	_, err := h.ensure(ctx)
	return err
}

func (h *Host) ensure(ctx context.Context) (*worker, error) {
	for {
		h.mu.Lock()
		if h.current != nil && h.current.alive() {
			w := h.current
			h.mu.Unlock()
			return w, nil
		}
		if pending := h.creating; pending != nil {
			h.mu.Unlock()
			select {
			case <-pending:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		marker := make(chan struct{})
		h.creating = marker
		h.mu.Unlock()

		w, err := h.spawn(ctx)

		h.mu.Lock()
		if err == nil {
			h.current = w
		}
		h.creating = nil
		close(marker)
		h.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return w, nil
	}
}

func (h *Host) spawn(ctx context.Context) (*worker, error) {
	if h.spawnHook != nil {
		h.spawnHook()
	}
	w := newWorker(h.completer, h.logger)
	ready := make(chan struct{})
	go w.run(ready)

	timer := time.NewTimer(h.startTimeout)
	defer timer.Stop()
	select {
	case <-ready:
		h.logger.Debug("worker started")
		return w, nil
	case <-timer.C:
		go w.stop()
		return nil, fmt.Errorf("worker did not become ready within %s", h.startTimeout)
	case <-ctx.Done():
		go w.stop()
		return nil, ctx.Err()
	}
}

// Call sends req to the worker and waits for its reply. The returned error is
// non-nil only when the worker could not be reached; completion failures are
// reported in the Response.
func (h *Host) Call(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := h.call(ctx, req)
	switch {
	case err != nil:
		h.metrics.RecordGatewayCall("unavailable", time.Since(start))
		h.logger.Warn("gateway unavailable", "error", err)
		return Response{}, fmt.Errorf("%w: %v", memory.ErrGatewayUnavailable, err)
	case resp.Success:
		h.metrics.RecordGatewayCall("ok", time.Since(start))
	default:
		h.metrics.RecordGatewayCall("error", time.Since(start))
		h.logger.Warn("completion failed", "error", resp.Error)
	}
	return resp, nil
}

func (h *Host) call(ctx context.Context, req Request) (Response, error) {
	w, err := h.ensure(ctx)
	if err != nil {
		return Response{}, fmt.Errorf("create worker: %w", err)
	}

	env := envelope{ctx: ctx, req: req, reply: make(chan Response, 1)}
	select {
	case w.requests <- env:
	case <-w.done:
		return Response{}, errStopped
	case <-ctx.Done():
		return Response{}, fmt.Errorf("send request: %w", ctx.Err())
	}

	select {
	case resp := <-env.reply:
		return resp, nil
	case <-w.done:
		select {
		case resp := <-env.reply:
			return resp, nil
		default:
			return Response{}, errStopped
		}
	case <-ctx.Done():
		return Response{}, fmt.Errorf("await reply: %w", ctx.Err())
	}
}

// Close stops the current worker, waiting for an in-flight request to finish.
func (h *Host) Close() error {
	h.mu.Lock()
	w := h.current
	h.current = nil
	h.mu.Unlock()

	if w != nil {
		w.stop()
		h.logger.Debug("worker stopped")
	}
	return nil
}
