package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

type envelope struct {
	ctx   context.Context
	req   Request
	reply chan Response
}

// worker owns the network call. It serves one request at a time.
type worker struct {
	completer Completer
	logger    *slog.Logger

	requests chan envelope
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newWorker(completer Completer, logger *slog.Logger) *worker {
	return &worker{
		completer: completer,
		logger:    logger,
		requests:  make(chan envelope),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (w *worker) run(ready chan<- struct{}) {
	defer close(w.done)
	close(ready)

	for {
		select {
		case <-w.quit:
			return
		case env := <-w.requests:
			// reply is buffered, so a caller that gave up never blocks the worker.
			env.reply <- w.handle(env.ctx, env.req)
		}
	}
}

func (w *worker) handle(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", "panic", r)
			resp = failure(fmt.Sprintf("worker panic: %v", r))
		}
	}()

	if req.Type != MessageCallOpenAI {
		return failure(fmt.Sprintf("unknown message type: %s", req.Type))
	}
	if req.APIKey == "" || req.Prompt == "" {
		return failure("missing apiKey or prompt")
	}
	return w.completer.Complete(ctx, req.APIKey, req.Prompt)
}

func (w *worker) alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
	<-w.done
}
