// Package gateway wires the store, history source, completion worker, orchestrator,
// scheduler and channels into the long-running service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/channel"
	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/cron"
	"github.com/stellarlinkco/memtab/internal/history"
	"github.com/stellarlinkco/memtab/internal/llm"
	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/memory"
	"github.com/stellarlinkco/memtab/internal/metrics"
	"github.com/stellarlinkco/memtab/internal/store"
	"github.com/stellarlinkco/memtab/internal/summary"
)

// SummaryJobName is the cron job that drives scheduled runs.
const SummaryJobName = "memory-summary"

const shutdownGrace = 10 * time.Second

// Options override the collaborators New would build from config.
type Options struct {
	Logger        *slog.Logger
	Store         store.Store
	Source        history.Source
	Completer     llm.Completer
	BotFactory    channel.BotFactory
	Registry      *prometheus.Registry
	CronStorePath string
	Clock         func() time.Time
	SignalChan    chan os.Signal // for testing signal handling
}

type Gateway struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *bus.MessageBus
	store      store.Store
	host       *llm.Host
	orch       *summary.Orchestrator
	cron       *cron.Service
	channels   *channel.ChannelManager
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	now        func() time.Time
	signalChan chan os.Signal

	handlers     sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Gateway from cfg.
func New(ctx context.Context, cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(ctx, cfg, Options{})
}

// NewWithOptions creates a Gateway, using any collaborators set in opts.
func NewWithOptions(ctx context.Context, cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		logger:     logger.Component(opts.Logger, "gateway"),
		bus:        bus.NewMessageBus(config.DefaultBufSize),
		now:        opts.Clock,
		signalChan: opts.SignalChan,
		registry:   opts.Registry,
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.registry == nil {
		g.registry = prometheus.NewRegistry()
	}
	g.metrics = metrics.New(g.registry)

	// Store
	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	g.store = st

	if cfg.Provider.APIKey != "" {
		seeded, err := memory.SeedCredential(ctx, st, cfg.Provider.APIKey)
		switch {
		case err != nil:
			g.logger.Warn("configured api key not stored", "error", err)
		case seeded:
			g.logger.Info("api key seeded from config")
		}
	}

	// History
	src := opts.Source
	if src == nil {
		var err error
		src, err = history.New(cfg.History)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create history source: %w", err)
		}
	}

	// Completion worker
	completer := opts.Completer
	if completer == nil {
		completer = llm.NewClient(cfg.Provider)
	}
	g.host = llm.NewHost(completer, llm.WithLogger(opts.Logger), llm.WithMetrics(g.metrics))

	g.orch = summary.New(st, src, g.host, summary.OptionsFromConfig(cfg.Summary),
		summary.WithLogger(opts.Logger),
		summary.WithMetrics(g.metrics),
		summary.WithClock(g.now),
		summary.WithOnPersist(g.publishDay),
	)

	// Cron
	cronStorePath := opts.CronStorePath
	if cronStorePath == "" {
		cronStorePath = CronStorePath()
	}
	g.cron = cron.NewService(cronStorePath, opts.Logger)
	g.cron.OnJob = g.runJob

	// Channels
	chMgr, err := channel.NewChannelManager(cfg, g.bus, g, channel.ManagerOptions{
		Logger:     opts.Logger,
		Metrics:    g.metrics,
		Gatherer:   g.registry,
		BotFactory: opts.BotFactory,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create channel manager: %w", err)
	}
	g.channels = chMgr

	return g, nil
}

// CronStorePath is where scheduled jobs are persisted.
func CronStorePath() string {
	return filepath.Join(config.DataDir(), "cron", "jobs.json")
}

// summarySchedule is the cron expression when one is configured, else the interval.
func summarySchedule(cfg config.SummaryConfig) cron.Schedule {
	if cfg.Schedule != "" {
		return cron.CronSchedule(cfg.Schedule)
	}
	return cron.EverySchedule(cfg.IntervalDuration())
}

func (g *Gateway) ensureSummaryJob() error {
	job, changed, err := g.cron.EnsureJob(SummaryJobName, summarySchedule(g.cfg.Summary), cron.Payload{Command: bus.CommandTriggerSummary})
	if err != nil {
		return err
	}
	if changed {
		g.logger.Info("summary job installed", "id", job.ID, "kind", job.Schedule.Kind)
	}
	return nil
}

func (g *Gateway) runJob(job cron.CronJob) (string, error) {
	switch job.Payload.Command {
	case bus.CommandTriggerSummary:
		res, err := g.orch.TryRun(context.Background(), summary.TriggerScheduled)
		if errors.Is(err, summary.ErrBusy) {
			return "skipped", nil
		}
		if err != nil {
			return "", err
		}
		if res.Err != nil {
			return "", res.Err
		}
		return fmt.Sprintf("%s: %d entries", res.Day, len(res.State.Entries)), nil
	case bus.CommandClearMemory:
		r := g.HandleCommand(context.Background(), job.Payload.Command)
		if r.Failed() {
			return "", errors.New(r.Error)
		}
		return r.Status, nil
	default:
		return "", fmt.Errorf("unknown job command %q", job.Payload.Command)
	}
}

// publishDay pushes a persisted day to live displays and notifiers.
func (g *Gateway) publishDay(res summary.Result) {
	msg := bus.OutboundMessage{Day: &bus.DayEvent{Day: res.Day, State: res.State, Added: res.Added}}
	if err := g.bus.Publish(msg); err != nil {
		g.logger.Warn("day update dropped", "day", res.Day, "error", err)
	}
}

func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go g.bus.DispatchOutbound(ctx)

	if err := g.host.Ensure(ctx); err != nil {
		g.logger.Warn("completion worker not ready, will retry on first call", "error", err)
	}

	if err := g.channels.StartAll(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start channels: %w", err)
	}
	g.logger.Info("channels started", "channels", g.channels.EnabledChannels())

	if err := g.cron.Start(ctx); err != nil {
		g.logger.Warn("cron start failed", "error", err)
	}
	if err := g.ensureSummaryJob(); err != nil {
		g.logger.Warn("summary job not installed", "error", err)
	}

	go g.processLoop(ctx)

	if g.cfg.Summary.RunOnStart {
		go func() {
			if _, err := g.orch.TryRun(ctx, summary.TriggerScheduled); err != nil {
				g.logger.Info("startup run skipped", "error", err)
			}
		}()
	}

	g.logger.Info("running", "addr", g.cfg.Gateway.Addr())

	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case sig := <-sigCh:
		g.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		g.logger.Info("shutting down", "reason", ctx.Err())
	}
	return g.Shutdown()
}

// processLoop answers inbound commands. Each command runs on its own goroutine so a
// busy reply is never queued behind a running summary.
func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case msg := <-g.bus.Inbound:
			g.logger.Debug("command", "channel", msg.Channel, "sender", msg.SenderID, "command", msg.Command)
			g.handlers.Add(1)
			go func(msg bus.InboundMessage) {
				defer g.handlers.Done()
				msg.Respond(g.HandleCommand(ctx, msg.Command))
			}(msg)
		case <-ctx.Done():
			return
		}
	}
}

// HandleCommand executes one trigger-protocol command and builds its reply.
func (g *Gateway) HandleCommand(ctx context.Context, command string) bus.Reply {
	switch command {
	case bus.CommandTriggerSummary:
		res, err := g.Summarize(ctx)
		switch {
		case errors.Is(err, summary.ErrBusy):
			return bus.Reply{Status: bus.StatusSummaryBusy}
		case err != nil:
			return bus.Reply{Status: bus.StatusSummaryError, Error: err.Error()}
		case res.Err != nil:
			return bus.Reply{Status: bus.StatusSummaryError, Error: res.Err.Error()}
		}
		return bus.Reply{Status: bus.StatusSummaryTriggered}

	case bus.CommandClearMemory:
		n, err := g.ClearMemory(ctx)
		if err != nil {
			return bus.Reply{Status: bus.StatusClearError, Error: err.Error()}
		}
		g.logger.Info("memory cleared", "days", n)
		return bus.Reply{Status: bus.StatusMemoryCleared}

	default:
		return bus.Reply{Status: bus.StatusUnknownCommand, Error: fmt.Sprintf("unknown command: %s", command)}
	}
}

// Summarize runs one manual summary. It returns summary.ErrBusy if a run is in progress.
func (g *Gateway) Summarize(ctx context.Context) (summary.Result, error) {
	return g.orch.TryRun(ctx, summary.TriggerManual)
}

// ClearMemory deletes every stored day and keeps the credential.
func (g *Gateway) ClearMemory(ctx context.Context) (int, error) {
	n, err := memory.ClearDays(context.WithoutCancel(ctx), g.store)
	if err != nil {
		return 0, err
	}
	today := memory.DayKey(g.now())
	if err := g.bus.Publish(bus.OutboundMessage{Day: &bus.DayEvent{Day: today, State: memory.DayState{Entries: []memory.Entry{}}}}); err != nil {
		g.logger.Debug("clear update dropped", "error", err)
	}
	return n, nil
}

// Days lists stored day keys, newest first.
func (g *Gateway) Days(ctx context.Context) ([]string, error) {
	return memory.ListDays(ctx, g.store)
}

func (g *Gateway) Day(ctx context.Context, day string) (memory.DayState, bool, error) {
	return memory.LoadDay(ctx, g.store, day)
}

func (g *Gateway) Status() channel.Status {
	return channel.Status{
		State:   string(g.orch.State()),
		Running: g.orch.Running(),
		Today:   memory.DayKey(g.now()),
	}
}

// Shutdown stops every component. Only the first call does any work.
func (g *Gateway) Shutdown() error {
	g.shutdownOnce.Do(func() {
		g.cron.Stop()
		_ = g.channels.StopAll()

		done := make(chan struct{})
		go func() {
			g.handlers.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			g.logger.Warn("commands still running at shutdown")
		}

		if err := g.host.Close(); err != nil {
			g.logger.Warn("close completion worker", "error", err)
		}
		if err := g.store.Close(); err != nil {
			g.shutdownErr = fmt.Errorf("close store: %w", err)
		}
		g.logger.Info("shutdown complete")
	})
	return g.shutdownErr
}
