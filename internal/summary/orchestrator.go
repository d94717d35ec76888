// Package summary turns recent browsing history into memory entries for the current day.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/history"
	"github.com/stellarlinkco/memtab/internal/llm"
	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/memory"
	"github.com/stellarlinkco/memtab/internal/metrics"
	"github.com/stellarlinkco/memtab/internal/store"
)

// ErrBusy is returned by TryRun when another run holds the lock.
var ErrBusy = errors.New("summary already in progress")

type State string

const (
	StateIdle                  State = "idle"
	StateAcquiringLock         State = "acquiring_lock"
	StateFetchingExistingState State = "fetching_existing_state"
	StateFetchingHistory       State = "fetching_history"
	StateFiltering             State = "filtering"
	StateBuildingPrompt        State = "building_prompt"
	StateCallingGateway        State = "calling_gateway"
	StateParsing               State = "parsing"
	StateMerging               State = "merging"
	StatePersisting            State = "persisting"
	StateDone                  State = "done"
	StateFailed                State = "failed"
)

type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Gateway delivers a completion request to the isolated worker.
type Gateway interface {
	Call(ctx context.Context, req llm.Request) (llm.Response, error)
}

// Result describes one finished run. Err is the failure recorded in State.Error, if any.
type Result struct {
	Day     string
	Trigger Trigger
	State   memory.DayState
	Added   []memory.Entry
	Err     error
}

// Options are the run policy knobs.
type Options struct {
	Lookback       time.Duration
	GatewayTimeout time.Duration
	MaxRecords     int
	MaxHistory     int
}

func OptionsFromConfig(cfg config.SummaryConfig) Options {
	return Options{
		Lookback:       cfg.LookbackDuration(),
		GatewayTimeout: cfg.GatewayTimeoutDuration(),
		MaxRecords:     cfg.MaxRecords,
		MaxHistory:     cfg.MaxHistory,
	}
}

type Orchestrator struct {
	store   store.Store
	source  history.Source
	gateway Gateway
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	onPersist func(Result)

	running atomic.Bool
	state   atomic.Value
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.Component(l, "summary") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithOnPersist registers fn to run after every successful persist.
func WithOnPersist(fn func(Result)) Option {
	return func(o *Orchestrator) { o.onPersist = fn }
}

func New(st store.Store, src history.Source, gw Gateway, opts Options, options ...Option) *Orchestrator {
	if opts.Lookback <= 0 {
		opts.Lookback = 24 * time.Hour
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 60 * time.Second
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = memory.MaxPromptRecords
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = config.DefaultMaxHistory
	}

	o := &Orchestrator{
		store:   st,
		source:  src,
		gateway: gw,
		opts:    opts,
		logger:  logger.Discard(),
		now:     time.Now,
	}
	for _, opt := range options {
		opt(o)
	}
	o.state.Store(StateIdle)
	return o
}

// State reports the step of the run in progress, or StateIdle between runs.
// The outcome of the last run lives in the persisted day state.
func (o *Orchestrator) State() State {
	return o.state.Load().(State)
}

// Running reports whether a run holds the lock.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (o *Orchestrator) setState(s State) {
	o.state.Store(s)
	o.logger.Debug("state", "state", string(s))
}

// TryRun performs one summary run unless another is in progress, in which case it
// returns ErrBusy without waiting. Run failures are persisted and reported in
// Result.Err; they are never returned as the error.
func (o *Orchestrator) TryRun(ctx context.Context, trigger Trigger) (Result, error) {
	if !o.running.CompareAndSwap(false, true) {
		if trigger == TriggerScheduled {
			o.logger.Info("scheduled run skipped, previous run still in progress")
			o.metrics.RecordRun(string(trigger), "skipped", 0)
		} else {
			o.metrics.RecordRun(string(trigger), "busy", 0)
		}
		return Result{Trigger: trigger}, ErrBusy
	}
	defer o.running.Store(false)
	defer o.setState(StateIdle)
	o.setState(StateAcquiringLock)

	start := time.Now()
	res := o.runSafely(context.WithoutCancel(ctx), trigger)

	result := "ok"
	if res.Err != nil {
		result = "error"
	}
	o.metrics.RecordRun(string(trigger), result, time.Since(start))
	o.metrics.EntriesGenerated(len(res.Added))

	attrs := []any{"trigger", string(trigger), "day", res.Day, "entries", len(res.State.Entries), "added", len(res.Added), "duration", time.Since(start)}
	if res.Err != nil {
		o.logger.Warn("run failed", append(attrs, "error", res.Err)...)
	} else {
		o.logger.Info("run finished", attrs...)
	}
	return res, nil
}

// runSafely turns a panic in any collaborator into a persisted failure.
func (o *Orchestrator) runSafely(ctx context.Context, trigger Trigger) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("run panicked", "trigger", string(trigger), "panic", r)
			res = o.persistPanic(ctx, trigger, fmt.Errorf("panic: %v", r))
		}
	}()
	return o.run(ctx, trigger)
}

func (o *Orchestrator) persistPanic(ctx context.Context, trigger Trigger, runErr error) (res Result) {
	day := memory.DayKey(o.now())
	defer func() {
		if r := recover(); r != nil {
			o.setState(StateFailed)
			o.logger.Error("persist after panic", "day", day, "panic", r)
			res = Result{Day: day, Trigger: trigger, Err: fmt.Errorf("%v; persist: panic: %v", runErr, r)}
		}
	}()
	existing, _, err := memory.LoadDay(ctx, o.store, day)
	if err != nil {
		o.logger.Warn("existing state unreadable, starting fresh", "day", day, "error", err)
	}
	return o.persist(ctx, trigger, day, existing, nil, runErr)
}

func (o *Orchestrator) run(ctx context.Context, trigger Trigger) Result {
	now := o.now()
	day := memory.DayKey(now)

	o.setState(StateFetchingExistingState)
	existing, _, err := memory.LoadDay(ctx, o.store, day)
	if err != nil {
		o.logger.Warn("existing state unreadable, starting fresh", "day", day, "error", err)
	}

	apiKey, err := memory.LoadCredential(ctx, o.store)
	if err != nil {
		return o.persist(ctx, trigger, day, existing, nil, err)
	}

	o.setState(StateFetchingHistory)
	records, err := o.source.Search(ctx, history.Query{
		Start:      now.Add(-o.opts.Lookback),
		End:        now,
		MaxResults: o.opts.MaxHistory,
	})
	var fetchErr error
	if err != nil {
		fetchErr = fmt.Errorf("%w: %v", memory.ErrHistoryFetch, err)
		o.logger.Warn("history fetch failed", "source", o.source.Name(), "error", err)
		records = nil
	}

	o.setState(StateFiltering)
	web := history.FilterWeb(records)
	o.logger.Debug("history filtered", "fetched", len(records), "web", len(web))
	if len(web) == 0 {
		return o.persist(ctx, trigger, day, existing, nil, fetchErr)
	}

	o.setState(StateBuildingPrompt)
	prompt := memory.BuildPrompt(web, o.opts.MaxRecords)
	if memory.IsNoHistory(prompt) {
		return o.persist(ctx, trigger, day, existing, nil, nil)
	}

	o.setState(StateCallingGateway)
	callCtx, cancel := context.WithTimeout(ctx, o.opts.GatewayTimeout)
	resp, err := o.gateway.Call(callCtx, llm.NewRequest(apiKey, prompt))
	cancel()
	if err != nil {
		return o.persist(ctx, trigger, day, existing, nil, err)
	}
	if err := resp.Err(); err != nil {
		return o.persist(ctx, trigger, day, existing, nil, err)
	}

	o.setState(StateParsing)
	entry, err := memory.ParseResponse(o.logger, resp.Content)
	if err != nil {
		return o.persist(ctx, trigger, day, existing, nil, err)
	}

	o.setState(StateMerging)
	return o.persist(ctx, trigger, day, existing, []memory.Entry{entry}, nil)
}

// persist prepends added to the existing entries and writes the whole day value.
// A non-nil runErr is recorded as the day's error; existing entries are kept either way.
func (o *Orchestrator) persist(ctx context.Context, trigger Trigger, day string, existing memory.DayState, added []memory.Entry, runErr error) Result {
	o.setState(StatePersisting)

	next := memory.DayState{
		Entries:     make([]memory.Entry, 0, len(added)+len(existing.Entries)),
		LastUpdated: o.now(),
	}
	next.Entries = append(next.Entries, added...)
	next.Entries = append(next.Entries, existing.Entries...)
	if runErr != nil {
		next.SetError(runErr.Error())
	}

	res := Result{Day: day, Trigger: trigger, State: next, Added: added, Err: runErr}
	if err := memory.SaveDay(ctx, o.store, day, next); err != nil {
		o.setState(StateFailed)
		o.logger.Error("persist day state", "day", day, "error", err)
		res.Added = nil
		if runErr != nil {
			res.Err = fmt.Errorf("%v; persist: %w", runErr, err)
		} else {
			res.Err = fmt.Errorf("persist: %w", err)
		}
		return res
	}

	if runErr != nil {
		o.setState(StateFailed)
	} else {
		o.setState(StateDone)
	}
	o.notify(res)
	return res
}

func (o *Orchestrator) notify(res Result) {
	if o.onPersist == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("persist hook panicked", "day", res.Day, "panic", r)
		}
	}()
	o.onPersist(res)
}
