package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/stellarlinkco/memtab/internal/logger"
)

// Expressions may omit the seconds field and may use descriptors such as @hourly.
var parser = rcron.NewParser(
	rcron.SecondOptional | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor,
)

type Service struct {
	storePath string
	logger    *slog.Logger
	mu        sync.Mutex
	jobs      []CronJob
	OnJob     func(job CronJob) (string, error)
	cron      *rcron.Cron
	entryMap  map[string]rcron.EntryID // job ID -> cron entry ID
	cancel    context.CancelFunc
	stopCh    chan struct{}
}

func NewService(storePath string, l *slog.Logger) *Service {
	return &Service{
		storePath: storePath,
		logger:    logger.Component(l, "cron"),
		entryMap:  make(map[string]rcron.EntryID),
	}
}

// ValidateSchedule reports whether sched can be registered.
func ValidateSchedule(sched Schedule) error {
	switch sched.Kind {
	case KindCron:
		if _, err := parser.Parse(sched.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", sched.Expr, err)
		}
	case KindEvery:
		if sched.EveryMs <= 0 {
			return fmt.Errorf("interval must be positive")
		}
	case KindAt:
		if sched.AtMs <= 0 {
			return fmt.Errorf("at time must be set")
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	stopCh := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.stopCh = stopCh
	if err := s.load(); err != nil {
		s.logger.Warn("failed to load jobs", "path", s.storePath, "error", err)
	}
	s.cron = rcron.New(rcron.WithParser(parser))
	for i := range s.jobs {
		if s.jobs[i].Enabled && s.jobs[i].Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[i])
		}
	}
	count := len(s.jobs)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("started", "jobs", count)

	// "every" and "at" jobs are driven by the tick loop.
	go s.tickLoop(runCtx)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-stopCh:
		}
	}()

	return nil
}

// registerJob requires s.mu.
func (s *Service) registerJob(job *CronJob) {
	if s.cron == nil {
		return
	}
	jobID := job.ID
	id, err := s.cron.AddFunc(job.Schedule.Expr, func() {
		if j, ok := s.jobByID(jobID); ok {
			s.executeJob(j)
		}
	})
	if err != nil {
		s.logger.Error("failed to register job", "job", job.Name, "expr", job.Schedule.Expr, "error", err)
		return
	}
	s.entryMap[job.ID] = id
}

// unregisterJob requires s.mu.
func (s *Service) unregisterJob(id string) {
	if entryID, ok := s.entryMap[id]; ok {
		if s.cron != nil {
			s.cron.Remove(entryID)
		}
		delete(s.entryMap, id)
	}
}

func (s *Service) jobByID(id string) (CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ID == id {
			return j, true
		}
	}
	return CronJob{}, false
}

func (s *Service) executeJob(job CronJob) {
	s.logger.Debug("executing job", "job", job.Name, "id", job.ID)

	if s.OnJob == nil {
		s.logger.Warn("no job handler set")
		return
	}

	result, err := s.OnJob(job)

	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != job.ID {
			continue
		}
		s.jobs[i].State.LastRunAtMs = time.Now().UnixMilli()
		if err != nil {
			s.jobs[i].State.LastStatus = "error"
			s.jobs[i].State.LastError = err.Error()
			s.logger.Warn("job failed", "job", job.Name, "error", err)
		} else {
			s.jobs[i].State.LastStatus = "ok"
			s.jobs[i].State.LastError = ""
			s.logger.Info("job finished", "job", job.Name, "result", truncate(result, 100))
		}

		if s.jobs[i].DeleteAfterRun {
			s.unregisterJob(job.ID)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
		}
		break
	}

	if err := s.save(); err != nil {
		s.logger.Warn("failed to save jobs", "error", err)
	}
}

func (s *Service) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, job := range s.dueJobs(time.Now().UnixMilli()) {
				if ctx.Err() != nil {
					return
				}
				s.executeJob(job)
			}
		case <-ctx.Done():
			return
		}
	}
}

// dueJobs collects interval and one-shot jobs whose time has come. One-shot jobs
// are disabled as they are collected so they fire once.
func (s *Service) dueJobs(now int64) []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []CronJob
	for i := range s.jobs {
		job := &s.jobs[i]
		if !job.Enabled {
			continue
		}
		switch job.Schedule.Kind {
		case KindEvery:
			if job.Schedule.EveryMs > 0 && now >= job.State.LastRunAtMs+job.Schedule.EveryMs {
				due = append(due, *job)
			}
		case KindAt:
			if job.Schedule.AtMs > 0 && now >= job.Schedule.AtMs {
				due = append(due, *job)
				job.Enabled = false
			}
		}
	}
	return due
}

func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopCh := s.stopCh
	c := s.cron
	s.cancel = nil
	s.stopCh = nil
	s.mu.Unlock()

	if cancel == nil && stopCh == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	if stopCh != nil {
		close(stopCh)
	}

	if c != nil {
		stopCtx := c.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(5 * time.Second):
			s.logger.Warn("stop timeout waiting for running jobs")
		}
	}
	s.logger.Info("stopped")
}

func (s *Service) AddJob(name string, schedule Schedule, payload Payload) (*CronJob, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := NewCronJob(name, schedule, payload)
	s.jobs = append(s.jobs, job)

	if job.Schedule.Kind == KindCron {
		s.registerJob(&s.jobs[len(s.jobs)-1])
	}

	if err := s.save(); err != nil {
		return nil, fmt.Errorf("save jobs: %w", err)
	}
	return &job, nil
}

// EnsureJob makes sure exactly one job called name exists with the given schedule
// and payload. It creates the job on first call, updates it in place when the
// schedule or payload changed, and otherwise leaves it untouched. The returned
// bool reports whether anything was written.
func (s *Service) EnsureJob(name string, schedule Schedule, payload Payload) (*CronJob, bool, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.jobs) == 0 {
		if err := s.load(); err != nil {
			s.logger.Warn("failed to load jobs", "path", s.storePath, "error", err)
		}
	}

	idx := -1
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			idx = i
			break
		}
	}

	if idx < 0 {
		job := NewCronJob(name, schedule, payload)
		s.jobs = append(s.jobs, job)
		if job.Schedule.Kind == KindCron {
			s.registerJob(&s.jobs[len(s.jobs)-1])
		}
		if err := s.save(); err != nil {
			return nil, false, fmt.Errorf("save jobs: %w", err)
		}
		s.logger.Info("job created", "job", name, "kind", schedule.Kind)
		return &job, true, nil
	}

	job := &s.jobs[idx]
	if job.Schedule == schedule && job.Payload == payload && job.Enabled {
		out := *job
		return &out, false, nil
	}

	s.unregisterJob(job.ID)
	if job.Schedule != schedule && schedule.Kind == KindEvery {
		job.State.LastRunAtMs = time.Now().UnixMilli()
	}
	job.Schedule = schedule
	job.Payload = payload
	job.Enabled = true
	if job.Schedule.Kind == KindCron {
		s.registerJob(job)
	}
	if err := s.save(); err != nil {
		return nil, false, fmt.Errorf("save jobs: %w", err)
	}
	s.logger.Info("job updated", "job", name, "kind", schedule.Kind)
	out := *job
	return &out, true, nil
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, job := range s.jobs {
		if job.ID == id {
			s.unregisterJob(id)
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			_ = s.save()
			return true
		}
	}
	return false
}

func (s *Service) ListJobs() []CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]CronJob, len(s.jobs))
	copy(result, s.jobs)
	return result
}

func (s *Service) EnableJob(id string, enabled bool) (*CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.jobs {
		if s.jobs[i].ID != id {
			continue
		}
		s.jobs[i].Enabled = enabled
		if s.jobs[i].Schedule.Kind == KindCron {
			if enabled {
				if _, ok := s.entryMap[id]; !ok {
					s.registerJob(&s.jobs[i])
				}
			} else {
				s.unregisterJob(id)
			}
		}
		_ = s.save()
		job := s.jobs[i]
		return &job, nil
	}
	return nil, fmt.Errorf("job %s not found", id)
}

// Load reads the persisted job list without starting the scheduler, so jobs can be
// managed while the daemon is down. Start reloads the file.
func (s *Service) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// load replaces the in-memory job list when the store file exists. Requires s.mu.
func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var jobs []CronJob
	if err := json.Unmarshal(data, &jobs); err != nil {
		return err
	}
	s.jobs = jobs
	return nil
}

func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.storePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.storePath, data, 0644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
