package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron  = "cron"
	KindEvery = "every"
	KindAt    = "at"
)

// Schedule describes when a job fires. Only the field matching Kind is used.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Payload is handed to the job handler. Command uses the same names as the bus protocol.
type Payload struct {
	Command string `json:"command"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// NewCronJob returns an enabled job. Interval jobs first fire one interval after creation.
func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	now := time.Now().UnixMilli()
	job := CronJob{
		ID:          uuid.NewString(),
		Name:        name,
		Enabled:     true,
		Schedule:    schedule,
		Payload:     payload,
		CreatedAtMs: now,
	}
	if schedule.Kind == KindEvery {
		job.State.LastRunAtMs = now
	}
	return job
}

// EverySchedule builds an interval schedule.
func EverySchedule(d time.Duration) Schedule {
	return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}
}

func CronSchedule(expr string) Schedule {
	return Schedule{Kind: KindCron, Expr: expr}
}

// AtSchedule fires once at t.
func AtSchedule(t time.Time) Schedule {
	return Schedule{Kind: KindAt, AtMs: t.UnixMilli()}
}
