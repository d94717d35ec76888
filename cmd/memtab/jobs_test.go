package main

import (
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/cron"
	"github.com/stellarlinkco/memtab/internal/gateway"
)

func TestJobs_AddListToggleRemove(t *testing.T) {
	setupHome(t)

	out, err := execute(t, CLIOptions{}, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list error: %v", err)
	}
	if !strings.Contains(out, "No jobs") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = execute(t, CLIOptions{}, "jobs", "add", "weekly-clear", "--cron", "0 0 3 * * 0", "--command", "clear")
	if err != nil {
		t.Fatalf("jobs add error: %v", err)
	}
	if !strings.Contains(out, "cron 0 0 3 * * 0") || !strings.Contains(out, bus.CommandClearMemory) {
		t.Errorf("unexpected add output: %s", out)
	}

	svc, err := loadJobs()
	if err != nil {
		t.Fatalf("loadJobs error: %v", err)
	}
	jobs := svc.ListJobs()
	if len(jobs) != 1 {
		t.Fatalf("len(jobs) = %d, want 1", len(jobs))
	}
	id := jobs[0].ID

	out, _ = execute(t, CLIOptions{}, "jobs", "list")
	if !strings.Contains(out, id) || !strings.Contains(out, "weekly-clear  enabled") {
		t.Errorf("list missing job: %s", out)
	}

	if _, err := execute(t, CLIOptions{}, "jobs", "disable", id); err != nil {
		t.Fatalf("jobs disable error: %v", err)
	}
	out, _ = execute(t, CLIOptions{}, "jobs", "list")
	if !strings.Contains(out, "disabled") {
		t.Errorf("job not disabled: %s", out)
	}

	if _, err := execute(t, CLIOptions{}, "jobs", "rm", id); err != nil {
		t.Fatalf("jobs rm error: %v", err)
	}
	if _, err := execute(t, CLIOptions{}, "jobs", "rm", id); err == nil {
		t.Error("removing a missing job should fail")
	}
}

func TestJobs_AddValidation(t *testing.T) {
	setupHome(t)

	cases := [][]string{
		{"jobs", "add", "x"},
		{"jobs", "add", "x", "--every", "1h", "--cron", "@hourly"},
		{"jobs", "add", "x", "--every", "soon"},
		{"jobs", "add", "x", "--cron", "not cron"},
		{"jobs", "add", "x", "--at", "tomorrow"},
		{"jobs", "add", "x", "--every", "1h", "--command", "dance"},
		{"jobs", "add", gateway.SummaryJobName, "--every", "1h"},
	}
	for _, args := range cases {
		if _, err := execute(t, CLIOptions{}, args...); err == nil {
			t.Errorf("%v: expected error", args)
		}
	}
}

func TestJobFlagsSchedule(t *testing.T) {
	s, err := jobFlags{every: "90m"}.schedule()
	if err != nil || s.Kind != cron.KindEvery || s.EveryMs != 90*60*1000 {
		t.Errorf("every: %+v %v", s, err)
	}
	s, err = jobFlags{at: "2024-05-02T09:00:00Z"}.schedule()
	if err != nil || s.Kind != cron.KindAt {
		t.Errorf("at: %+v %v", s, err)
	}
	if got := describeSchedule(cron.EverySchedule(6 * time.Hour)); got != "every 6h0m0s" {
		t.Errorf("describeSchedule = %q", got)
	}
}

func TestJobCommand(t *testing.T) {
	for in, want := range map[string]string{
		"summary":                 bus.CommandTriggerSummary,
		bus.CommandTriggerSummary: bus.CommandTriggerSummary,
		"clear":                   bus.CommandClearMemory,
		bus.CommandClearMemory:    bus.CommandClearMemory,
	} {
		got, err := jobCommand(in)
		if err != nil || got != want {
			t.Errorf("jobCommand(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := jobCommand("dance"); err == nil {
		t.Error("expected error for unknown command")
	}
}
