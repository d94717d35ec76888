package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memtab/internal/bus"
	"github.com/stellarlinkco/memtab/internal/cron"
	"github.com/stellarlinkco/memtab/internal/gateway"
	"github.com/stellarlinkco/memtab/internal/logger"
)

type jobFlags struct {
	every   string
	expr    string
	at      string
	command string
}

func newJobsCmd() *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage scheduled commands (picked up by the next serve)",
	}

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsList(cmd)
		},
	})

	var flags jobFlags
	addCmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Schedule a summary or clear command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsAdd(cmd, args[0], flags)
		},
	}
	addCmd.Flags().StringVar(&flags.every, "every", "", "Interval, e.g. 6h")
	addCmd.Flags().StringVar(&flags.expr, "cron", "", "Cron expression (seconds field optional)")
	addCmd.Flags().StringVar(&flags.at, "at", "", "One-shot time in RFC 3339")
	addCmd.Flags().StringVar(&flags.command, "command", "summary", "Command to run: summary or clear")
	addCmd.MarkFlagsMutuallyExclusive("every", "cron", "at")
	addCmd.MarkFlagsOneRequired("every", "cron", "at")
	jobsCmd.AddCommand(addCmd)

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsRemove(cmd, args[0])
		},
	})

	for _, enabled := range []bool{true, false} {
		use := "enable <id>"
		if !enabled {
			use = "disable <id>"
		}
		jobsCmd.AddCommand(&cobra.Command{
			Use:   use,
			Short: "Toggle a job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runJobsEnable(cmd, args[0], enabled)
			},
		})
	}

	return jobsCmd
}

func loadJobs() (*cron.Service, error) {
	svc := cron.NewService(gateway.CronStorePath(), logger.Discard())
	if err := svc.Load(); err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return svc, nil
}

func jobCommand(name string) (string, error) {
	switch name {
	case "summary", bus.CommandTriggerSummary:
		return bus.CommandTriggerSummary, nil
	case "clear", bus.CommandClearMemory:
		return bus.CommandClearMemory, nil
	default:
		return "", fmt.Errorf("unknown command %q (want summary or clear)", name)
	}
}

func (f jobFlags) schedule() (cron.Schedule, error) {
	switch {
	case f.every != "":
		d, err := time.ParseDuration(f.every)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --every: %w", err)
		}
		return cron.EverySchedule(d), nil
	case f.expr != "":
		return cron.CronSchedule(f.expr), nil
	case f.at != "":
		t, err := time.Parse(time.RFC3339, f.at)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("parse --at: %w", err)
		}
		return cron.AtSchedule(t), nil
	}
	return cron.Schedule{}, fmt.Errorf("one of --every, --cron or --at is required")
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case cron.KindCron:
		return "cron " + s.Expr
	case cron.KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	}
	return s.Kind
}

func runJobsList(cmd *cobra.Command) error {
	svc, err := loadJobs()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	jobs := svc.ListJobs()
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs (serve installs the summary job on start)")
		return nil
	}
	for _, j := range jobs {
		status := "enabled"
		if !j.Enabled {
			status = "disabled"
		}
		fmt.Fprintf(out, "%s  %s  %s  %s  %s", j.ID, j.Name, status, describeSchedule(j.Schedule), j.Payload.Command)
		if j.State.LastStatus != "" {
			fmt.Fprintf(out, "  last=%s", j.State.LastStatus)
		}
		if j.State.LastError != "" {
			fmt.Fprintf(out, " (%s)", j.State.LastError)
		}
		fmt.Fprintln(out)
	}
	return nil
}

func runJobsAdd(cmd *cobra.Command, name string, flags jobFlags) error {
	if name == gateway.SummaryJobName {
		return fmt.Errorf("%s is managed by serve; set summary.interval or summary.schedule instead", name)
	}
	command, err := jobCommand(flags.command)
	if err != nil {
		return err
	}
	sched, err := flags.schedule()
	if err != nil {
		return err
	}
	svc, err := loadJobs()
	if err != nil {
		return err
	}
	job, err := svc.AddJob(name, sched, cron.Payload{Command: command})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added job %s (%s, %s)\n", job.ID, describeSchedule(job.Schedule), command)
	return nil
}

func runJobsRemove(cmd *cobra.Command, id string) error {
	svc, err := loadJobs()
	if err != nil {
		return err
	}
	var name string
	for _, j := range svc.ListJobs() {
		if j.ID == id {
			name = j.Name
		}
	}
	if !svc.RemoveJob(id) {
		return fmt.Errorf("job %s not found", id)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Removed job %s\n", id)
	if name == gateway.SummaryJobName {
		fmt.Fprintln(out, "The summary job is reinstalled on the next serve.")
	}
	return nil
}

func runJobsEnable(cmd *cobra.Command, id string, enabled bool) error {
	svc, err := loadJobs()
	if err != nil {
		return err
	}
	job, err := svc.EnableJob(id, enabled)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s enabled=%v\n", job.ID, job.Enabled)
	return nil
}
