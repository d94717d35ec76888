package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stellarlinkco/memtab/internal/config"
	"github.com/stellarlinkco/memtab/internal/gateway"
	"github.com/stellarlinkco/memtab/internal/history"
	"github.com/stellarlinkco/memtab/internal/llm"
	"github.com/stellarlinkco/memtab/internal/logger"
	"github.com/stellarlinkco/memtab/internal/memory"
	"github.com/stellarlinkco/memtab/internal/store"
	"github.com/stellarlinkco/memtab/internal/summary"
)

// CLIOptions carries dependencies the commands would otherwise build from config.
type CLIOptions struct {
	Stdout    io.Writer
	Stderr    io.Writer
	Source    history.Source
	Completer llm.Completer
	// Logger overrides the logger built from cfg.Log.
	Logger *slog.Logger
}

func main() {
	os.Exit(runCLI(CLIOptions{}, os.Args[1:]))
}

// runCLI executes the root command and returns the process exit code.
func runCLI(opts CLIOptions, args []string) int {
	root := newRootCmd(opts)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func newRootCmd(opts CLIOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "memtab",
		Short:         "memtab - turns browsing history into daily memory entries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Stdout != nil {
		root.SetOut(opts.Stdout)
	}
	if opts.Stderr != nil {
		root.SetErr(opts.Stderr)
	}

	serveCmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Run the scheduler, summary pipeline and channels until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	summarizeCmd := &cobra.Command{
		Use:   "summarize",
		Short: "Run one summary now and print the day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSummarize(cmd, opts)
		},
	}

	var showJSON bool
	showCmd := &cobra.Command{
		Use:   "show [day]",
		Short: "Print the entries for a day (default today)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			day := "today"
			if len(args) == 1 {
				day = args[0]
			}
			return runShow(cmd, day, showJSON)
		},
	}
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the raw stored state")

	daysCmd := &cobra.Command{
		Use:   "days",
		Short: "List stored days, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDays(cmd)
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete all stored days (the API key is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClear(cmd, opts)
		},
	}

	keyCmd := &cobra.Command{
		Use:   "key",
		Short: "Manage the stored API key",
	}
	keyCmd.AddCommand(&cobra.Command{
		Use:   "set <key>",
		Short: "Validate and store the API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeySet(cmd, args[0])
		},
	})

	onboardCmd := &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard(cmd)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show memtab status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}

	root.AddCommand(serveCmd, summarizeCmd, showCmd, daysCmd, clearCmd, keyCmd, newJobsCmd(), onboardCmd, statusCmd)
	return root
}

// buildLogger follows cfg.Log. A configured file receives output alongside stderr.
func buildLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	var lopts []logger.Option
	if cfg.Log.Debug {
		lopts = append(lopts, logger.WithDebug())
	}
	if cfg.Log.Format != "" {
		lopts = append(lopts, logger.WithFormat(cfg.Log.Format))
	}
	cleanup := func() {}
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		lopts = append(lopts, logger.WithWriter(f))
		cleanup = func() { _ = f.Close() }
	}
	return logger.New(lopts...), cleanup, nil
}

// newGateway loads config and builds a gateway with the injected collaborators.
func newGateway(ctx context.Context, opts CLIOptions) (*gateway.Gateway, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log, cleanup := opts.Logger, func() {}
	if log == nil {
		log, cleanup, err = buildLogger(cfg)
		if err != nil {
			return nil, nil, err
		}
	}
	gw, err := gateway.NewWithOptions(ctx, cfg, gateway.Options{
		Logger:    log,
		Source:    opts.Source,
		Completer: opts.Completer,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("create gateway: %w", err)
	}
	return gw, cleanup, nil
}

func runServe(cmd *cobra.Command, opts CLIOptions) error {
	ctx := contextOrBackground(cmd)
	gw, cleanup, err := newGateway(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	return gw.Run(ctx)
}

func runSummarize(cmd *cobra.Command, opts CLIOptions) error {
	ctx := contextOrBackground(cmd)
	gw, cleanup, err := newGateway(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	defer gw.Shutdown()

	res, err := gw.Summarize(ctx)
	if errors.Is(err, summary.ErrBusy) {
		return errors.New("summary already in progress")
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printDay(out, res.Day, res.State)
	if res.Err != nil {
		return fmt.Errorf("summary failed: %w", res.Err)
	}
	fmt.Fprintf(out, "\nAdded %d entries.\n", len(res.Added))
	return nil
}

func runClear(cmd *cobra.Command, opts CLIOptions) error {
	ctx := contextOrBackground(cmd)
	gw, cleanup, err := newGateway(ctx, opts)
	if err != nil {
		return err
	}
	defer cleanup()
	defer gw.Shutdown()

	n, err := gw.ClearMemory(ctx)
	if err != nil {
		return fmt.Errorf("clear memory: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Memory cleared successfully. (%d days removed)\n", n)
	return nil
}

// openStore loads config and opens the configured store for the read-only commands.
func openStore(ctx context.Context) (*config.Config, store.Store, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, st, nil
}

func runShow(cmd *cobra.Command, day string, asJSON bool) error {
	ctx := contextOrBackground(cmd)
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if day == "today" {
		day = memory.DayKey(time.Now())
	}
	if !memory.IsDayKey(day) {
		return fmt.Errorf("invalid day %q (want YYYY-MM-DD)", day)
	}

	state, found, err := memory.LoadDay(ctx, st, day)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if !found {
		fmt.Fprintf(out, "No memory for %s\n", day)
		return nil
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	printDay(out, day, state)
	return nil
}

func printDay(w io.Writer, day string, state memory.DayState) {
	fmt.Fprintf(w, "%s (%s)\n", day, state.Status())
	if msg := state.ErrorMessage(); msg != "" {
		fmt.Fprintf(w, "Error: %s\n", msg)
	}
	if len(state.Entries) == 0 {
		fmt.Fprintln(w, "  (no entries)")
		return
	}
	for _, e := range state.Entries {
		fmt.Fprintf(w, "- %s\n", e.Summary)
		if len(e.Tags) > 0 {
			tags := make([]string, len(e.Tags))
			for i, t := range e.Tags {
				tags[i] = "#" + t
			}
			fmt.Fprintf(w, "  %s\n", strings.Join(tags, " "))
		}
	}
}

func runDays(cmd *cobra.Command) error {
	ctx := contextOrBackground(cmd)
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	days, err := memory.ListDays(ctx, st)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(days) == 0 {
		fmt.Fprintln(out, "No stored days")
		return nil
	}
	for _, d := range days {
		fmt.Fprintln(out, d)
	}
	return nil
}

func runKeySet(cmd *cobra.Command, key string) error {
	ctx := contextOrBackground(cmd)
	if err := memory.ValidateCredential(key); err != nil {
		return err
	}
	_, st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := memory.SaveCredential(ctx, st, key); err != nil {
		return fmt.Errorf("save key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "API key stored: %s\n", maskKey(key))
	return nil
}

func runOnboard(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	if err := os.MkdirAll(config.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	fmt.Fprintf(out, "Data dir ready: %s\n", config.DataDir())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintln(out, "  1. Run 'memtab key set sk-...' or set OPENAI_API_KEY")
	fmt.Fprintln(out, "  2. Run 'memtab summarize' to test")
	fmt.Fprintln(out, "  3. Run 'memtab serve' to start the scheduler")
	return nil
}

func runStatus(cmd *cobra.Command) error {
	ctx := contextOrBackground(cmd)
	out := cmd.OutOrStdout()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Model: %s\n", cfg.Provider.Model)
	fmt.Fprintf(out, "History: %s\n", cfg.History.Source)
	fmt.Fprintf(out, "Store: %s\n", cfg.Store.Backend)
	if cfg.Summary.Schedule != "" {
		fmt.Fprintf(out, "Schedule: %s\n", cfg.Summary.Schedule)
	} else {
		fmt.Fprintf(out, "Schedule: every %s\n", cfg.Summary.IntervalDuration())
	}
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Telegram.Enabled)

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintf(out, "Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	if key, err := memory.LoadCredential(ctx, st); err == nil {
		fmt.Fprintf(out, "API Key: %s\n", maskKey(key))
	} else if cfg.Provider.APIKey != "" {
		fmt.Fprintln(out, "API Key: configured (stored on first serve)")
	} else {
		fmt.Fprintln(out, "API Key: not set")
	}

	days, err := memory.ListDays(ctx, st)
	if err != nil {
		fmt.Fprintf(out, "Days: error (%v)\n", err)
		return nil
	}
	fmt.Fprintf(out, "Days: %d\n", len(days))
	return nil
}

func maskKey(key string) string {
	if len(key) > 8 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return "set"
}

func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
