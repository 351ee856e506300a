package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tianpai/kairos-sub000/internal/config"
	"github.com/tianpai/kairos-sub000/internal/eventbridge"
	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/logbook"
	"github.com/tianpai/kairos-sub000/internal/tui"
	"github.com/tianpai/kairos-sub000/internal/workflow"
)

const shutdownGrace = 5 * time.Second

func newInitCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .kairos directory and default config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s\n", a.cfg.KairosProjectDir)
			return nil
		},
	}
}

func newValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load every task and workflow definition and report problems",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			out := cmd.OutOrStdout()
			tasks := a.tasks.Names()
			workflows := a.workflows.Names()
			fmt.Fprintln(out, boldStyle.Render(fmt.Sprintf("%d tasks, %d workflows", len(tasks), len(workflows))))
			for _, name := range workflows {
				fmt.Fprintf(out, "  %s: %s\n", name, strings.Join(a.workflows.Order(name), " → "))
			}
			return nil
		},
	}
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		jobID     string
		inputs    []string
		inputFile string
		watch     bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Start a workflow and wait for it to finish",
		Long: `Start a workflow for a job and block until it completes or fails. The
initial context comes from --input-file and repeated --input key=value flags.
A failed job exits non-zero; resume it later with kairos retry <job>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			initial, err := loadInputs(inputFile, inputs)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if strings.TrimSpace(jobID) == "" {
				jobID = uuid.NewString()
			}
			sub := a.router.Subscribe(jobID)
			defer sub.Close()
			snap, err := a.engine.StartWorkflow(ctx, args[0], jobID, initial)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Started %s as job %s\n", args[0], boldStyle.Render(jobID))
			return a.follow(cmd, jobID, snap, sub, watch)
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id (defaults to a new UUID)")
	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "Initial context value as key=value; repeatable")
	cmd.Flags().StringVarP(&inputFile, "input-file", "f", "", "YAML or JSON file with the initial context")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Show live progress in the terminal UI")
	return cmd
}

func newRetryCmd(opts *globalOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "retry <job>",
		Short: "Re-run the failed tasks of a job",
		Long: `Reset every failed task of a job to pending and resume the workflow.
Completed tasks and the accumulated context are kept. Tasks that were running
when kairos last stopped are treated as failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			jobID := args[0]
			sub := a.router.Subscribe(jobID)
			defer sub.Close()
			retried, err := a.engine.RetryFailedTasks(ctx, jobID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retrying %s: %s\n", boldStyle.Render(jobID), strings.Join(retried, ", "))
			snap, err := a.engine.GetWorkflowSteps(ctx, jobID)
			if err != nil {
				return err
			}
			return a.follow(cmd, jobID, snap, sub, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Show live progress in the terminal UI")
	return cmd
}

// follow blocks until the engine has no work in flight, then prints the
// final snapshot. Interrupting leaves running tasks in the persisted
// snapshot; the next retry treats them as interrupted.
func (a *app) follow(cmd *cobra.Command, jobID string, initial workflow.Snapshot, sub eventbus.Subscription, watch bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	idle := make(chan struct{})
	go func() {
		a.engine.Wait()
		close(idle)
	}()

	if watch {
		if _, err := tui.Watch(ctx, tui.NewWatcher(jobID, initial, sub.Events), cmd.InOrStdin(), out); err != nil && ctx.Err() == nil {
			return err
		}
	} else {
		printer := newProgressPrinter(out)
		events := sub.Events
	pump:
		for {
			select {
			case evt, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				printer.Print(evt)
			case <-idle:
				break pump
			case <-ctx.Done():
				break pump
			}
		}
		drain(events, printer)
	}

	select {
	case <-idle:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = a.engine.Shutdown(shutdownCtx)
		return fmt.Errorf("interrupted; resume with `kairos retry %s`", jobID)
	}

	final, err := a.engine.GetWorkflowSteps(ctx, jobID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, tui.RenderSnapshot(final))
	if final.Status == workflow.StatusFailed {
		return &jobFailedError{JobID: jobID, Reason: final.Error}
	}
	return nil
}

// drain prints events already buffered for the subscription.
func drain(events <-chan eventbus.Event, printer *progressPrinter) {
	for events != nil {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			printer.Print(evt)
		default:
			return
		}
	}
}

func newStepsCmd(opts *globalOptions) *cobra.Command {
	var (
		showLog bool
		lines   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "steps <job>",
		Short: "Show the task states of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			jobID := args[0]
			snap, err := a.engine.GetWorkflowSteps(cmd.Context(), jobID)
			if err != nil {
				return fmt.Errorf("job %s: %w", jobID, err)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, snap)
			}
			fmt.Fprintln(out, tui.RenderSnapshot(snap))
			if showLog {
				return printLog(out, a.cfg, jobID, lines)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showLog, "log", false, "Also print the job's logbook")
	cmd.Flags().IntVarP(&lines, "lines", "n", 20, "Logbook lines to show with --log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func printLog(out io.Writer, cfg *config.Config, jobID string, lines int) error {
	path, err := logbook.PathFor(cfg.LogbookDir(), jobID)
	if err != nil {
		return err
	}
	book, err := logbook.New(path)
	if err != nil {
		return err
	}
	entries, total := book.Tail(lines)
	fmt.Fprintln(out)
	if total == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No logbook entries."))
		return nil
	}
	fmt.Fprintln(out, boldStyle.Render(fmt.Sprintf("Logbook (%d of %d entries)", len(entries), total)))
	for _, entry := range entries {
		fmt.Fprintln(out, "  "+entry)
	}
	return nil
}

func newJobsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List persisted jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			snaps, err := a.store.ListSnapshots(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, "%-38s %-24s %-10s %s\n", "JOB", "WORKFLOW", "STATUS", "UPDATED")
			for _, snap := range snaps {
				updated := ""
				if !snap.UpdatedAt.IsZero() {
					updated = snap.UpdatedAt.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(out, "%-38s %-24s %-10s %s\n", snap.JobID, snap.WorkflowName, snap.Status, updated)
			}
			return nil
		},
	}
}

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and event stream until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			settings := eventbridge.SettingsFromConfig(a.cfg)
			if cmd.Flags().Changed("host") {
				settings.Host = host
			}
			if cmd.Flags().Changed("port") {
				settings.Port = port
			}
			if !settings.Enabled {
				return fmt.Errorf("bridge is disabled in %s", a.cfg.ProjectConfigPath())
			}
			srv := eventbridge.NewServer(settings, a.engine, a.store, a.router, eventbridge.WithLogger(a.logger))
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s\n", srv.BaseURL())
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("bridge shutdown", "err", err)
			}
			if err := a.engine.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("tasks still running at exit", "err", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", eventbridge.DefaultHost, "Bind host")
	cmd.Flags().IntVarP(&port, "port", "p", eventbridge.DefaultPort, "Bind port")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
