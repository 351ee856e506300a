package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tianpai/kairos-sub000/internal/config"
	"github.com/tianpai/kairos-sub000/internal/eventbus"
	"github.com/tianpai/kairos-sub000/internal/logbook"
	"github.com/tianpai/kairos-sub000/internal/logging"
	"github.com/tianpai/kairos-sub000/internal/persistence"
	"github.com/tianpai/kairos-sub000/internal/task"
	"github.com/tianpai/kairos-sub000/internal/taskdef"
	"github.com/tianpai/kairos-sub000/internal/workflow"
	"github.com/tianpai/kairos-sub000/internal/workflow/engine"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	projectDir string
	logLevel   string
	verbose    bool
}

// app bundles one fully wired engine for the duration of a command.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	store     persistence.Service
	tasks     *task.Registry
	workflows *workflow.Registry
	bus       *eventbus.Bus
	router    *eventbus.Router
	recorder  *logbook.Recorder
	engine    *engine.Engine
	detach    []func()
}

// openApp loads config and definitions and wires the engine. Definition
// errors are returned before anything can run.
func openApp(ctx context.Context, opts *globalOptions, errOut io.Writer) (*app, error) {
	projectDir := strings.TrimSpace(opts.projectDir)
	if projectDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		projectDir = cwd
	}
	if err := config.InitDir(projectDir); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", config.KairosDir, err)
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return nil, err
	}

	level := cfg.Project.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logOpts := logging.Options{Level: level}
	if opts.verbose {
		logOpts.Console = errOut
	}
	logger, err := logging.New(cfg.ProjectDir, logOpts)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	a.store, err = persistence.Open(ctx, persistence.Options{
		Driver:      cfg.Project.Storage.Driver,
		Dir:         cfg.StorageDir(),
		PostgresURL: cfg.Project.Storage.PostgresURL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.tasks = task.NewRegistry()
	builder := taskdef.Builder{
		Outputs: a.store,
		OpenAI: taskdef.OpenAIDefaults{
			APIKey:    cfg.Project.OpenAI.APIKey,
			BaseURL:   cfg.Project.OpenAI.BaseURL,
			Model:     cfg.Project.OpenAI.Model,
			MaxTokens: cfg.Project.OpenAI.MaxTokens,
		},
		BaseDir: cfg.ProjectDir,
	}
	taskNames, err := taskdef.RegisterDir(a.tasks, cfg.TasksDir(), builder)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.workflows = workflow.NewRegistry(a.tasks)
	workflowNames, err := workflow.RegisterDir(a.workflows, cfg.WorkflowsDir())
	if err != nil {
		a.Close()
		return nil, err
	}
	logger.Debug("definitions loaded", "tasks", len(taskNames), "workflows", len(workflowNames))

	a.bus = eventbus.New(eventbus.WithLogger(logger))
	a.router = eventbus.NewRouter(eventbus.RouterWithLogger(logger))
	a.detach = append(a.detach, a.router.Attach(a.bus))
	a.recorder = logbook.NewRecorder(cfg.LogbookDir(), logger)
	a.detach = append(a.detach, a.recorder.Attach(a.bus))

	a.engine, err = engine.New(a.tasks, a.workflows, a.store, a.bus,
		engine.WithLogger(logger.With("component", "engine")))
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the store and log file.
func (a *app) Close() error {
	if a == nil {
		return nil
	}
	for i := len(a.detach) - 1; i >= 0; i-- {
		a.detach[i]()
	}
	a.detach = nil
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
		a.logger = nil
	}
	return errors.Join(errs...)
}
