// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/marcopaganini/goborgmatic/actions"
	"github.com/marcopaganini/goborgmatic/borg"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/hooks/command"
	"github.com/marcopaganini/goborgmatic/logging"
)

// Repository run status, as recorded in the metrics textfile.
const (
	statusSuccess = "success"
	statusWarning = "warning"
	statusError   = "error"
	statusSkipped = "skipped"
)

// Backup runs the requested actions against every repository of one
// configuration file.
type Backup struct {
	config      *config.Config
	configPaths []string
	acts        []actions.Action
	level       logging.Level
	dryRun      bool
	// repository, if set, limits the run to the repository with this path
	// or label.
	repository string

	execute execute.Executor
	clock   clock.Clock
	stdout  io.Writer
}

// Outcome summarizes a configuration run.
type Outcome struct {
	Warnings int
	Errors   int
	Results  []repoResult
}

// NewBackup creates a new Backup instance. A nil ex runs the real programs.
func NewBackup(cfg *config.Config, configPaths []string, acts []actions.Action, opt *cmdLineOpts, ex execute.Executor) *Backup {
	return &Backup{
		config:      cfg,
		configPaths: configPaths,
		acts:        acts,
		level:       logging.Level(opt.verbosity),
		dryRun:      opt.dryRun,
		repository:  opt.repository,
		execute:     ex,
		clock:       clock.WallClock,
		stdout:      os.Stdout,
	}
}

// matchRepository returns true if repo is the one named by name (by path or
// label). An empty name matches every repository.
func matchRepository(repo config.Repository, name string) bool {
	return name == "" || repo.Path == name || (repo.Label != "" && repo.Label == name)
}

// hasRepository returns true if cfg holds the repository named by name.
func hasRepository(cfg *config.Config, name string) bool {
	for _, r := range cfg.Repositories {
		if matchRepository(r, name) {
			return true
		}
	}
	return false
}

// Run executes the actions according to the config file and options. A
// soft failure from a command hook skips the remaining repositories
// without an error. Errors in one repository don't stop the others.
func (b *Backup) Run(ctx context.Context) Outcome {
	var out Outcome
	cfg := b.config
	log := logging.FromContext(ctx)

	runner, err := borg.NewRunner(cfg, b.execute, b.level, b.dryRun)
	if err != nil {
		log.Errorf("%v", err)
		out.Errors++
		return out
	}
	d := actions.New(cfg, b.configPaths, runner, b.execute, b.dryRun)
	d.Clock = b.clock
	d.Stdout = b.stdout

	for _, repo := range cfg.Repositories {
		if !matchRepository(repo, b.repository) {
			continue
		}
		start := b.clock.Now()
		before := runner.Warnings()

		err := b.runRepository(ctx, d, repo)
		res := repoResult{
			config:     cfg.Path,
			repository: repo.Name(),
			start:      start,
			duration:   b.clock.Now().Sub(start),
		}

		switch {
		case command.IsSoftFail(err):
			log.Infof("%s: command hook soft failed, skipping the remaining repositories", repo.Name())
			res.status = statusSkipped
			out.Results = append(out.Results, res)
			return b.finish(ctx, d, runner, out)

		case err != nil:
			log.Errorf("%s: %v", repo.Name(), err)
			res.status = statusError
			out.Errors++
			vars := d.HookVars(repo)
			vars["error"] = err.Error()
			vars["output"] = archiverOutput(err)
			if herr := d.Commands.Run(ctx, "on error", cfg.OnError, vars); herr != nil {
				log.Errorf("%s: %v", repo.Name(), herr)
			}

		case runner.Warnings() > before:
			res.status = statusWarning

		default:
			res.status = statusSuccess
		}
		out.Results = append(out.Results, res)
	}
	return b.finish(ctx, d, runner, out)
}

// finish runs the actions that don't need a repository and collects the
// borg warnings.
func (b *Backup) finish(ctx context.Context, d *actions.Dispatcher, runner *borg.Runner, out Outcome) Outcome {
	if err := d.RunGlobal(ctx, b.acts); err != nil {
		logging.FromContext(ctx).Errorf("%v", err)
		out.Errors++
	}
	out.Warnings = runner.Warnings()
	return out
}

// runRepository runs the actions against repo, retrying failed attempts
// according to the retries and retry_wait settings. Each retry waits
// retry_wait seconds times the attempt number.
func (b *Backup) runRepository(ctx context.Context, d *actions.Dispatcher, repo config.Repository) error {
	log := logging.FromContext(ctx)
	cfg := b.config

	var err error
	for attempt := 0; attempt <= cfg.Retries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(cfg.RetryWait*attempt) * time.Second
			log.Warningf("%s: %v; retrying (attempt %d of %d) in %v", repo.Name(), err, attempt, cfg.Retries, wait)
			if wait > 0 {
				select {
				case <-b.clock.After(wait):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		err = d.Run(ctx, repo, b.acts)
		if err == nil || command.IsSoftFail(err) || ctx.Err() != nil {
			return err
		}
		var cerr *config.Error
		if errors.As(err, &cerr) {
			return err
		}
	}
	return err
}

// archiverOutput returns the last lines borg wrote to stderr, if err came
// from borg.
func archiverOutput(err error) string {
	var aerr *borg.ArchiverError
	if errors.As(err, &aerr) {
		return strings.Join(aerr.Stderr, "\n")
	}
	return ""
}

// logOpen opens (for append) or creates (if needed) the specified file.
// If the file doesn't exist, all intermediate directories will be created.
// Returns an *os.File to the just opened file.
func logOpen(path string) (*os.File, error) {
	path = config.ExpandUser(path)
	if err := os.MkdirAll(filepath.Dir(path), defaultLogDirMode); err != nil {
		return nil, fmt.Errorf("unable to create dir tree for %q: %w", path, err)
	}

	// Open for append or create if doesn't exist.
	w, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, defaultLogFileMode)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", path, err)
	}
	return w, nil
}
