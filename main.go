// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/marcopaganini/goborgmatic/actions"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

const (
	// Default permissions for log directories and files.
	// The current umask will apply to these.
	defaultLogDirMode  = 0777
	defaultLogFileMode = 0666

	// Return codes
	osSuccess = 0
	osWarning = 1
	osError   = 2
)

// Signals passed on to running children. SIGINT and SIGTERM also cancel the
// run.
var forwardedSignals = []os.Signal{unix.SIGHUP, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1, unix.SIGUSR2}

// defaultConfigPaths returns the configuration files and directories read
// when --config is not given.
func defaultConfigPaths() []string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = config.ExpandUser("~/.config")
	}
	return []string{
		"/etc/borgmatic/config.toml",
		"/etc/borgmatic/config.yaml",
		"/etc/borgmatic.d",
		filepath.Join(dir, "borgmatic/config.toml"),
		filepath.Join(dir, "borgmatic/config.yaml"),
		filepath.Join(dir, "borgmatic.d"),
	}
}

// configFiles expands the list of configuration paths into files.
// Directories contribute their *.toml, *.yaml and *.yml files, in
// alphabetical order. Missing paths are kept only if required (given on
// the command line) so loading them reports the error.
func configFiles(paths []string, required bool) []string {
	var ret []string
	for _, p := range paths {
		p = config.ExpandUser(p)
		fi, err := os.Stat(p)
		switch {
		case err != nil:
			if required {
				ret = append(ret, p)
			}
		case fi.IsDir():
			var files []string
			for _, ext := range []string{"*.toml", "*.yaml", "*.yml"} {
				m, _ := filepath.Glob(filepath.Join(p, ext))
				files = append(files, m...)
			}
			sort.Strings(files)
			ret = append(ret, files...)
		default:
			ret = append(ret, p)
		}
	}
	return ret
}

// exitCode returns the program exit code for the totals of a run.
func exitCode(warnings, errors int) int {
	switch {
	case errors > 0:
		return osError
	case warnings > 0:
		return osWarning
	}
	return osSuccess
}

// handleSignals forwards the usual termination signals to the running
// children. Interrupts also cancel the returned context.
func handleSignals(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, forwardedSignals...)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-ch:
				s, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				execute.ForwardSignal(s)
				if s == unix.SIGINT || s == unix.SIGTERM {
					cancel()
				}
			case <-done:
				return
			}
		}
	}()
	return ctx, func() {
		signal.Stop(ch)
		close(done)
		cancel()
	}
}

// runConfig runs the actions for one configuration, teeing the log to the
// configured log file. Metrics are recorded if the configuration asks for
// them.
func runConfig(ctx context.Context, cfg *config.Config, configPaths []string, acts []actions.Action, opt *cmdLineOpts, ex execute.Executor) Outcome {
	log := logging.New(logging.Level(opt.verbosity))
	if cfg.LogFile != "" {
		outLog, err := logOpen(cfg.LogFile)
		if err != nil {
			logging.FromContext(ctx).Errorf("%s: unable to open/create logfile: %v", cfg.Path, err)
			return Outcome{Errors: 1}
		}
		defer outLog.Close()
		log.SetOutput([]io.Writer{os.Stderr, outLog})
	}
	ctx = logging.WithLogger(ctx, log)

	log.Infof("%s: running actions for configuration file", cfg.Path)
	b := NewBackup(cfg, configPaths, acts, opt, ex)
	out := b.Run(ctx)

	if cfg.PrometheusTextfile != "" && !opt.dryRun && len(out.Results) > 0 {
		if err := writeNodeTextFile(config.ExpandUser(cfg.PrometheusTextfile), out.Results); err != nil {
			log.Errorf("%s: unable to write metrics: %v", cfg.Path, err)
			out.Errors++
		}
	}
	return out
}

// runAll loads every configuration and runs the actions for each of them.
// Returns the program exit code.
func runAll(ctx context.Context, opt *cmdLineOpts, acts []actions.Action, ex execute.Executor) int {
	log := logging.FromContext(ctx)

	paths := configFiles(opt.configs, true)
	if len(opt.configs) == 0 {
		paths = configFiles(defaultConfigPaths(), false)
	}
	if len(paths) == 0 {
		log.Errorf("No configuration files found. Use --config to specify one.")
		return osError
	}
	if opt.dryRun {
		log.Infof("Dry-run mode. Not making any changes.")
	}

	// Configuration errors are reported for every file before anything runs.
	var (
		cfgs   []*config.Config
		errors int
	)
	for _, p := range paths {
		cfg, err := config.Load(p)
		if err != nil {
			log.Errorf("%v", err)
			errors++
			continue
		}
		if opt.logFile != "" {
			cfg.LogFile = opt.logFile
		}
		if opt.logJSON {
			cfg.LogJSON = true
		}
		cfgs = append(cfgs, cfg)
	}
	if errors > 0 {
		return osError
	}

	if opt.repository != "" {
		found := false
		for _, cfg := range cfgs {
			found = found || hasRepository(cfg, opt.repository)
		}
		if !found {
			log.Errorf("Repository %q not found in any configuration file", opt.repository)
			return osError
		}
	}

	warnings := 0
	for _, cfg := range cfgs {
		out := runConfig(ctx, cfg, paths, acts, opt, ex)
		warnings += out.Warnings
		errors += out.Errors
	}

	switch code := exitCode(warnings, errors); code {
	case osSuccess:
		log.Infof("*** Result: Success")
		return code
	case osWarning:
		log.Warningf("*** Result: Success, with %d warning(s)", warnings)
		return code
	default:
		log.Errorf("*** Result: %d error(s)", errors)
		return code
	}
}

// main
func main() {
	ctx, stop := handleSignals(context.Background())

	opt := &cmdLineOpts{}
	code := osSuccess
	root := newRootCommand(opt, func(cmd *cobra.Command, acts []actions.Action) error {
		log := logging.New(logging.Level(opt.verbosity))
		code = runAll(logging.WithLogger(cmd.Context(), log), opt, acts, nil)
		return nil
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Command line error: %v\n", err)
		code = osError
	}
	stop()
	os.Exit(code)
}
