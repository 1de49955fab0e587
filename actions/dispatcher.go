// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package actions

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"github.com/juju/clock"
	"github.com/marcopaganini/goborgmatic/borg"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/hooks"
	"github.com/marcopaganini/goborgmatic/hooks/btrfs"
	"github.com/marcopaganini/goborgmatic/hooks/command"
	"github.com/marcopaganini/goborgmatic/hooks/lvm"
	"github.com/marcopaganini/goborgmatic/hooks/zfs"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/marcopaganini/goborgmatic/patterns"
)

// Dispatcher runs actions against the repositories of one configuration.
type Dispatcher struct {
	Config      *config.Config
	ConfigPaths []string
	Borg        *borg.Runner
	DryRun      bool

	// DataSources are the hooks wrapped around "borg create", in
	// registration order.
	DataSources []hooks.DataSource
	// Commands runs the before_backup and after_backup hooks.
	Commands *command.Hooks
	// Execute runs everything other than borg (the spot check hash
	// command).
	Execute execute.Executor
	// Lookup finds pattern device ids. Nil stats the paths.
	Lookup patterns.DeviceLookup
	Clock  clock.Clock
	// Rand picks the spot check sample. Nil uses a random seed.
	Rand *rand.Rand
	// Stdout receives JSON output.
	Stdout io.Writer
}

// New returns a Dispatcher for cfg, with the data source hooks enabled in
// the configuration. A nil ex runs the real programs.
func New(cfg *config.Config, configPaths []string, runner *borg.Runner, ex execute.Executor, dryRun bool) *Dispatcher {
	if ex == nil {
		ex = execute.New()
	}
	return &Dispatcher{
		Config:      cfg,
		ConfigPaths: configPaths,
		Borg:        runner,
		DryRun:      dryRun,
		DataSources: DataSources(cfg, ex),
		Commands:    command.New(ex, cfg.WorkingDir(), dryRun),
		Execute:     ex,
		Clock:       clock.WallClock,
		Stdout:      os.Stdout,
	}
}

// DataSources returns the data source hooks enabled in cfg.
func DataSources(cfg *config.Config, ex execute.Executor) []hooks.DataSource {
	var ret []hooks.DataSource
	if cfg.Btrfs != nil {
		ret = append(ret, btrfs.New(cfg.Btrfs, ex))
	}
	if cfg.LVM != nil {
		ret = append(ret, lvm.New(cfg.LVM, ex))
	}
	if cfg.ZFS != nil {
		ret = append(ret, zfs.New(cfg.ZFS, ex))
	}
	return ret
}

// hasRetention returns true if any retention option is set.
func hasRetention(cfg *config.Config) bool {
	return cfg.KeepWithin != "" || cfg.KeepSecondly > 0 || cfg.KeepMinutely > 0 ||
		cfg.KeepHourly > 0 || cfg.KeepDaily > 0 || cfg.KeepWeekly > 0 ||
		cfg.KeepMonthly > 0 || cfg.KeepYearly > 0
}

func dryRunLabel(dryRun bool) string {
	if dryRun {
		return " (dry run; not making any changes)"
	}
	return ""
}

// HookVars returns the variables command hooks may use for repo.
func (d *Dispatcher) HookVars(repo config.Repository) map[string]string {
	return map[string]string{
		"configuration_filename": d.Config.Path,
		"repository":             repo.Path,
		"repository_label":       repo.Label,
		"log_file":               d.Config.LogFile,
	}
}

// Run runs the actions against repo, in order, stopping at the first error.
// Umount actions are skipped, see RunGlobal.
func (d *Dispatcher) Run(ctx context.Context, repo config.Repository, acts []Action) error {
	log := logging.FromContext(ctx).WithPrefix(repo.Name())
	ctx = logging.WithLogger(ctx, log)

	if _, err := d.Borg.LocalVersion(ctx); err != nil {
		return fmt.Errorf("unable to determine the borg version: %w", err)
	}

	rd, err := config.OpenRuntimeDirectory(d.Config)
	if err != nil {
		return err
	}
	defer rd.Close()

	for _, a := range acts {
		if _, ok := a.(Umount); ok {
			continue
		}
		if err := d.run(ctx, repo, rd.Path(), acts, a); err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
	}
	return nil
}

// RunGlobal runs the actions that don't need a repository (umount). It
// should run once, after all repositories.
func (d *Dispatcher) RunGlobal(ctx context.Context, acts []Action) error {
	for _, a := range acts {
		u, ok := a.(Umount)
		if !ok {
			continue
		}
		logging.FromContext(ctx).Infof("Unmounting mount point %s", u.MountPoint)
		if err := d.Borg.Umount(ctx, u.MountPoint); err != nil {
			return fmt.Errorf("%s: %w", a.Name(), err)
		}
	}
	return nil
}

// run dispatches one action.
func (d *Dispatcher) run(ctx context.Context, repo config.Repository, runtimeDir string, acts []Action, a Action) error {
	log := logging.FromContext(ctx)
	label := dryRunLabel(d.DryRun)
	path := repo.Path

	switch v := a.(type) {
	case Create:
		if err := d.create(ctx, repo, runtimeDir, v); err != nil {
			return err
		}
		// Prune and compact follow a successful create, unless asked for
		// explicitly.
		if !hasRetention(d.Config) || has(acts, "prune") || has(acts, "compact") {
			return nil
		}
		if err := d.prune(ctx, path, borg.PruneArgs{}); err != nil {
			return err
		}
		return d.compact(ctx, path, borg.CompactArgs{})

	case Prune:
		return d.prune(ctx, path, v.PruneArgs)

	case Compact:
		return d.compact(ctx, path, v.CompactArgs)

	case Check:
		return d.check(ctx, repo, runtimeDir, v)

	case List:
		if v.Archive == "" {
			log.Answerf("Listing repository")
		} else {
			log.Answerf("Listing archive %s", v.Archive)
		}
		out, err := d.Borg.List(ctx, path, v.ListArgs)
		if err != nil {
			return err
		}
		return d.printJSON(v.JSON, out)

	case Info:
		log.Answerf("Displaying archive summary information")
		out, err := d.Borg.Info(ctx, path, v.InfoArgs)
		if err != nil {
			return err
		}
		return d.printJSON(v.JSON, out)

	case Recreate:
		log.Infof("Recreating archives%s", label)
		pats, err := d.configuredPatterns()
		if err != nil {
			return err
		}
		f, err := d.writePatterns(ctx, runtimeDir, pats)
		if err != nil {
			return err
		}
		defer removeFile(ctx, f)
		v.PatternsFile = f.Name()
		return d.Borg.Recreate(ctx, path, v.RecreateArgs)

	case Delete:
		log.Answerf("Deleting archives%s", label)
		return d.Borg.Delete(ctx, path, v.DeleteArgs)

	case Mount:
		if v.Archive != "" {
			log.Infof("Mounting archive %s", v.Archive)
		} else {
			log.Infof("Mounting repository")
		}
		return d.Borg.Mount(ctx, path, v.MountArgs)

	case Extract:
		log.Infof("Extracting archive %s", v.Archive)
		return d.Borg.Extract(ctx, path, v.ExtractArgs)

	case RepoCreate:
		log.Infof("Creating repository%s", label)
		return d.Borg.RepoCreate(ctx, path, v.RepoCreateArgs)

	case RepoDelete:
		log.Answerf("Deleting repository%s", label)
		return d.Borg.RepoDelete(ctx, path, v.RepoDeleteArgs)

	case KeyExport:
		log.Infof("Exporting repository key")
		return d.Borg.KeyExport(ctx, path, v.KeyExportArgs)

	case KeyImport:
		log.Infof("Importing repository key")
		return d.Borg.KeyImport(ctx, path, v.KeyImportArgs)

	case ChangePassphrase:
		log.Infof("Changing repository passphrase")
		return d.Borg.ChangePassphrase(ctx, path)

	case BreakLock:
		log.Infof("Breaking repository and cache locks")
		return d.Borg.BreakLock(ctx, path)

	case Borg:
		log.Infof("Running arbitrary borg command")
		return d.Borg.Passthrough(ctx, path, v.Options, v.Archive)
	}
	return fmt.Errorf("unknown action %q", a.Name())
}

func (d *Dispatcher) prune(ctx context.Context, repo string, args borg.PruneArgs) error {
	logging.FromContext(ctx).Infof("Pruning archives%s", dryRunLabel(d.DryRun))
	return d.Borg.Prune(ctx, repo, args)
}

func (d *Dispatcher) compact(ctx context.Context, repo string, args borg.CompactArgs) error {
	logging.FromContext(ctx).Infof("Compacting segments%s", dryRunLabel(d.DryRun))
	return d.Borg.Compact(ctx, repo, args)
}

// printJSON writes borg's JSON output, if any, to Stdout.
func (d *Dispatcher) printJSON(json bool, out string) error {
	if !json || strings.TrimSpace(out) == "" {
		return nil
	}
	w := d.Stdout
	if w == nil {
		w = os.Stdout
	}
	_, err := fmt.Fprintln(w, strings.TrimSpace(out))
	return err
}

// processPatterns runs the pattern pipeline, without globbing the root
// paths in skip.
func (d *Dispatcher) processPatterns(pats []patterns.Pattern, skip map[string]bool) ([]patterns.Pattern, error) {
	return patterns.Process(pats, patterns.Options{
		WorkingDir: d.Config.WorkingDir(),
		Skip:       skip,
		Lookup:     d.Lookup,
	})
}

// configuredPatterns collects and processes the configured patterns.
func (d *Dispatcher) configuredPatterns() ([]patterns.Pattern, error) {
	collected, err := patterns.Collect(d.Config)
	if err != nil {
		return nil, err
	}
	return d.processPatterns(collected, nil)
}

// writePatterns writes pats to a new patterns file in runtimeDir. With
// source_directories_must_exist set, every root path must exist.
func (d *Dispatcher) writePatterns(ctx context.Context, runtimeDir string, pats []patterns.Pattern) (*os.File, error) {
	if d.Config.SourceDirectoriesMustExist {
		if err := patterns.CheckRootsExist(pats, d.Config.WorkingDir()); err != nil {
			return nil, err
		}
	}
	f, err := patterns.WriteFile(ctx, pats, runtimeDir, nil)
	if err != nil {
		return nil, err
	}
	if err := f.Sync(); err != nil {
		removeFile(ctx, f)
		return nil, err
	}
	return f, nil
}

// removeFile closes and removes a temporary file. Errors are logged only.
func removeFile(ctx context.Context, f *os.File) {
	f.Close()
	if err := os.Remove(f.Name()); err != nil {
		logging.FromContext(ctx).Debugf("Unable to remove %s: %v", f.Name(), err)
	}
}
