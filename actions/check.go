// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package actions

import (
	"context"
	"errors"
	"strings"

	"github.com/marcopaganini/goborgmatic/checks"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/logging"
)

// Checks run by borg check itself.
var borgChecks = map[string]bool{"repository": true, "archives": true, "data": true}

// checkRepository returns true if checks should run on repo, according to
// check_repositories.
func checkRepository(cfg *config.Config, repo config.Repository) bool {
	if len(cfg.CheckRepositories) == 0 {
		return true
	}
	for _, r := range cfg.CheckRepositories {
		if r == repo.Path || (repo.Label != "" && r == repo.Label) {
			return true
		}
	}
	return false
}

// spotConfig returns the configuration of the spot check.
func spotConfig(cfg *config.Config) (config.Check, bool) {
	for _, c := range cfg.Checks {
		if strings.EqualFold(c.Name, "spot") {
			return c, true
		}
	}
	return config.Check{}, false
}

// check runs the checks that are due and records each successful one.
func (d *Dispatcher) check(ctx context.Context, repo config.Repository, runtimeDir string, a Check) error {
	log := logging.FromContext(ctx)
	cfg := d.Config

	if !checkRepository(cfg, repo) {
		log.Infof("Skipping consistency checks (repository not in check_repositories)")
		return nil
	}
	log.Infof("Running consistency checks")

	repoID, err := d.Borg.RepositoryID(ctx, repo.Path)
	if err != nil {
		return err
	}
	store := checks.NewStore(cfg.StateDir(), cfg.SourceDir(), repoID, d.Clock)
	if err := store.Upgrade(ctx); err != nil {
		return err
	}

	names := make([]string, 0, len(cfg.Checks))
	for _, c := range cfg.Checks {
		names = append(names, c.Name)
	}
	configured := checks.Parse(ctx, names, a.Only)
	archivesID := checks.ArchivesCheckID(d.Borg.ArchiveFilterFlags(ctx, configured))

	sel := &checks.Selector{Checks: cfg.Checks, Store: store, Clock: d.Clock}
	selected, err := sel.Select(ctx, configured, a.Force, archivesID)
	if err != nil {
		return &config.Error{Path: cfg.Path, Err: err}
	}

	// touch records a successful check. Dry runs don't check anything.
	touch := func(kinds ...string) error {
		if d.DryRun {
			return nil
		}
		for _, k := range kinds {
			if err := store.Touch(ctx, k, archivesID); err != nil {
				return err
			}
		}
		return nil
	}

	var viaBorg []string
	for _, c := range selected {
		if borgChecks[c] {
			viaBorg = append(viaBorg, c)
		}
	}
	if len(viaBorg) > 0 {
		if err := d.Borg.Check(ctx, repo.Path, viaBorg, a.CheckArgs); err != nil {
			return err
		}
		if err := touch(viaBorg...); err != nil {
			return err
		}
	}

	for _, c := range selected {
		switch c {
		case "extract":
			if err := d.Borg.ExtractLastArchiveDryRun(ctx, repo.Path); err != nil {
				return err
			}
			if err := touch(c); err != nil {
				return err
			}
		case "spot":
			if err := d.spotCheck(ctx, repo, runtimeDir); err != nil {
				return err
			}
			if err := touch(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// spotCheck compares the latest archive with the source files.
func (d *Dispatcher) spotCheck(ctx context.Context, repo config.Repository, runtimeDir string) error {
	cfg := d.Config
	sc, ok := spotConfig(cfg)
	if !ok {
		return &config.Error{Path: cfg.Path, Err: errors.New("the spot check requires a \"spot\" entry in checks")}
	}
	if sc.XXH64SumCommand == "" {
		sc.XXH64SumCommand = config.DefaultHashCommand
	}

	pats, err := d.configuredPatterns()
	if err != nil {
		return err
	}
	f, err := d.writePatterns(ctx, runtimeDir, pats)
	if err != nil {
		return err
	}
	defer removeFile(ctx, f)

	spot := &checks.SpotCheck{
		Borg:         d.Borg,
		Execute:      d.Execute,
		Check:        sc,
		WorkingDir:   cfg.WorkingDir(),
		SourceDir:    cfg.SourceDir(),
		RuntimeDir:   runtimeDir,
		PatternsFile: f.Name(),
		Rand:         d.Rand,
	}
	return spot.Run(ctx, repo.Path)
}
