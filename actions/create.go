// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package actions

import (
	"context"

	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/hooks"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/marcopaganini/goborgmatic/patterns"
)

// create runs the before_backup hooks, dumps the data sources, creates the
// archive and runs the after_backup hooks. Data sources are removed before
// dumping (leftovers from a crashed run) and after borg finishes, whatever
// the outcome.
func (d *Dispatcher) create(ctx context.Context, repo config.Repository, runtimeDir string, a Create) error {
	log := logging.FromContext(ctx)
	vars := d.HookVars(repo)

	if err := d.Commands.Run(ctx, "before backup", d.Config.BeforeBackup, vars); err != nil {
		return err
	}
	log.Infof("Creating archive%s", dryRunLabel(d.DryRun))

	pats, err := d.configuredPatterns()
	if err != nil {
		return err
	}

	req := &hooks.Request{
		Config:      d.Config,
		ConfigPaths: d.ConfigPaths,
		RuntimeDir:  runtimeDir,
		Patterns:    patterns.NewBuilder(pats),
		DryRun:      d.DryRun,
	}
	for _, ds := range d.DataSources {
		ds.Remove(ctx, req)
	}

	var dumped []hooks.DataSource
	defer func() {
		// Cleanup runs even if the run was cancelled.
		cctx := context.WithoutCancel(ctx)
		for i := len(dumped) - 1; i >= 0; i-- {
			dumped[i].Remove(cctx, req)
		}
	}()

	var procs []execute.Process
	for _, ds := range d.DataSources {
		log.Debugf("Dumping %s data sources", ds.Name())
		p, err := ds.Dump(ctx, req)
		if err != nil {
			return err
		}
		dumped = append(dumped, ds)
		procs = append(procs, p...)
	}

	// Patterns added by hooks point into snapshots and are never globbed.
	skip := map[string]bool{}
	for _, p := range req.Patterns.Patterns() {
		if p.Source == patterns.Hook {
			skip[p.Path] = true
		}
	}
	final, err := d.processPatterns(req.Patterns.Patterns(), skip)
	if err != nil {
		return err
	}
	f, err := d.writePatterns(ctx, runtimeDir, final)
	if err != nil {
		return err
	}
	defer removeFile(ctx, f)

	args := a.CreateArgs
	args.PatternsFile = f.Name()
	out, err := d.Borg.Create(ctx, repo.Path, procs, args)
	if err != nil {
		return err
	}
	if err := d.printJSON(args.JSON, out); err != nil {
		return err
	}

	return d.Commands.Run(ctx, "after backup", d.Config.AfterBackup, vars)
}
