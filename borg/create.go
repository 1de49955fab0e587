// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"strings"

	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

// CreateArgs holds the command line options of the create action.
type CreateArgs struct {
	// PatternsFile is the file written by the pattern pipeline.
	PatternsFile string
	Progress     bool
	Stats        bool
	List         bool
	JSON         bool
}

// CreateCommand returns the borg command line creating a new archive in
// repo.
func (r *Runner) CreateCommand(repo string, args CreateArgs) ([]string, error) {
	cfg := r.Config
	cmd := r.command("create")
	cmd = append(cmd, flag("patterns-from", args.PatternsFile)...)
	cmd = append(cmd, r.excludeFlags()...)
	cmd = append(cmd, intFlag("checkpoint-interval", cfg.CheckpointInterval)...)
	cmd = append(cmd, intFlag("checkpoint-volume", cfg.CheckpointVolume)...)
	cmd = append(cmd, flag("chunker-params", cfg.ChunkerParams)...)
	cmd = append(cmd, flag("compression", cfg.Compression)...)

	if Available(UploadRatelimit, r.Version) {
		cmd = append(cmd, intFlag("upload-ratelimit", cfg.UploadRateLimit)...)
	} else {
		cmd = append(cmd, intFlag("remote-ratelimit", cfg.UploadRateLimit)...)
	}
	cmd = append(cmd, boolFlag("one-file-system", cfg.OneFileSystem)...)

	if cfg.NumericIDs {
		if Available(NumericIDs, r.Version) {
			cmd = append(cmd, "--numeric-ids")
		} else {
			cmd = append(cmd, "--numeric-owner")
		}
	}

	// Newer borg versions skip atime by default and need to be asked for
	// it. Older ones store it unless told otherwise.
	if cfg.Atime != nil {
		switch {
		case Available(Atime, r.Version) && *cfg.Atime:
			cmd = append(cmd, "--atime")
		case !Available(Atime, r.Version) && !*cfg.Atime:
			cmd = append(cmd, "--noatime")
		}
	}
	if cfg.Ctime != nil && !*cfg.Ctime {
		cmd = append(cmd, "--noctime")
	}
	if cfg.Birthtime != nil && !*cfg.Birthtime {
		cmd = append(cmd, "--nobirthtime")
	}
	if cfg.BSDFlags != nil && !*cfg.BSDFlags {
		if Available(Noflags, r.Version) {
			cmd = append(cmd, "--noflags")
		} else {
			cmd = append(cmd, "--nobsdflags")
		}
	}
	cmd = append(cmd, flag("files-cache", cfg.FilesCache)...)
	cmd = append(cmd, r.globalFlags(repo)...)

	if args.List {
		cmd = append(cmd, r.listFilterFlags()...)
	}
	// Borg refuses --stats on dry runs.
	cmd = append(cmd, boolFlag("stats", args.Stats && !r.DryRun)...)
	cmd = append(cmd, r.logLevelFlags(args.JSON)...)
	cmd = append(cmd, boolFlag("json", args.JSON)...)
	cmd = append(cmd, boolFlag("progress", args.Progress)...)
	cmd = append(cmd, r.dryRunFlag()...)

	extra, err := r.extraOptions("create")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)
	return append(cmd, ArchiveFlags(repo, cfg.ArchiveNameFormat, r.Version)...), nil
}

// Create creates a new archive in repo while the helper processes (if any)
// run. With JSON set, returns borg's JSON output.
func (r *Runner) Create(ctx context.Context, repo string, procs []execute.Process, args CreateArgs) (string, error) {
	cmd, err := r.CreateCommand(repo, args)
	if err != nil {
		return "", err
	}

	o := runOptions{output: logging.Info, procs: procs}
	switch {
	case args.JSON:
		o.capture = true
	case args.Progress:
		o.interactive = true
	case args.Stats || args.List:
		o.output = logging.Answer
	}
	return r.run(ctx, cmd, o)
}

// SourcePaths runs a dry run create listing every file and returns the paths
// borg would back up, in borg's order.
func (r *Runner) SourcePaths(ctx context.Context, repo, patternsFile string) ([]string, error) {
	dryRun := r.DryRun
	r.DryRun = true
	cmd, err := r.CreateCommand(repo, CreateArgs{PatternsFile: patternsFile, List: true})
	r.DryRun = dryRun
	if err != nil {
		return nil, err
	}

	// Borg 2 marks files it would back up with "+", older versions mark
	// everything with "-" on dry runs.
	marker := "- "
	if Available(ExcludedFilesMinus, r.Version) {
		marker = "+ "
	}

	var paths []string
	collect := func(line string) {
		if strings.HasPrefix(line, marker) {
			paths = append(paths, line[len(marker):])
		}
	}
	stderr := func(line string) error {
		collect(line)
		return nil
	}
	out, err := r.run(ctx, cmd, runOptions{output: logging.Debug, capture: true, stderr: stderr})
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(out, "\n") {
		collect(line)
	}
	return paths, nil
}
