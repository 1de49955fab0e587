// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"fmt"
	"strings"

	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

const (
	// LeftoverSuffix ends the name of the temporary archive borg recreate
	// works on. One left in the repository means an interrupted recreate.
	LeftoverSuffix = ".recreate"

	// Borg's exit code for "archive already exists".
	archiveExistsExitCode = 30
)

// LeftoverArchiveError is returned when asked to recreate an archive left
// behind by an interrupted recreate.
type LeftoverArchiveError struct {
	Archive string
}

func (e *LeftoverArchiveError) Error() string {
	return fmt.Sprintf("archive %q is a leftover from an interrupted recreate: delete it or pick another archive", e.Archive)
}

// ArchiveExistsError is returned when the recreate target archive already
// exists.
type ArchiveExistsError struct {
	Archive string
}

func (e *ArchiveExistsError) Error() string {
	return fmt.Sprintf("archive %q already exists: pick another target name", e.Archive)
}

// RecreateArgs holds the command line options of the recreate action.
type RecreateArgs struct {
	// Archive to recreate. Empty recreates every archive matched by
	// MatchArchives (or the configured match).
	Archive       string
	MatchArchives string
	// PatternsFile is the file written by the pattern pipeline.
	PatternsFile string
	Target       string
	Comment      string
	Timestamp    string
	// Recompress is borg's --recompress mode ("if-different", "always" or
	// "never"). Empty leaves existing chunks alone.
	Recompress string
	List       bool
}

// RecreateCommand returns the command line recreating archives in repo
// with the current patterns and compression. The archive must already be
// resolved.
func (r *Runner) RecreateCommand(repo string, args RecreateArgs) ([]string, error) {
	cfg := r.Config
	cmd := r.command("recreate")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, flag("patterns-from", args.PatternsFile)...)
	cmd = append(cmd, r.excludeFlags()...)
	cmd = append(cmd, flag("compression", cfg.Compression)...)
	cmd = append(cmd, flag("recompress", args.Recompress)...)
	cmd = append(cmd, flag("chunker-params", cfg.ChunkerParams)...)
	cmd = append(cmd, flag("timestamp", args.Timestamp)...)
	cmd = append(cmd, flag("comment", args.Comment)...)
	cmd = append(cmd, flag("target", args.Target)...)
	if args.List {
		cmd = append(cmd, r.listFilterFlags()...)
	}
	cmd = append(cmd, r.dryRunFlag()...)

	extra, err := r.extraOptions("recreate")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)

	switch {
	case args.Archive != "" && Available(SeparateRepositoryArchive, r.Version):
		cmd = append(cmd, MatchArchivesFlags(args.Archive, "", r.Version)...)
		return append(cmd, RepositoryFlags(repo, r.Version)...), nil
	case args.Archive != "":
		return append(cmd, ArchiveFlags(repo, args.Archive, r.Version)...), nil
	}
	cmd = append(cmd, r.archiveFilter("", args.MatchArchives)...)
	return append(cmd, RepositoryFlags(repo, r.Version)...), nil
}

// Recreate rewrites archives in repo using the current patterns. Leftover
// archives from an interrupted recreate are refused before borg runs.
func (r *Runner) Recreate(ctx context.Context, repo string, args RecreateArgs) error {
	if strings.HasSuffix(args.Archive, LeftoverSuffix) {
		return &LeftoverArchiveError{Archive: args.Archive}
	}
	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return err
	}
	if strings.HasSuffix(archive, LeftoverSuffix) {
		return &LeftoverArchiveError{Archive: archive}
	}
	args.Archive = archive

	cmd, err := r.RecreateCommand(repo, args)
	if err != nil {
		return err
	}

	res, err := r.result(ctx, cmd, runOptions{output: logging.Info})
	if err != nil {
		return err
	}
	if v, ok := res.(execute.ExitedWith); ok && v.Code == archiveExistsExitCode {
		name := args.Target
		if name == "" {
			name = archive
		}
		return &ArchiveExistsError{Archive: name}
	}
	_, err = r.treat(ctx, cmd, res)
	return err
}
