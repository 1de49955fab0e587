// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"context"
	"errors"

	"github.com/marcopaganini/goborgmatic/logging"
)

// MountArgs holds the command line options of the mount action.
type MountArgs struct {
	Archive    string
	MountPoint string
	Paths      []string
	Foreground bool
	// Options are passed to FUSE with -o.
	Options string
	Filters
}

// MountCommand returns the command line mounting repo (or one of its
// archives) as a FUSE filesystem. The archive must already be resolved.
func (r *Runner) MountCommand(repo string, args MountArgs) ([]string, error) {
	if args.MountPoint == "" {
		return nil, errors.New("a mount point is required")
	}
	cmd := r.command("mount")
	cmd = append(cmd, r.globalFlags(repo)...)
	cmd = append(cmd, r.logLevelFlags(false)...)
	cmd = append(cmd, boolFlag("foreground", args.Foreground)...)
	if args.Options != "" {
		cmd = append(cmd, "-o", args.Options)
	}
	cmd = append(cmd, args.Filters.flags()...)

	extra, err := r.extraOptions("mount")
	if err != nil {
		return nil, err
	}
	cmd = append(cmd, extra...)

	switch {
	case args.Archive != "" && Available(SeparateRepositoryArchive, r.Version):
		cmd = append(cmd, RepositoryFlags(repo, r.Version)...)
		cmd = append(cmd, MatchArchivesFlags(args.Archive, "", r.Version)...)
	case args.Archive != "":
		cmd = append(cmd, ArchiveFlags(repo, args.Archive, r.Version)...)
	default:
		cmd = append(cmd, RepositoryFlags(repo, r.Version)...)
	}
	cmd = append(cmd, args.MountPoint)
	return append(cmd, args.Paths...), nil
}

// Mount mounts repo (or one of its archives). In the foreground, borg is
// connected to the terminal so it can be interrupted.
func (r *Runner) Mount(ctx context.Context, repo string, args MountArgs) error {
	archive, err := r.ResolveArchive(ctx, repo, args.Archive)
	if err != nil {
		return err
	}
	args.Archive = archive

	cmd, err := r.MountCommand(repo, args)
	if err != nil {
		return err
	}
	if r.skipDryRun(ctx, "mount") {
		return nil
	}
	_, err = r.run(ctx, cmd, runOptions{output: logging.Info, interactive: args.Foreground})
	return err
}

// UmountCommand returns the command line unmounting a borg FUSE mount.
func (r *Runner) UmountCommand(mountPoint string) []string {
	cmd := r.command("umount")
	cmd = append(cmd, LogLevelFlags(r.Level)...)
	return append(cmd, mountPoint)
}

// Umount unmounts a borg FUSE mount.
func (r *Runner) Umount(ctx context.Context, mountPoint string) error {
	if r.skipDryRun(ctx, "umount") {
		return nil
	}
	_, err := r.run(ctx, r.UmountCommand(mountPoint), runOptions{output: logging.Info})
	return err
}
