// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package zfs snapshots ZFS datasets holding configured source directories
// (or tagged for backup) and mounts the snapshots inside the runtime
// directory for borg to read.
package zfs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/hooks"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/marcopaganini/goborgmatic/patterns"
)

const (
	// SnapshotPrefix starts the snapshot part of every snapshot we create
	// ("<dataset>@borgmatic-<pid>").
	SnapshotPrefix = "borgmatic-"

	// UserProperty set to "auto" on a dataset backs it up even if no
	// source directory points at it.
	UserProperty = "org.torsion.borgmatic:backup"

	snapshotsDir = "zfs_snapshots"
	prefix       = "zfs"
)

// Hook is the ZFS data source hook.
type Hook struct {
	hooks.Base
	config *config.ZFS
}

// Dataset is a ZFS filesystem dataset and the patterns it contains.
type Dataset struct {
	Name       string
	MountPoint string
	AutoBackup bool
	Patterns   []patterns.Pattern
}

// New returns a ZFS hook. A nil ex runs the real programs.
func New(cfg *config.ZFS, ex execute.Executor) *Hook {
	return &Hook{Base: hooks.NewBase(ex), config: cfg}
}

// Name returns the configuration name of the hook.
func (h *Hook) Name() string {
	return "zfs"
}

// Datasets returns the datasets to back up: those holding a configured root
// pattern among pats and those with UserProperty set to "auto". Each comes
// with the patterns it contains (a pattern belongs to its deepest dataset
// only). Datasets that can't be mounted are skipped. The result is sorted
// by mount point.
func (h *Hook) Datasets(ctx context.Context, pats []patterns.Pattern) ([]Dataset, error) {
	out, err := h.Capture(ctx, prefix, h.config.ZFSCommand,
		"list", "-H", "-t", "filesystem", "-o", "name,mountpoint,canmount,"+UserProperty)
	if err != nil {
		return nil, err
	}

	var all []Dataset
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(strings.TrimRight(line, "\r\n"), "\t")
		if len(fields) != 4 {
			return nil, fmt.Errorf("invalid %s list output: %q", h.config.ZFSCommand, line)
		}
		// Snapshots of "canmount=off" datasets mount as empty directories.
		if fields[2] != "on" {
			continue
		}
		all = append(all, Dataset{Name: fields[0], MountPoint: fields[1], AutoBackup: fields[3] == "auto"})
	}
	// Deepest first, so nested datasets claim their patterns before their
	// parents do.
	sort.Slice(all, func(i, j int) bool { return all[i].MountPoint > all[j].MountPoint })

	candidates := hooks.NewCandidates(pats)
	var ret []Dataset
	for _, ds := range all {
		var contained []patterns.Pattern
		if ds.AutoBackup {
			contained = append(contained, patterns.NewRoot(ds.MountPoint, patterns.Hook))
		}
		contained = append(contained, candidates.Contained(ds.MountPoint)...)
		if ds.AutoBackup || hooks.HasConfigRoot(contained) {
			ds.Patterns = contained
			ret = append(ret, ds)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].MountPoint < ret[j].MountPoint })
	return ret, nil
}

// mountPoints returns the mount points of every filesystem dataset.
func (h *Hook) mountPoints(ctx context.Context) ([]string, error) {
	out, err := h.Capture(ctx, prefix, h.config.ZFSCommand, "list", "-H", "-t", "filesystem", "-o", "mountpoint")
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range strings.Split(out, "\n") {
		mp := strings.TrimSpace(line)
		if mp == "" || mp == "none" || mp == "-" || mp == "legacy" {
			continue
		}
		ret = append(ret, mp)
	}
	sort.Strings(ret)
	return ret, nil
}

// snapshots returns the full names ("dataset@snapshot") of every snapshot.
func (h *Hook) snapshots(ctx context.Context) ([]string, error) {
	out, err := h.Capture(ctx, prefix, h.config.ZFSCommand, "list", "-H", "-t", "snapshot", "-o", "name")
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range strings.Split(out, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			ret = append(ret, name)
		}
	}
	return ret, nil
}

func (h *Hook) snapshotName(ds Dataset) string {
	return fmt.Sprintf("%s@%s%d", ds.Name, SnapshotPrefix, h.PID)
}

func snapshotRoot(runtimeDir, snapshotName, mountPoint string) string {
	return filepath.Join(filepath.Clean(runtimeDir), snapshotsDir, hooks.Digest(snapshotName, mountPoint))
}

// MountPath returns where the snapshot of ds gets mounted.
func (h *Hook) MountPath(runtimeDir string, ds Dataset) string {
	return filepath.Join(snapshotRoot(runtimeDir, h.snapshotName(ds), ds.MountPoint), ds.MountPoint)
}

// Dump snapshots and mounts every selected dataset, then rewrites the
// patterns to read from the snapshots. If any step fails, the snapshots
// taken so far are unmounted and destroyed.
func (h *Hook) Dump(ctx context.Context, req *hooks.Request) ([]execute.Process, error) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "snapshotting")
	log.Infof("Snapshotting ZFS datasets%s", label)

	datasets, err := h.Datasets(ctx, req.Patterns.Patterns())
	if err != nil {
		return nil, &hooks.SnapshotError{Hook: h.Name(), Name: "datasets", Err: err}
	}
	if len(datasets) == 0 {
		log.Warningf("No ZFS datasets found to snapshot%s", label)
	}

	var created, mounted []string
	rollback := func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			if err := h.Run(ctx, prefix, h.config.UmountCommand, mounted[i]); err != nil {
				log.Debugf("Error unmounting %s: %v", mounted[i], err)
			}
		}
		for _, name := range created {
			if err := h.Run(ctx, prefix, h.config.ZFSCommand, "destroy", name); err != nil {
				log.Debugf("Error destroying ZFS snapshot %s: %v", name, err)
			}
		}
	}

	for _, ds := range datasets {
		name := h.snapshotName(ds)
		mountPath := h.MountPath(req.RuntimeDir, ds)
		log.Debugf("Creating ZFS snapshot %s of %s%s", name, ds.MountPoint, label)
		if req.DryRun {
			log.Debugf("Mounting ZFS snapshot %s at %s%s", name, mountPath, label)
			continue
		}
		if err := h.Run(ctx, prefix, h.config.ZFSCommand, "snapshot", name); err != nil {
			rollback()
			return nil, &hooks.SnapshotError{Hook: h.Name(), Name: ds.Name, Err: err}
		}
		created = append(created, name)

		log.Debugf("Mounting ZFS snapshot %s at %s%s", name, mountPath, label)
		if err := h.mount(ctx, name, mountPath); err != nil {
			rollback()
			return nil, &hooks.SnapshotError{Hook: h.Name(), Name: ds.Name, Err: err}
		}
		mounted = append(mounted, mountPath)
	}
	if req.DryRun {
		return nil, nil
	}

	for _, ds := range datasets {
		root := snapshotRoot(req.RuntimeDir, h.snapshotName(ds), ds.MountPoint)
		for _, p := range ds.Patterns {
			req.Patterns.Replace(p, hooks.SnapshotPattern(root, p))
		}
	}
	return nil, nil
}

func (h *Hook) mount(ctx context.Context, snapshot, path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return h.Run(ctx, prefix, h.config.MountCommand, "-t", "zfs", "-o", "ro", snapshot, path)
}

// Remove unmounts and destroys every snapshot we created, in this or
// previous runs. Errors are logged at debug level only.
func (h *Hook) Remove(ctx context.Context, req *hooks.Request) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "removing")

	mps, err := h.mountPoints(ctx)
	if err != nil {
		log.Debugf("Unable to list ZFS datasets: %v", err)
		return
	}
	h.UnmountAll(ctx, prefix, h.config.UmountCommand, hooks.RuntimeGlob(req.RuntimeDir, snapshotsDir, "*"), mps, req.DryRun)

	names, err := h.snapshots(ctx)
	if err != nil {
		log.Debugf("Unable to list ZFS snapshots: %v", err)
		return
	}
	for _, name := range names {
		// Only destroy snapshots we created.
		_, snap, ok := strings.Cut(name, "@")
		if !ok || !strings.HasPrefix(snap, SnapshotPrefix) {
			continue
		}
		log.Debugf("Destroying ZFS snapshot %s%s", name, label)
		if req.DryRun {
			continue
		}
		if err := h.Run(ctx, prefix, h.config.ZFSCommand, "destroy", name); err != nil {
			log.Debugf("Error destroying ZFS snapshot %s: %v", name, err)
		}
	}
}
