// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package btrfs snapshots Btrfs subvolumes holding configured source
// directories, so borg reads a consistent, read-only view of them.
package btrfs

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
	// SnapshotPrefix starts the name of every snapshot directory we create.
	SnapshotPrefix = ".borgmatic-snapshot-"

	prefix = "btrfs"
)

// Hook is the Btrfs data source hook.
type Hook struct {
	hooks.Base
	config *config.Btrfs

	mkdirAll  func(string, os.FileMode) error
	removeAll func(string) error
}

// Subvolume is a Btrfs subvolume (or filesystem mount point) and the
// patterns it contains.
type Subvolume struct {
	Path     string
	Patterns []patterns.Pattern
}

// New returns a Btrfs hook. A nil ex runs the real programs.
func New(cfg *config.Btrfs, ex execute.Executor) *Hook {
	return &Hook{
		Base:      hooks.NewBase(ex),
		config:    cfg,
		mkdirAll:  os.MkdirAll,
		removeAll: os.RemoveAll,
	}
}

// Name returns the configuration name of the hook.
func (h *Hook) Name() string {
	return "btrfs"
}

// mountPoints returns the mount points of all Btrfs filesystems.
func (h *Hook) mountPoints(ctx context.Context) ([]string, error) {
	out, err := h.Capture(ctx, prefix, h.config.FindmntCommand, "-nt", "btrfs")
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range strings.Split(out, "\n") {
		// findmnt draws a tree in front of nested mount points.
		line = strings.TrimLeft(line, "│├└─ \t")
		if fields := strings.Fields(line); len(fields) > 0 {
			ret = append(ret, fields[0])
		}
	}
	return ret, nil
}

// subvolumePaths lists the subvolumes of the filesystem mounted at mnt as
// absolute paths.
func (h *Hook) subvolumePaths(ctx context.Context, mnt string) ([]string, error) {
	out, err := h.Capture(ctx, prefix, h.config.BtrfsCommand, "subvolume", "list", mnt)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range strings.Split(out, "\n") {
		// ID 256 gen 10 top level 5 path home
		_, path, ok := strings.Cut(line, " path ")
		if !ok || strings.TrimSpace(path) == "" {
			continue
		}
		ret = append(ret, filepath.Join(mnt, strings.TrimSpace(path)))
	}
	return ret, nil
}

// Subvolumes returns the subvolumes and Btrfs mount points holding at least
// one configured root pattern among pats, each with the patterns it contains
// (a pattern belongs to its deepest subvolume only). A nil pats returns
// every subvolume. The result is sorted by path.
func (h *Hook) Subvolumes(ctx context.Context, pats []patterns.Pattern) ([]Subvolume, error) {
	mounts, err := h.mountPoints(ctx)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var paths []string
	for _, mnt := range mounts {
		subs, err := h.subvolumePaths(ctx, mnt)
		if err != nil {
			return nil, err
		}
		for _, p := range append([]string{mnt}, subs...) {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
		}
	}
	// Deepest first, so nested subvolumes claim their patterns before
	// their parents do.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	candidates := hooks.NewCandidates(pats)
	var ret []Subvolume
	for _, path := range paths {
		contained := candidates.Contained(path)
		if pats == nil || hooks.HasConfigRoot(contained) {
			ret = append(ret, Subvolume{Path: path, Patterns: contained})
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Path < ret[j].Path })
	return ret, nil
}

// snapshotDir returns the directory inside the subvolume holding our
// snapshot of it.
func snapshotDir(subvol string, pid int) string {
	return filepath.Join(subvol, fmt.Sprintf("%s%d", SnapshotPrefix, pid))
}

// SnapshotPath returns the path of the snapshot of subvol. The snapshot lives
// inside the subvolume (a Btrfs requirement), under a directory tree
// mirroring the subvolume path.
func SnapshotPath(subvol string, pid int) string {
	return snapshotDir(subvol, pid) + strings.TrimRight(subvol, "/")
}

// excludePattern excludes the empty directory Btrfs leaves inside the
// snapshot where the snapshot directory itself was.
func excludePattern(subvol string, pid int) patterns.Pattern {
	dir := fmt.Sprintf("%s%d", SnapshotPrefix, pid)
	return patterns.New(filepath.Join(subvol, dir, strings.TrimLeft(subvol, "/"), dir), patterns.NoRecurse, patterns.Fnmatch, patterns.Hook)
}

// Dump snapshots every Btrfs subvolume holding a configured root pattern and
// rewrites the patterns to read from the snapshots instead. If any snapshot
// fails, the snapshots taken so far are deleted.
func (h *Hook) Dump(ctx context.Context, req *hooks.Request) ([]execute.Process, error) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "snapshotting")
	log.Infof("Snapshotting Btrfs subvolumes%s", label)

	subvols, err := h.Subvolumes(ctx, req.Patterns.Patterns())
	if err != nil {
		return nil, &hooks.SnapshotError{Hook: h.Name(), Name: "subvolumes", Err: err}
	}
	if len(subvols) == 0 {
		log.Warningf("No Btrfs subvolumes found to snapshot%s", label)
	}

	var taken []string
	for _, sv := range subvols {
		snap := SnapshotPath(sv.Path, h.PID)
		log.Debugf("Creating Btrfs snapshot for %s subvolume%s", sv.Path, label)
		if req.DryRun {
			continue
		}
		if err := h.snapshot(ctx, sv.Path, snap); err != nil {
			for i := len(taken) - 1; i >= 0; i-- {
				h.deleteSnapshot(ctx, taken[i])
			}
			return nil, &hooks.SnapshotError{Hook: h.Name(), Name: sv.Path, Err: err}
		}
		taken = append(taken, snap)
	}
	if req.DryRun {
		return nil, nil
	}

	for _, sv := range subvols {
		root := snapshotDir(sv.Path, h.PID)
		for _, p := range sv.Patterns {
			req.Patterns.Replace(p, hooks.SnapshotPattern(root, p))
		}
		req.Patterns.Prepend(excludePattern(sv.Path, h.PID))
	}
	return nil, nil
}

func (h *Hook) snapshot(ctx context.Context, subvol, snap string) error {
	if err := h.mkdirAll(filepath.Dir(snap), 0700); err != nil {
		return err
	}
	return h.Run(ctx, prefix, h.config.BtrfsCommand, "subvolume", "snapshot", "-r", subvol, snap)
}

// deleteSnapshot deletes one snapshot and the directory tree above it.
func (h *Hook) deleteSnapshot(ctx context.Context, snap string) error {
	log := logging.FromContext(ctx)
	if err := h.Run(ctx, prefix, h.config.BtrfsCommand, "subvolume", "delete", snap); err != nil {
		log.Debugf("Error deleting Btrfs snapshot %s: %v", snap, err)
		return err
	}
	return nil
}

// Remove deletes every snapshot we created, in this or previous runs, from
// the deepest subvolume up. Errors are logged at debug level only.
func (h *Hook) Remove(ctx context.Context, req *hooks.Request) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "removing")

	subvols, err := h.Subvolumes(ctx, nil)
	if err != nil {
		log.Debugf("Unable to list Btrfs subvolumes: %v", err)
		return
	}

	for i := len(subvols) - 1; i >= 0; i-- {
		subvol := subvols[i].Path
		glob := filepath.Clean(filepath.Join(subvol, SnapshotPrefix+"*") + strings.TrimRight(subvol, "/"))
		log.Debugf("Looking for snapshots to remove in %s%s", glob, label)

		matches, err := filepath.Glob(glob)
		if err != nil {
			log.Debugf("Invalid glob %q: %v", glob, err)
			continue
		}
		for _, snap := range matches {
			if fi, err := os.Stat(snap); err != nil || !fi.IsDir() {
				continue
			}
			log.Debugf("Deleting Btrfs snapshot %s%s", snap, label)
			if req.DryRun {
				continue
			}
			if err := h.deleteSnapshot(ctx, snap); err != nil {
				return
			}
			// Remove the directory tree that held the snapshot. For the root
			// subvolume the snapshot is the directory itself.
			if subvol == "/" {
				continue
			}
			parent := strings.TrimSuffix(snap, strings.TrimRight(subvol, "/"))
			if err := h.removeAll(parent); err != nil {
				log.Debugf("Error removing %s: %v", parent, err)
			}
		}
	}
}
