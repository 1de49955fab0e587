// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package lvm snapshots LVM logical volumes holding configured source
// directories and mounts the snapshots read-only inside the runtime
// directory for borg to read.
package lvm

import (
	"context"
	"encoding/json"
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
	// SnapshotPrefix starts the suffix of every snapshot we create
	// ("<lv name>_borgmatic-<pid>").
	SnapshotPrefix = "borgmatic-"

	// Directory under the runtime directory where snapshots get mounted.
	snapshotsDir = "lvm_snapshots"

	prefix = "lvm"
)

// Hook is the LVM data source hook.
type Hook struct {
	hooks.Base
	config *config.LVM
}

// LogicalVolume is a mounted logical volume and the patterns it contains.
type LogicalVolume struct {
	Name       string
	DevicePath string
	MountPoint string
	Patterns   []patterns.Pattern
}

// Snapshot is an existing LVM snapshot.
type Snapshot struct {
	Name       string
	DevicePath string
}

// New returns an LVM hook. A nil ex runs the real programs.
func New(cfg *config.LVM, ex execute.Executor) *Hook {
	return &Hook{Base: hooks.NewBase(ex), config: cfg}
}

// Name returns the configuration name of the hook.
func (h *Hook) Name() string {
	return "lvm"
}

// LogicalVolumes returns the mounted logical volumes holding at least one
// configured root pattern among pats, each with the patterns it contains (a
// pattern belongs to its deepest volume only). A nil pats returns every
// mounted logical volume. The result is sorted deepest mount point first.
func (h *Hook) LogicalVolumes(ctx context.Context, pats []patterns.Pattern) ([]LogicalVolume, error) {
	// lvs can't show mount points, so use lsblk.
	out, err := h.Capture(ctx, prefix, h.config.LsblkCommand, "--output", "name,path,mountpoint,type", "--json", "--list")
	if err != nil {
		return nil, err
	}

	var info struct {
		BlockDevices []struct {
			Name       string  `json:"name"`
			Path       string  `json:"path"`
			MountPoint *string `json:"mountpoint"`
			Type       string  `json:"type"`
		} `json:"blockdevices"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("invalid %s JSON output: %w", h.config.LsblkCommand, err)
	}

	var lvs []LogicalVolume
	for _, dev := range info.BlockDevices {
		if dev.Type != "lvm" || dev.MountPoint == nil || *dev.MountPoint == "" {
			continue
		}
		lvs = append(lvs, LogicalVolume{Name: dev.Name, DevicePath: dev.Path, MountPoint: *dev.MountPoint})
	}
	sort.Slice(lvs, func(i, j int) bool { return lvs[i].MountPoint > lvs[j].MountPoint })

	candidates := hooks.NewCandidates(pats)
	var ret []LogicalVolume
	for _, lv := range lvs {
		lv.Patterns = candidates.Contained(lv.MountPoint)
		if pats == nil || hooks.HasConfigRoot(lv.Patterns) {
			ret = append(ret, lv)
		}
	}
	return ret, nil
}

// Snapshots lists the existing LVM snapshots.
func (h *Hook) Snapshots(ctx context.Context) ([]Snapshot, error) {
	// lsblk can't filter snapshots, so use lvs.
	out, err := h.Capture(ctx, prefix, h.config.LvsCommand,
		"--report-format", "json", "--options", "lv_name,lv_path", "--select", "lv_attr =~ ^s")
	if err != nil {
		return nil, err
	}

	var info struct {
		Report []struct {
			LV []struct {
				Name string `json:"lv_name"`
				Path string `json:"lv_path"`
			} `json:"lv"`
		} `json:"report"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return nil, fmt.Errorf("invalid %s JSON output: %w", h.config.LvsCommand, err)
	}
	if len(info.Report) == 0 {
		return nil, fmt.Errorf("invalid %s output: missing report data", h.config.LvsCommand)
	}

	var ret []Snapshot
	for _, lv := range info.Report[0].LV {
		ret = append(ret, Snapshot{Name: lv.Name, DevicePath: lv.Path})
	}
	return ret, nil
}

// snapshotName returns the name of our snapshot of a logical volume.
func (h *Hook) snapshotName(lv LogicalVolume) string {
	return fmt.Sprintf("%s_%s%d", lv.Name, SnapshotPrefix, h.PID)
}

// snapshotRoot returns the directory that, followed by the mount point of
// the logical volume, is where its snapshot gets mounted.
func snapshotRoot(runtimeDir, snapshotName, mountPoint string) string {
	return filepath.Join(filepath.Clean(runtimeDir), snapshotsDir, hooks.Digest(snapshotName, mountPoint))
}

// MountPath returns where the snapshot of lv gets mounted.
func (h *Hook) MountPath(runtimeDir string, lv LogicalVolume) string {
	return filepath.Join(snapshotRoot(runtimeDir, h.snapshotName(lv), lv.MountPoint), lv.MountPoint)
}

// Dump snapshots every mounted logical volume holding a configured root
// pattern, mounts the snapshots read-only and rewrites the patterns to read
// from them. If any step fails, the snapshots taken so far are removed.
func (h *Hook) Dump(ctx context.Context, req *hooks.Request) ([]execute.Process, error) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "snapshotting")
	log.Infof("Snapshotting LVM logical volumes%s", label)

	lvs, err := h.LogicalVolumes(ctx, req.Patterns.Patterns())
	if err != nil {
		return nil, &hooks.SnapshotError{Hook: h.Name(), Name: "logical volumes", Err: err}
	}
	if len(lvs) == 0 {
		log.Warningf("No LVM logical volumes found to snapshot%s", label)
	}

	var (
		created []Snapshot
		mounted []string
	)
	rollback := func() {
		for i := len(mounted) - 1; i >= 0; i-- {
			if err := h.Run(ctx, prefix, h.config.UmountCommand, mounted[i]); err != nil {
				log.Debugf("Error unmounting %s: %v", mounted[i], err)
			}
		}
		for _, snap := range created {
			if err := h.Run(ctx, prefix, h.config.LvremoveCommand, "--force", snap.DevicePath); err != nil {
				log.Debugf("Error removing LVM snapshot %s: %v", snap.Name, err)
			}
		}
	}

	for _, lv := range lvs {
		name := h.snapshotName(lv)
		log.Debugf("Creating LVM snapshot %s of %s%s", name, lv.MountPoint, label)
		mountPath := h.MountPath(req.RuntimeDir, lv)
		if req.DryRun {
			log.Debugf("Mounting LVM snapshot %s at %s%s", name, mountPath, label)
			continue
		}

		snap, err := h.snapshot(ctx, lv, name)
		if snap.DevicePath != "" {
			created = append(created, snap)
		}
		if err != nil {
			rollback()
			return nil, &hooks.SnapshotError{Hook: h.Name(), Name: lv.Name, Err: err}
		}

		log.Debugf("Mounting LVM snapshot %s at %s%s", name, mountPath, label)
		if err := h.mount(ctx, snap.DevicePath, mountPath); err != nil {
			rollback()
			return nil, &hooks.SnapshotError{Hook: h.Name(), Name: lv.Name, Err: err}
		}
		mounted = append(mounted, mountPath)
	}
	if req.DryRun {
		return nil, nil
	}

	for _, lv := range lvs {
		root := snapshotRoot(req.RuntimeDir, h.snapshotName(lv), lv.MountPoint)
		for _, p := range lv.Patterns {
			req.Patterns.Replace(p, hooks.SnapshotPattern(root, p))
		}
	}
	return nil, nil
}

// snapshot creates the snapshot and looks up its device. The returned
// snapshot has a device path whenever it exists, even on error.
func (h *Hook) snapshot(ctx context.Context, lv LogicalVolume, name string) (Snapshot, error) {
	sizeFlag := "--size"
	if strings.Contains(h.config.SnapshotSize, "%") {
		sizeFlag = "--extents"
	}
	if err := h.Run(ctx, prefix, h.config.LvcreateCommand,
		"--snapshot", sizeFlag, h.config.SnapshotSize, "--permission", "r", "--name", name, lv.DevicePath); err != nil {
		return Snapshot{}, err
	}

	snaps, err := h.Snapshots(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return s, nil
		}
	}
	return Snapshot{}, fmt.Errorf("cannot find LVM snapshot %s", name)
}

func (h *Hook) mount(ctx context.Context, device, path string) error {
	if err := os.MkdirAll(path, 0700); err != nil {
		return err
	}
	return h.Run(ctx, prefix, h.config.MountCommand, "-o", "ro", device, path)
}

// Remove unmounts and deletes every snapshot we created, in this or previous
// runs. Errors are logged at debug level only.
func (h *Hook) Remove(ctx context.Context, req *hooks.Request) {
	log := logging.FromContext(ctx)
	label := hooks.DryRunLabel(req.DryRun, "removing")

	lvs, err := h.LogicalVolumes(ctx, nil)
	if err != nil {
		log.Debugf("Unable to list LVM logical volumes: %v", err)
		return
	}
	var mps []string
	for _, lv := range lvs {
		mps = append(mps, lv.MountPoint)
	}
	h.UnmountAll(ctx, prefix, h.config.UmountCommand, hooks.RuntimeGlob(req.RuntimeDir, snapshotsDir, "*"), mps, req.DryRun)

	snaps, err := h.Snapshots(ctx)
	if err != nil {
		log.Debugf("Unable to list LVM snapshots: %v", err)
		return
	}
	for _, snap := range snaps {
		// Only delete snapshots we created.
		parts := strings.Split(snap.Name, "_")
		if !strings.HasPrefix(parts[len(parts)-1], SnapshotPrefix) {
			continue
		}
		log.Debugf("Deleting LVM snapshot %s%s", snap.Name, label)
		if req.DryRun {
			continue
		}
		if err := h.Run(ctx, prefix, h.config.LvremoveCommand, "--force", snap.DevicePath); err != nil {
			log.Debugf("Error removing LVM snapshot %s: %v", snap.Name, err)
		}
	}
}
