// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package lvm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute/executetest"
	"github.com/marcopaganini/goborgmatic/hooks"
	"github.com/marcopaganini/goborgmatic/patterns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	lsblkCmd = "lsblk --output name,path,mountpoint,type --json --list"
	lvsCmd   = "lvs --report-format json --options lv_name,lv_path --select lv_attr =~ ^s"

	lsblkOutput = `{
   "blockdevices": [
      {"name": "sda", "path": "/dev/sda", "mountpoint": null, "type": "disk"},
      {"name": "vg0-root", "path": "/dev/mapper/vg0-root", "mountpoint": "/", "type": "lvm"},
      {"name": "vg0-home", "path": "/dev/mapper/vg0-home", "mountpoint": "/home", "type": "lvm"},
      {"name": "vg0-swap", "path": "/dev/mapper/vg0-swap", "mountpoint": null, "type": "lvm"}
   ]
}`
)

func testConfig() *config.LVM {
	return &config.LVM{
		SnapshotSize:    config.DefaultSnapshotSize,
		LvcreateCommand: "lvcreate",
		LvremoveCommand: "lvremove",
		LvsCommand:      "lvs",
		LsblkCommand:    "lsblk",
		MountCommand:    "mount",
		UmountCommand:   "umount",
	}
}

func lvsOutput(names ...string) string {
	ret := `{"report": [{"lv": [`
	for i, n := range names {
		if i > 0 {
			ret += ","
		}
		ret += `{"lv_name": "` + n + `", "lv_path": "/dev/vg0/` + n + `"}`
	}
	return ret + `]}]}`
}

func strs(pats []patterns.Pattern) []string {
	var ret []string
	for _, p := range pats {
		ret = append(ret, p.String())
	}
	return ret
}

func TestLogicalVolumes(t *testing.T) {
	ex := executetest.NewFakeExecute().On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}})
	h := New(testConfig(), ex)

	in := []patterns.Pattern{
		patterns.NewRoot("/home/user", patterns.Config),
		patterns.NewRoot("/etc", patterns.Config),
		patterns.New("/home/*/.cache", patterns.Exclude, patterns.Shell, patterns.Config),
	}
	lvs, err := h.LogicalVolumes(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, lvs, 2)

	assert.Equal(t, LogicalVolume{
		Name:       "vg0-home",
		DevicePath: "/dev/mapper/vg0-home",
		MountPoint: "/home",
		Patterns:   []patterns.Pattern{in[0], in[2]},
	}, lvs[0])
	assert.Equal(t, "/", lvs[1].MountPoint)
	assert.Equal(t, []patterns.Pattern{in[1]}, lvs[1].Patterns)
}

func TestLogicalVolumesInvalidJSON(t *testing.T) {
	ex := executetest.NewFakeExecute().On(lsblkCmd, executetest.Response{Stdout: []string{"{not json"}})
	h := New(testConfig(), ex)

	_, err := h.LogicalVolumes(context.Background(), nil)
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	runtimeDir := t.TempDir() + "/./borgmatic"
	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput("vg0-home_borgmatic-1234", "other_snap")}})
	h := New(testConfig(), ex)
	h.PID = 1234

	b := patterns.NewBuilder([]patterns.Pattern{
		patterns.New("*.o", patterns.NoRecurse, patterns.Fnmatch, patterns.Config),
		patterns.NewRoot("/home", patterns.Config),
	})
	procs, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: runtimeDir, Patterns: b})
	require.NoError(t, err)
	assert.Empty(t, procs)

	root := filepath.Join(filepath.Clean(runtimeDir), "lvm_snapshots", hooks.Digest("vg0-home_borgmatic-1234", "/home"))
	mountPath := filepath.Join(root, "home")
	assert.Equal(t, mountPath, h.MountPath(runtimeDir, LogicalVolume{Name: "vg0-home", MountPoint: "/home"}))

	assert.Equal(t, []string{
		lsblkCmd,
		"lvcreate --snapshot --extents 10%ORIGIN --permission r --name vg0-home_borgmatic-1234 /dev/mapper/vg0-home",
		lvsCmd,
		"mount -o ro /dev/vg0/vg0-home_borgmatic-1234 " + mountPath,
	}, ex.Cmds())
	assert.DirExists(t, mountPath)

	// Order is preserved.
	assert.Equal(t, []string{"! fm:*.o", "R " + root + "/./home"}, strs(b.Patterns()))
}

func TestDumpSizeFlag(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput("vg0-home_borgmatic-1")}})
	cfg := testConfig()
	cfg.SnapshotSize = "5G"
	h := New(cfg, ex)
	h.PID = 1

	b := patterns.NewBuilder([]patterns.Pattern{patterns.NewRoot("/home", patterns.Config)})
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: t.TempDir(), Patterns: b})
	require.NoError(t, err)
	assert.Contains(t, ex.Cmds(), "lvcreate --snapshot --size 5G --permission r --name vg0-home_borgmatic-1 /dev/mapper/vg0-home")
}

func TestDumpDryRun(t *testing.T) {
	ex := executetest.NewFakeExecute().On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}})
	h := New(testConfig(), ex)

	in := []patterns.Pattern{patterns.NewRoot("/home", patterns.Config)}
	b := patterns.NewBuilder(in)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: t.TempDir(), Patterns: b, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{lsblkCmd}, ex.Cmds())
	assert.Equal(t, in, b.Patterns())
}

func TestDumpMountFailureRollsBack(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput("vg0-home_borgmatic-9", "vg0-root_borgmatic-9")}}).
		On("mount -o ro /dev/vg0/vg0-root_borgmatic-9", executetest.Response{ExitCode: 32})
	h := New(testConfig(), ex)
	h.PID = 9

	runtimeDir := t.TempDir()
	in := []patterns.Pattern{
		patterns.NewRoot("/home", patterns.Config),
		patterns.NewRoot("/etc", patterns.Config),
	}
	b := patterns.NewBuilder(in)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: runtimeDir, Patterns: b})

	var serr *hooks.SnapshotError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "vg0-root", serr.Name)

	cmds := ex.Cmds()
	homeMount := h.MountPath(runtimeDir, LogicalVolume{Name: "vg0-home", MountPoint: "/home"})
	assert.Equal(t, []string{
		"umount " + homeMount,
		"lvremove --force /dev/vg0/vg0-home_borgmatic-9",
		"lvremove --force /dev/vg0/vg0-root_borgmatic-9",
	}, cmds[len(cmds)-3:])
	assert.Equal(t, in, b.Patterns())
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	runtimeDir := base + "/./borgmatic"
	snapDir := filepath.Join(base, "borgmatic", "lvm_snapshots", "abcd1234")
	require.NoError(t, os.MkdirAll(filepath.Join(snapDir, "home"), 0700))

	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput("vg0-home_borgmatic-42", "vg0-home_manual", "vg0-root_borgmatic-7")}})
	h := New(testConfig(), ex)

	var probed []string
	h.Mounted = func(path string) (bool, error) {
		probed = append(probed, path)
		return path == filepath.Join(snapDir, "home"), nil
	}
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: runtimeDir})

	// Deepest mount point first.
	assert.Equal(t, []string{filepath.Join(snapDir, "home"), snapDir}, probed)
	assert.Equal(t, []string{
		lsblkCmd,
		"umount " + filepath.Join(snapDir, "home"),
		lvsCmd,
		"lvremove --force /dev/vg0/vg0-home_borgmatic-42",
		"lvremove --force /dev/vg0/vg0-root_borgmatic-7",
	}, ex.Cmds())
	assert.NoDirExists(t, snapDir)
}

func TestRemoveKeepsDirOnUnmountFailure(t *testing.T) {
	base := t.TempDir()
	snapDir := filepath.Join(base, "borgmatic", "lvm_snapshots", "abcd1234")
	require.NoError(t, os.MkdirAll(filepath.Join(snapDir, "home"), 0700))

	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On("umount", executetest.Response{ExitCode: 32}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput()}})
	h := New(testConfig(), ex)
	h.Mounted = func(string) (bool, error) { return true, nil }
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: base + "/./borgmatic"})

	assert.DirExists(t, snapDir)
}

func TestRemoveDryRun(t *testing.T) {
	base := t.TempDir()
	snapDir := filepath.Join(base, "borgmatic", "lvm_snapshots", "abcd1234")
	require.NoError(t, os.MkdirAll(snapDir, 0700))

	ex := executetest.NewFakeExecute().
		On(lsblkCmd, executetest.Response{Stdout: []string{lsblkOutput}}).
		On(lvsCmd, executetest.Response{Stdout: []string{lvsOutput("vg0-home_borgmatic-42")}})
	h := New(testConfig(), ex)
	h.Mounted = func(string) (bool, error) { return true, nil }
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: base + "/./borgmatic", DryRun: true})

	assert.Equal(t, []string{lsblkCmd, lvsCmd}, ex.Cmds())
	assert.DirExists(t, snapDir)
}

func TestRemoveMissingLsblk(t *testing.T) {
	ex := executetest.NewFakeExecute().On("lsblk", executetest.Response{Err: errors.New("not found")})
	h := New(testConfig(), ex)
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: t.TempDir()})
	assert.Equal(t, []string{lsblkCmd}, ex.Cmds())
}
