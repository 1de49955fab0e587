// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package btrfs

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

func newTestHook(ex *executetest.FakeExecute) *Hook {
	h := New(&config.Btrfs{BtrfsCommand: "btrfs", FindmntCommand: "findmnt"}, ex)
	h.PID = 1234
	h.mkdirAll = func(string, os.FileMode) error { return nil }
	return h
}

func strs(pats []patterns.Pattern) []string {
	var ret []string
	for _, p := range pats {
		ret = append(ret, p.String())
	}
	return ret
}

func TestDumpSnapshotsSubvolume(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{"/mnt/subvol1 /dev/sdb1 btrfs rw,relatime"}})
	h := newTestHook(ex)

	b := patterns.NewBuilder([]patterns.Pattern{patterns.NewRoot("/mnt/subvol1", patterns.Config)})
	procs, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), Patterns: b})
	require.NoError(t, err)
	assert.Empty(t, procs)

	assert.Equal(t, []string{
		"findmnt -nt btrfs",
		"btrfs subvolume list /mnt/subvol1",
		"btrfs subvolume snapshot -r /mnt/subvol1 /mnt/subvol1/.borgmatic-snapshot-1234/mnt/subvol1",
	}, ex.Cmds())
	assert.Equal(t, []string{
		"! fm:/mnt/subvol1/.borgmatic-snapshot-1234/mnt/subvol1/.borgmatic-snapshot-1234",
		"R /mnt/subvol1/.borgmatic-snapshot-1234/./mnt/subvol1",
	}, strs(b.Patterns()))
}

func TestSubvolumesNested(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{
			"/mnt /dev/sdb1 btrfs rw",
			"└─/mnt/data /dev/sdb1[/data] btrfs rw",
		}}).
		On("btrfs subvolume list /mnt", executetest.Response{Stdout: []string{
			"ID 256 gen 7 top level 5 path data",
			"ID 257 gen 8 top level 5 path unused",
		}}).
		On("btrfs subvolume list /mnt/data", executetest.Response{})
	h := newTestHook(ex)

	in := []patterns.Pattern{
		patterns.NewRoot("/mnt/data/x", patterns.Config),
		patterns.NewRoot("/mnt/other", patterns.Config),
		patterns.New("/mnt/data/*.tmp", patterns.Exclude, patterns.Shell, patterns.Config),
		patterns.NewRoot("/srv", patterns.Config),
	}
	subvols, err := h.Subvolumes(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []Subvolume{
		{Path: "/mnt", Patterns: []patterns.Pattern{in[1]}},
		{Path: "/mnt/data", Patterns: []patterns.Pattern{in[0], in[2]}},
	}, subvols)

	// Without patterns, everything is returned.
	all, err := h.Subvolumes(context.Background(), nil)
	require.NoError(t, err)
	var paths []string
	for _, sv := range all {
		paths = append(paths, sv.Path)
	}
	assert.Equal(t, []string{"/mnt", "/mnt/data", "/mnt/unused"}, paths)
}

func TestSubvolumesIgnoreHookRoots(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{"/mnt /dev/sdb1 btrfs rw"}})
	h := newTestHook(ex)

	subvols, err := h.Subvolumes(context.Background(), []patterns.Pattern{patterns.NewRoot("/mnt/x", patterns.Hook)})
	require.NoError(t, err)
	assert.Empty(t, subvols)
}

func TestDumpDryRun(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{"/mnt /dev/sdb1 btrfs rw"}})
	h := newTestHook(ex)

	in := []patterns.Pattern{patterns.NewRoot("/mnt", patterns.Config)}
	b := patterns.NewBuilder(in)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), Patterns: b, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, in, b.Patterns())
	assert.Equal(t, []string{"findmnt -nt btrfs", "btrfs subvolume list /mnt"}, ex.Cmds())
}

func TestDumpNoPatterns(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{"/mnt /dev/sdb1 btrfs rw"}})
	h := newTestHook(ex)

	b := patterns.NewBuilder(nil)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), Patterns: b})
	require.NoError(t, err)
	assert.Empty(t, b.Patterns())
	assert.Equal(t, []string{"findmnt -nt btrfs", "btrfs subvolume list /mnt"}, ex.Cmds())
}

func TestDumpRollsBack(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{"/mnt /dev/sdb1 btrfs rw"}}).
		On("btrfs subvolume list /mnt", executetest.Response{Stdout: []string{"ID 256 gen 7 top level 5 path data"}}).
		On("btrfs subvolume snapshot -r /mnt/data", executetest.Response{ExitCode: 1, Stderr: []string{"no space left"}})
	h := newTestHook(ex)

	in := []patterns.Pattern{
		patterns.NewRoot("/mnt/a", patterns.Config),
		patterns.NewRoot("/mnt/data", patterns.Config),
	}
	b := patterns.NewBuilder(in)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), Patterns: b})

	var serr *hooks.SnapshotError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "/mnt/data", serr.Name)
	assert.Equal(t, "btrfs subvolume delete /mnt/.borgmatic-snapshot-1234/mnt", ex.Cmd())
	assert.Equal(t, in, b.Patterns())
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	for _, pid := range []string{"42", "1234"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, SnapshotPrefix+pid)+dir, 0700))
	}
	// Not a directory, so left alone.
	require.NoError(t, os.WriteFile(filepath.Join(dir, SnapshotPrefix+"7"), nil, 0600))

	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{dir + " /dev/sdb1 btrfs rw"}})
	h := newTestHook(ex)
	h.Remove(context.Background(), &hooks.Request{Config: config.Default()})

	assert.Equal(t, []string{
		"findmnt -nt btrfs",
		"btrfs subvolume list " + dir,
		"btrfs subvolume delete " + filepath.Join(dir, SnapshotPrefix+"1234") + dir,
		"btrfs subvolume delete " + filepath.Join(dir, SnapshotPrefix+"42") + dir,
	}, ex.Cmds())
	assert.NoDirExists(t, filepath.Join(dir, SnapshotPrefix+"42"))
	assert.NoDirExists(t, filepath.Join(dir, SnapshotPrefix+"1234"))
	assert.FileExists(t, filepath.Join(dir, SnapshotPrefix+"7"))
}

func TestRemoveDryRun(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, SnapshotPrefix+"42") + dir
	require.NoError(t, os.MkdirAll(snap, 0700))

	ex := executetest.NewFakeExecute().
		On("findmnt -nt btrfs", executetest.Response{Stdout: []string{dir + " /dev/sdb1 btrfs rw"}})
	h := newTestHook(ex)
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), DryRun: true})

	assert.Len(t, ex.Cmds(), 2)
	assert.DirExists(t, snap)
}

func TestRemoveMissingTools(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On("findmnt", executetest.Response{Err: errors.New("executable file not found in $PATH")})
	h := newTestHook(ex)

	// Must not panic or fail.
	h.Remove(context.Background(), &hooks.Request{Config: config.Default()})
	assert.Equal(t, []string{"findmnt -nt btrfs"}, ex.Cmds())
}

func TestSnapshotPathRoundTrip(t *testing.T) {
	for _, subvol := range []string{"/", "/mnt/subvol1", "/home"} {
		root := snapshotDir(subvol, 1234)
		p := hooks.SnapshotPattern(root, patterns.NewRoot(subvol, patterns.Config))
		assert.Equal(t, subvol, hooks.StripSnapshotPath(root, p.Path))
	}
	assert.Equal(t, "/.borgmatic-snapshot-1234", SnapshotPath("/", 1234))
}
