// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package zfs

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
	listCmd       = "zfs list -H -t filesystem -o name,mountpoint,canmount," + UserProperty
	mountsCmd     = "zfs list -H -t filesystem -o mountpoint"
	snapshotsCmd  = "zfs list -H -t snapshot -o name"
	testRuntimeIn = "/./borgmatic"
)

var listOutput = []string{
	"pool\t/pool\ton\t-",
	"pool/data\t/pool/data\ton\t-",
	"pool/tagged\t/pool/tagged\ton\tauto",
	"pool/off\t/pool/off\toff\tauto",
}

func testConfig() *config.ZFS {
	return &config.ZFS{ZFSCommand: "zfs", MountCommand: "mount", UmountCommand: "umount"}
}

func strs(pats []patterns.Pattern) []string {
	var ret []string
	for _, p := range pats {
		ret = append(ret, p.String())
	}
	return ret
}

func TestDatasets(t *testing.T) {
	ex := executetest.NewFakeExecute().On(listCmd, executetest.Response{Stdout: listOutput})
	h := New(testConfig(), ex)

	in := []patterns.Pattern{
		patterns.NewRoot("/pool/data/photos", patterns.Config),
		patterns.NewRoot("/pool/docs", patterns.Config),
		patterns.NewRoot("/etc", patterns.Config),
	}
	datasets, err := h.Datasets(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, []Dataset{
		{Name: "pool", MountPoint: "/pool", Patterns: []patterns.Pattern{in[1]}},
		{Name: "pool/data", MountPoint: "/pool/data", Patterns: []patterns.Pattern{in[0]}},
		{
			Name:       "pool/tagged",
			MountPoint: "/pool/tagged",
			AutoBackup: true,
			Patterns:   []patterns.Pattern{patterns.NewRoot("/pool/tagged", patterns.Hook)},
		},
	}, datasets)
}

func TestDatasetsInvalidOutput(t *testing.T) {
	ex := executetest.NewFakeExecute().On(listCmd, executetest.Response{Stdout: []string{"pool /pool on"}})
	h := New(testConfig(), ex)

	_, err := h.Datasets(context.Background(), nil)
	assert.Error(t, err)
}

func TestDump(t *testing.T) {
	runtimeDir := t.TempDir() + testRuntimeIn
	ex := executetest.NewFakeExecute().On(listCmd, executetest.Response{Stdout: listOutput})
	h := New(testConfig(), ex)
	h.PID = 1234

	b := patterns.NewBuilder([]patterns.Pattern{
		patterns.NewRoot("/pool/data", patterns.Config),
		patterns.New("/pool/data/tmp", patterns.Exclude, patterns.PathPrefix, patterns.Config),
	})
	procs, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: runtimeDir, Patterns: b})
	require.NoError(t, err)
	assert.Empty(t, procs)

	dataRoot := filepath.Join(filepath.Clean(runtimeDir), "zfs_snapshots", hooks.Digest("pool/data@borgmatic-1234", "/pool/data"))
	taggedRoot := filepath.Join(filepath.Clean(runtimeDir), "zfs_snapshots", hooks.Digest("pool/tagged@borgmatic-1234", "/pool/tagged"))

	assert.Equal(t, []string{
		listCmd,
		"zfs snapshot pool/data@borgmatic-1234",
		"mount -t zfs -o ro pool/data@borgmatic-1234 " + dataRoot + "/pool/data",
		"zfs snapshot pool/tagged@borgmatic-1234",
		"mount -t zfs -o ro pool/tagged@borgmatic-1234 " + taggedRoot + "/pool/tagged",
	}, ex.Cmds())
	assert.DirExists(t, dataRoot+"/pool/data")

	assert.Equal(t, []string{
		"R " + dataRoot + "/./pool/data",
		"- pp:" + dataRoot + "/./pool/data/tmp",
		"R " + taggedRoot + "/./pool/tagged",
	}, strs(b.Patterns()))
}

func TestDumpDryRun(t *testing.T) {
	ex := executetest.NewFakeExecute().On(listCmd, executetest.Response{Stdout: listOutput})
	h := New(testConfig(), ex)

	in := []patterns.Pattern{patterns.NewRoot("/pool/data", patterns.Config)}
	b := patterns.NewBuilder(in)
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: t.TempDir(), Patterns: b, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{listCmd}, ex.Cmds())
	assert.Equal(t, in, b.Patterns())
}

func TestDumpSnapshotFailureRollsBack(t *testing.T) {
	ex := executetest.NewFakeExecute().
		On(listCmd, executetest.Response{Stdout: listOutput}).
		On("zfs snapshot pool/tagged", executetest.Response{ExitCode: 1, Stderr: []string{"out of space"}})
	h := New(testConfig(), ex)
	h.PID = 5

	runtimeDir := t.TempDir()
	b := patterns.NewBuilder([]patterns.Pattern{patterns.NewRoot("/pool/data", patterns.Config)})
	_, err := h.Dump(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: runtimeDir, Patterns: b})

	var serr *hooks.SnapshotError
	require.True(t, errors.As(err, &serr), "got %v", err)
	assert.Equal(t, "pool/tagged", serr.Name)

	cmds := ex.Cmds()
	dataMount := h.MountPath(runtimeDir, Dataset{Name: "pool/data", MountPoint: "/pool/data"})
	assert.Equal(t, []string{
		"umount " + dataMount,
		"zfs destroy pool/data@borgmatic-5",
	}, cmds[len(cmds)-2:])
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	snapDir := filepath.Join(base, "borgmatic", "zfs_snapshots", "0badcafe")
	require.NoError(t, os.MkdirAll(filepath.Join(snapDir, "pool", "data"), 0700))

	ex := executetest.NewFakeExecute().
		On(mountsCmd, executetest.Response{Stdout: []string{"/pool", "/pool/data", "none", "legacy"}}).
		On(snapshotsCmd, executetest.Response{Stdout: []string{
			"pool@borgmatic-42",
			"pool/data@borgmatic-42",
			"pool/data@daily-2024-01-01",
		}})
	h := New(testConfig(), ex)

	var probed []string
	h.Mounted = func(path string) (bool, error) {
		probed = append(probed, path)
		return true, nil
	}
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: base + testRuntimeIn})

	assert.Equal(t, []string{
		filepath.Join(snapDir, "pool", "data"),
		filepath.Join(snapDir, "pool"),
	}, probed)
	assert.Equal(t, []string{
		mountsCmd,
		"umount " + filepath.Join(snapDir, "pool", "data"),
		"umount " + filepath.Join(snapDir, "pool"),
		snapshotsCmd,
		"zfs destroy pool@borgmatic-42",
		"zfs destroy pool/data@borgmatic-42",
	}, ex.Cmds())
	assert.NoDirExists(t, snapDir)
}

func TestRemoveMissingZFS(t *testing.T) {
	ex := executetest.NewFakeExecute().On("zfs", executetest.Response{Err: errors.New("not found")})
	h := New(testConfig(), ex)
	h.Remove(context.Background(), &hooks.Request{Config: config.Default(), RuntimeDir: t.TempDir()})
	assert.Equal(t, []string{mountsCmd}, ex.Cmds())
}

func TestMountPathRoundTrip(t *testing.T) {
	h := New(testConfig(), executetest.NewFakeExecute())
	h.PID = 1
	ds := Dataset{Name: "pool/data", MountPoint: "/pool/data"}
	root := snapshotRoot("/run/./borgmatic", h.snapshotName(ds), ds.MountPoint)
	p := hooks.SnapshotPattern(root, patterns.NewRoot("/pool/data/x", patterns.Config))
	assert.Equal(t, "/pool/data/x", hooks.StripSnapshotPath(root, p.Path))
	assert.Equal(t, filepath.Join(root, "pool/data"), h.MountPath("/run/./borgmatic", ds))
}
