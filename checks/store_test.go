// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package checks

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchivesCheckID(t *testing.T) {
	assert.Equal(t, "", ArchivesCheckID(nil))

	id := ArchivesCheckID([]string{"--last", "3"})
	assert.Len(t, id, 64)
	assert.Equal(t, id, ArchivesCheckID([]string{"--last", "3"}))
	assert.NotEqual(t, id, ArchivesCheckID([]string{"--last", "4"}))
}

func TestStorePath(t *testing.T) {
	s := NewStore("/state", "/source", "1234", nil)

	casetests := []struct {
		kind       string
		archivesID string
		want       string
	}{
		{"repository", "", "/state/checks/1234/repository"},
		{"repository", "abcd", "/state/checks/1234/repository"},
		{"archives", "", "/state/checks/1234/archives/all"},
		{"archives", "abcd", "/state/checks/1234/archives/abcd"},
		{"data", "abcd", "/state/checks/1234/data/abcd"},
		{"spot", "", "/state/checks/1234/spot"},
	}
	for _, tt := range casetests {
		assert.Equal(t, tt.want, s.Path(tt.kind, tt.archivesID), "%s/%s", tt.kind, tt.archivesID)
	}
}

func TestStoreTouchAndLastRun(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	s := NewStore(t.TempDir(), "", "1234", clk)

	_, ok := s.LastRun(ctx, "repository", "")
	assert.False(t, ok)

	require.NoError(t, s.Touch(ctx, "repository", ""))
	last, ok := s.LastRun(ctx, "repository", "")
	require.True(t, ok)
	assert.True(t, last.Equal(now), "last run %v, want %v", last, now)

	fi, err := os.Stat(filepath.Dir(s.Path("repository", "")))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), fi.Mode().Perm())

	// The newest of the filtered and "all" markers wins.
	require.NoError(t, s.Touch(ctx, "archives", "abcd"))
	clk.Advance(time.Hour)
	require.NoError(t, s.Touch(ctx, "archives", ""))

	last, ok = s.LastRun(ctx, "archives", "abcd")
	require.True(t, ok)
	assert.True(t, last.Equal(now.Add(time.Hour)))

	// A filtered run doesn't count as a run on all archives.
	_, ok = s.LastRun(ctx, "data", "")
	assert.False(t, ok)
	require.NoError(t, s.Touch(ctx, "data", "abcd"))
	_, ok = s.LastRun(ctx, "data", "")
	assert.False(t, ok)
}

func TestStoreUpgradeMovesSourceDirectory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state", "borgmatic")
	sourceDir := filepath.Join(dir, ".borgmatic")

	old := filepath.Join(sourceDir, "checks", "1234", "repository")
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0700))
	require.NoError(t, os.WriteFile(old, nil, 0600))

	s := NewStore(stateDir, sourceDir, "1234", nil)
	require.NoError(t, s.Upgrade(ctx))

	assert.FileExists(t, s.Path("repository", ""))
	assert.NoDirExists(t, filepath.Join(sourceDir, "checks"))
}

func TestStoreUpgradeLeavesExistingStateAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	sourceDir := filepath.Join(dir, "source")

	require.NoError(t, os.MkdirAll(filepath.Join(sourceDir, "checks"), 0700))
	require.NoError(t, os.MkdirAll(filepath.Join(stateDir, "checks"), 0700))

	require.NoError(t, NewStore(stateDir, sourceDir, "1234", nil).Upgrade(ctx))
	assert.DirExists(t, filepath.Join(sourceDir, "checks"))
}

func TestStoreUpgradeMarkerFileToDirectory(t *testing.T) {
	ctx := context.Background()
	mtime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s := NewStore(t.TempDir(), "", "1234", nil)

	old := filepath.Dir(s.Path("archives", ""))
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0700))
	require.NoError(t, os.WriteFile(old, nil, 0600))
	require.NoError(t, os.Chtimes(old, mtime, mtime))

	require.NoError(t, s.Upgrade(ctx))

	last, ok := s.LastRun(ctx, "archives", "")
	require.True(t, ok)
	assert.True(t, last.Equal(mtime))
	assert.DirExists(t, old)
}

func TestStoreUpgradeFinishesInterruptedUpgrade(t *testing.T) {
	ctx := context.Background()
	s := NewStore(t.TempDir(), "", "1234", nil)

	// Crashed after moving the marker aside, before creating the directory.
	old := filepath.Dir(s.Path("data", ""))
	require.NoError(t, os.MkdirAll(filepath.Dir(old), 0700))
	require.NoError(t, os.WriteFile(old+".temp", nil, 0600))

	require.NoError(t, s.Upgrade(ctx))
	assert.FileExists(t, s.Path("data", ""))
	assert.NoFileExists(t, old+".temp")

	// Crashed after creating the directory.
	old = filepath.Dir(s.Path("archives", ""))
	require.NoError(t, os.MkdirAll(old, 0700))
	require.NoError(t, os.WriteFile(old+".temp", nil, 0600))

	require.NoError(t, s.Upgrade(ctx))
	assert.FileExists(t, s.Path("archives", ""))

	// Nothing left to do.
	require.NoError(t, s.Upgrade(ctx))
}
