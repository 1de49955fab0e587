// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package patterns

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcopaganini/goborgmatic/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// touch creates empty files (and their parent directories) under dir.
func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		fname := filepath.Join(dir, n)
		require.NoError(t, os.MkdirAll(filepath.Dir(fname), 0700))
		require.NoError(t, os.WriteFile(fname, nil, 0600))
	}
}

func TestCollectOrder(t *testing.T) {
	dir := t.TempDir()
	patternsFrom := filepath.Join(dir, "patterns")
	excludeFrom := filepath.Join(dir, "excludes")
	require.NoError(t, os.WriteFile(patternsFrom, []byte("# comment\n\nR /srv\n- sh:/srv/tmp\n"), 0600))
	require.NoError(t, os.WriteFile(excludeFrom, []byte("*.bak\n  \n# skip me\n*.swp\n"), 0600))

	cfg := &config.Config{
		SourceDirectories: []string{"/etc", "/var/log"},
		Patterns:          []string{"R /home", "", "# nothing", "- /home/*/.cache"},
		ExcludePatterns:   []string{"*.tmp"},
		PatternsFrom:      []string{patternsFrom},
		ExcludeFrom:       []string{excludeFrom},
	}

	got, err := Collect(cfg)
	require.NoError(t, err)

	want := []string{
		"R /etc",
		"R /var/log",
		"R /home",
		"- /home/*/.cache",
		"! fm:*.tmp",
		"R /srv",
		"- sh:/srv/tmp",
		"! fm:*.bak",
		"! fm:*.swp",
	}
	lines := []string{}
	for _, p := range got {
		assert.Equal(t, Config, p.Source)
		lines = append(lines, p.String())
	}
	assert.Equal(t, want, lines)
}

func TestCollectMissingFile(t *testing.T) {
	for _, cfg := range []*config.Config{
		{PatternsFrom: []string{"/nonexistent/patterns"}},
		{ExcludeFrom: []string{"/nonexistent/excludes"}},
	} {
		_, err := Collect(cfg)
		var cerr *config.Error
		require.True(t, errors.As(err, &cerr), "want *config.Error, got %v", err)
		assert.Contains(t, err.Error(), "/nonexistent/")
	}
}

func TestCollectBadPattern(t *testing.T) {
	_, err := Collect(&config.Config{Patterns: []string{"Z /foo"}})
	var cerr *config.Error
	assert.True(t, errors.As(err, &cerr))
}

// Source directories and an exclude end up in the patterns file exactly as
// borg expects them.
func TestPipelineToFile(t *testing.T) {
	casetests := []struct {
		cfg  *config.Config
		want string
	}{
		{&config.Config{SourceDirectories: []string{"/etc", "/var/log"}}, "R /etc\nR /var/log"},
		{&config.Config{SourceDirectories: []string{"/data"}, ExcludePatterns: []string{"*.tmp"}}, "R /data\n! fm:*.tmp"},
	}
	for _, tt := range casetests {
		collected, err := Collect(tt.cfg)
		require.NoError(t, err)
		processed, err := Process(collected, Options{Lookup: func(string) (uint64, bool, error) { return 0, false, nil }})
		require.NoError(t, err)

		f, err := WriteFile(context.Background(), processed, t.TempDir(), nil)
		require.NoError(t, err)
		data, err := os.ReadFile(f.Name())
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, tt.want, string(data))
	}
}

func TestExpandGlob(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "data/a1", "data/a2", "data/b1")

	got := Expand([]Pattern{NewRoot(filepath.Join(dir, "data/a*"), Config)}, "", nil)
	assert.Equal(t, []Pattern{
		NewRoot(filepath.Join(dir, "data/a1"), Config),
		NewRoot(filepath.Join(dir, "data/a2"), Config),
	}, got)
}

func TestExpandNoMatchPassesThrough(t *testing.T) {
	got := Expand([]Pattern{NewRoot("/nonexistent/path*", Config)}, "", nil)
	assert.Equal(t, []Pattern{NewRoot("/nonexistent/path*", Config)}, got)

	// And the existence check reports it.
	assert.Error(t, CheckRootsExist(got, ""))
}

func TestExpandWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "data/a1", "data/a2", "foo/bar1")

	// Relative globs are resolved under the working directory and returned
	// relative again.
	got := Expand([]Pattern{NewRoot("data/a*", Config)}, dir, nil)
	assert.Equal(t, []Pattern{NewRoot("data/a1", Config), NewRoot("data/a2", Config)}, got)

	// The slashdot marker survives.
	got = Expand([]Pattern{NewRoot("foo/./bar*", Config)}, dir, nil)
	assert.Equal(t, []Pattern{NewRoot("foo/./bar1", Config)}, got)

	// Without wildcards the path is returned as given, however many times
	// it's expanded.
	plain := []Pattern{NewRoot(dir+"/foo/./bar1", Config)}
	got = Expand(plain, "", nil)
	assert.Equal(t, plain, got)
	assert.Equal(t, plain, Expand(got, "", nil))
	got = Expand([]Pattern{NewRoot("foo/./bar1", Config)}, dir, nil)
	assert.Equal(t, []Pattern{NewRoot("foo/./bar1", Config)}, got)

	// Absolute paths already under the working directory stay absolute.
	got = Expand([]Pattern{NewRoot(filepath.Join(dir, "data/a1"), Config)}, dir, nil)
	assert.Equal(t, []Pattern{NewRoot(filepath.Join(dir, "data/a1"), Config)}, got)
}

func TestExpandSkipAndNonRoot(t *testing.T) {
	t.Setenv("HOME", "/home/test")
	dir := t.TempDir()
	touch(t, dir, "x1", "x2")

	skipped := filepath.Join(dir, "x*")
	got := Expand([]Pattern{
		NewRoot(skipped, Config),
		New("~/*.tmp", Exclude, Shell, Config),
		NewRoot("~/docs", Config),
	}, "", map[string]bool{skipped: true})

	assert.Equal(t, []Pattern{
		NewRoot(skipped, Config),
		New("/home/test/*.tmp", Exclude, Shell, Config),
		NewRoot("/home/test/docs", Config),
	}, got)
}

func TestDeviceMap(t *testing.T) {
	lookups := []string{}
	lookup := func(path string) (uint64, bool, error) {
		lookups = append(lookups, path)
		if strings.HasPrefix(path, "/mnt") {
			return 2, true, nil
		}
		return 1, true, nil
	}

	in := []Pattern{
		NewRoot("/", Config),
		NewRoot("/mnt/disk", Config),
		New("^/mnt/disk/cache", Exclude, Regex, Config),
		NewRoot("relative", Config),
		NewRoot("/preset", Config).WithDevice(9),
	}
	got, err := DeviceMap(in, "/work", SkipPrefix("/e2e/", lookup))
	require.NoError(t, err)

	assert.Equal(t, Device{1, true}, got[0].Device)
	assert.Equal(t, Device{2, true}, got[1].Device)
	assert.Equal(t, Device{2, true}, got[2].Device)
	assert.Equal(t, Device{1, true}, got[3].Device)
	assert.Equal(t, Device{9, true}, got[4].Device)
	assert.Equal(t, []string{"/", "/mnt/disk", "/mnt/disk/cache", "/work/relative"}, lookups)

	// Prefix short circuit.
	got, err = DeviceMap([]Pattern{NewRoot("/e2e/foo", Config)}, "", SkipPrefix("/e2e/", lookup))
	require.NoError(t, err)
	assert.False(t, got[0].Device.Valid)
}

func TestDeviceMapError(t *testing.T) {
	_, err := DeviceMap([]Pattern{NewRoot("/", Config)}, "", func(string) (uint64, bool, error) {
		return 0, false, errors.New("stat failed")
	})
	assert.Error(t, err)
}

func TestStatDevice(t *testing.T) {
	dir := t.TempDir()
	dev, ok, err := StatDevice(dir)
	require.NoError(t, err)
	require.True(t, ok)

	// A missing path takes the device of its closest existing ancestor.
	dev2, ok, err := StatDevice(filepath.Join(dir, "missing", "deeper"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dev, dev2)
}

func TestDeduplicate(t *testing.T) {
	dev1 := func(p Pattern) Pattern { return p.WithDevice(1) }
	dev2 := func(p Pattern) Pattern { return p.WithDevice(2) }

	casetests := []struct {
		name string
		in   []Pattern
		want []Pattern
	}{
		{
			name: "child on same device",
			in:   []Pattern{dev1(NewRoot("/", Config)), dev1(NewRoot("/root", Config))},
			want: []Pattern{dev1(NewRoot("/", Config))},
		},
		{
			name: "child listed first",
			in:   []Pattern{dev1(NewRoot("/root", Config)), dev1(NewRoot("/", Config))},
			want: []Pattern{dev1(NewRoot("/", Config))},
		},
		{
			name: "child on other device",
			in:   []Pattern{dev1(NewRoot("/", Config)), dev2(NewRoot("/mnt", Config))},
			want: []Pattern{dev1(NewRoot("/", Config)), dev2(NewRoot("/mnt", Config))},
		},
		{
			name: "same path different devices",
			in:   []Pattern{dev1(NewRoot("/data", Config)), dev2(NewRoot("/data", Config))},
			want: []Pattern{dev1(NewRoot("/data", Config)), dev2(NewRoot("/data", Config))},
		},
		{
			name: "unknown devices never deduplicated",
			in:   []Pattern{NewRoot("/", Config), NewRoot("/root", Config)},
			want: []Pattern{NewRoot("/", Config), NewRoot("/root", Config)},
		},
		{
			name: "exact duplicates",
			in:   []Pattern{dev1(NewRoot("/etc", Config)), dev1(NewRoot("/var", Config)), dev1(NewRoot("/etc", Config))},
			want: []Pattern{dev1(NewRoot("/etc", Config)), dev1(NewRoot("/var", Config))},
		},
		{
			name: "non-root patterns pass",
			in: []Pattern{
				dev1(New("/home/*/.cache", Exclude, Shell, Config)),
				dev1(NewRoot("/home", Config)),
				dev1(NewRoot("/home/user", Config)),
				dev1(New("/home/user/keep", Include, None, Config)),
			},
			want: []Pattern{
				dev1(New("/home/*/.cache", Exclude, Shell, Config)),
				dev1(NewRoot("/home", Config)),
				dev1(New("/home/user/keep", Include, None, Config)),
			},
		},
		{
			name: "prefix is not an ancestor",
			in:   []Pattern{dev1(NewRoot("/foo", Config)), dev1(NewRoot("/foobar", Config))},
			want: []Pattern{dev1(NewRoot("/foo", Config)), dev1(NewRoot("/foobar", Config))},
		},
	}

	for _, tt := range casetests {
		got := Deduplicate(tt.in)
		assert.Equal(t, tt.want, got, tt.name)

		// Every input is covered by a survivor: itself or an ancestor on the
		// same device.
		for _, p := range tt.in {
			covered := false
			for _, s := range got {
				if s == p || (s.Type == Root && p.Type == Root && s.Device == p.Device && isAncestor(s.Path, p.Path)) {
					covered = true
				}
			}
			assert.True(t, covered, "%s: %v not covered", tt.name, p)
		}
	}
}

func isAncestor(parent, path string) bool {
	for _, a := range ancestors(path) {
		if a == parent {
			return true
		}
	}
	return false
}

func TestProcessKeepsRootStyleNone(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a/file")
	got, err := Process([]Pattern{NewRoot(filepath.Join(dir, "a"), Config), New("*.o", Exclude, Fnmatch, Config)}, Options{})
	require.NoError(t, err)
	for _, p := range got {
		if p.Type == Root {
			assert.Equal(t, None, p.Style)
		}
		assert.True(t, p.Device.Valid)
	}
}

func TestBuilder(t *testing.T) {
	a, b, c := NewRoot("/a", Config), NewRoot("/b", Config), NewRoot("/c", Config)
	bl := NewBuilder([]Pattern{a, b})

	assert.True(t, bl.Replace(a, c))
	assert.Equal(t, []Pattern{c, b}, bl.Patterns())
	assert.False(t, bl.Replace(a, a))
	assert.Equal(t, []Pattern{c, b, a}, bl.Patterns())

	ex := New("/x", NoRecurse, Fnmatch, Hook)
	bl.Prepend(ex)
	assert.Equal(t, 0, bl.Index(ex))
	bl.Remove(b)
	assert.Equal(t, []Pattern{ex, c, a}, bl.Patterns())
	assert.Equal(t, 3, bl.Len())

	// Patterns returns a copy.
	ps := bl.Patterns()
	ps[0] = b
	assert.Equal(t, ex, bl.Patterns()[0])

	// An empty builder still returns a list.
	empty := NewBuilder(nil).Patterns()
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
