// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package hooks holds what is common to all data source hooks: programs that
// prepare data (snapshots, dumps) before "borg create" runs and clean it up
// afterwards.
package hooks

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
	"github.com/marcopaganini/goborgmatic/patterns"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/crypto/sha3"
)

const (
	// Length (in bytes) of the snapshot mount point digest.
	digestLen = 4

	// Prefix of temporary runtime directories, see config.OpenRuntimeDirectory.
	tempRuntimePrefix = "borgmatic-"
)

// Request carries everything a hook needs for one dump or remove call.
type Request struct {
	Config      *config.Config
	ConfigPaths []string
	// RuntimeDir is the run's runtime directory, as returned by
	// config.RuntimeDirectory.Path.
	RuntimeDir string
	// Patterns is the working pattern list. Dump may rewrite it in place.
	Patterns *patterns.Builder
	DryRun   bool
}

// DataSource is implemented by every data source hook.
type DataSource interface {
	// Name returns the hook name, as used in the configuration.
	Name() string
	// Dump prepares the data before borg runs. It returns the processes
	// that must keep running while borg reads their output (none for
	// snapshot hooks).
	Dump(ctx context.Context, req *Request) ([]execute.Process, error)
	// Remove cleans up anything created by Dump, in this or any previous
	// run. Failures are logged and never returned.
	Remove(ctx context.Context, req *Request)
}

// SnapshotError is returned when a hook fails to create or mount a snapshot.
type SnapshotError struct {
	Hook string
	Name string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("%s: unable to snapshot %s: %v", e.Hook, e.Name, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Base holds the fields shared by all hooks. Hooks embed it.
type Base struct {
	execute execute.Executor
	// PID is the process id used to name snapshots. Defaults to ours.
	PID int
	// Mounted reports whether a path is a mount point.
	Mounted func(string) (bool, error)
}

// NewBase returns a Base using ex to run programs. A nil ex runs the real
// programs.
func NewBase(ex execute.Executor) Base {
	if ex == nil {
		ex = execute.New()
	}
	return Base{execute: ex, PID: os.Getpid(), Mounted: mountinfo.Mounted}
}

// Run runs the program given as a (possibly multi word) command string plus
// arguments, logging its output at debug level.
func (b *Base) Run(ctx context.Context, prefix, command string, args ...string) error {
	argv, err := commandArgs(command, args)
	if err != nil {
		return err
	}
	return execute.RunCommand(ctx, prefix, execute.Command{Args: argv}, b.execute, execute.Output{})
}

// Capture is like Run, but returns the program's standard output.
func (b *Base) Capture(ctx context.Context, prefix, command string, args ...string) (string, error) {
	argv, err := commandArgs(command, args)
	if err != nil {
		return "", err
	}
	return execute.Capture(ctx, prefix, execute.Command{Args: argv}, b.execute)
}

// commandArgs splits a configured command ("sudo btrfs") and appends args.
func commandArgs(command string, args []string) ([]string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return append(argv, args...), nil
}

// UnmountAll unmounts the snapshots mounted under each directory matching
// glob at the given mount points (deepest first), then removes the
// directory. A directory is kept if any unmount fails. Errors are logged at
// debug level only.
func (b *Base) UnmountAll(ctx context.Context, prefix, umountCommand, glob string, mountPoints []string, dryRun bool) {
	log := logging.FromContext(ctx)
	label := DryRunLabel(dryRun, "removing")
	log.Debugf("Looking for snapshots to remove in %s%s", glob, label)

	dirs, err := filepath.Glob(glob)
	if err != nil {
		log.Debugf("Invalid glob %q: %v", glob, err)
		return
	}

	mps := append([]string(nil), mountPoints...)
	sort.Sort(sort.Reverse(sort.StringSlice(mps)))

	for _, dir := range dirs {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			continue
		}
		failed := false
		for _, mp := range mps {
			path := filepath.Join(dir, strings.TrimLeft(mp, "/"))
			// Paths of nested filesystems under an unmounted parent are
			// plain (or missing) directories.
			if mounted, err := b.Mounted(path); err != nil || !mounted {
				continue
			}
			log.Debugf("Unmounting snapshot at %s%s", path, label)
			if dryRun {
				continue
			}
			if err := b.Run(ctx, prefix, umountCommand, path); err != nil {
				log.Debugf("Error unmounting %s: %v", path, err)
				failed = true
			}
		}
		if dryRun || failed {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.Debugf("Error removing %s: %v", dir, err)
		}
	}
}

// Candidates is the set of patterns not yet claimed by any snapshot. Hooks
// walk their filesystems deepest first and call Contained for each, so every
// pattern ends up with exactly one (the deepest) parent.
type Candidates struct {
	patterns []patterns.Pattern
}

// NewCandidates returns a candidate set holding a copy of pats.
func NewCandidates(pats []patterns.Pattern) *Candidates {
	return &Candidates{patterns: append([]patterns.Pattern(nil), pats...)}
}

// Len returns the number of unclaimed patterns.
func (c *Candidates) Len() int {
	return len(c.patterns)
}

// Contained returns (and removes from the set) the patterns whose path is
// parent or lies under it. A leading "^" in the path is ignored.
func (c *Candidates) Contained(parent string) []patterns.Pattern {
	parent = filepath.Clean(parent)

	var ret []patterns.Pattern
	rest := c.patterns[:0]
	for _, p := range c.patterns {
		if IsUnder(parent, strings.TrimLeft(p.Path, "^")) {
			ret = append(ret, p)
			continue
		}
		rest = append(rest, p)
	}
	c.patterns = rest
	return ret
}

// IsUnder returns true if path is parent or one of its descendants.
func IsUnder(parent, path string) bool {
	parent = filepath.Clean(parent)
	path = filepath.Clean(path)
	switch {
	case parent == path:
		return true
	case parent == "/":
		return strings.HasPrefix(path, "/")
	}
	return strings.HasPrefix(path, parent+"/")
}

// HasConfigRoot returns true if any of pats is a root pattern that came from
// the configuration. Only filesystems holding one of those get snapshotted.
func HasConfigRoot(pats []patterns.Pattern) bool {
	for _, p := range pats {
		if p.Type == patterns.Root && p.Source == patterns.Config {
			return true
		}
	}
	return false
}

// Digest returns a short, stable hex digest of parts. Snapshot mounts use it
// to keep the mount points of nested filesystems apart.
func Digest(parts ...string) string {
	sum := make([]byte, digestLen)
	sha3.ShakeSum256(sum, []byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum)
}

// SnapshotPattern returns a copy of p pointing inside the snapshot mounted
// (or created) at snapshotRoot. The original path is appended after a "/./"
// marker, so borg records it at its original location. Paths that already
// carry the marker are appended as is. A leading regex "^" stays in front.
func SnapshotPattern(snapshotRoot string, p patterns.Pattern) patterns.Pattern {
	n := p
	n.Path = snapshotPath(snapshotRoot, p.Path, p.Style)
	n.Source = patterns.Hook
	return n
}

func snapshotPath(snapshotRoot, path string, style patterns.Style) string {
	caret := ""
	if style == patterns.Regex && strings.HasPrefix(path, "^") {
		caret = "^"
	}
	rooted := strings.TrimLeft(strings.TrimLeft(path, "^"), "/")
	sep := "/./"
	if strings.Contains(path, "/./") {
		sep = "/"
	}
	return caret + strings.TrimSuffix(snapshotRoot, "/") + sep + rooted
}

// StripSnapshotPath undoes SnapshotPattern on a path: it returns the
// original (absolute) path of a path inside snapshotRoot.
func StripSnapshotPath(snapshotRoot, path string) string {
	caret := ""
	if strings.HasPrefix(path, "^") {
		caret = "^"
		path = path[1:]
	}
	rest, ok := strings.CutPrefix(path, strings.TrimSuffix(snapshotRoot, "/"))
	if !ok {
		return caret + path
	}
	if r, ok := strings.CutPrefix(rest, "/./"); ok {
		return caret + "/" + r
	}
	return caret + rest
}

// RuntimeGlob returns a glob matching the directory dir (with subdirs
// appended) in this run and in runs that used a different temporary runtime
// directory. The "/./" marker is dropped.
func RuntimeGlob(runtimeDir string, subdirs ...string) string {
	parts := strings.Split(filepath.Clean(runtimeDir), "/")
	for i, p := range parts {
		if strings.HasPrefix(p, tempRuntimePrefix) {
			parts[i] = tempRuntimePrefix + "*"
		}
	}
	return filepath.Join(append([]string{strings.Join(parts, "/")}, subdirs...)...)
}

// DryRunLabel returns the suffix appended to log messages in dry run mode.
func DryRunLabel(dryRun bool, what string) string {
	if dryRun {
		return fmt.Sprintf(" (dry run; not actually %s anything)", what)
	}
	return ""
}
