// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package patterns

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcopaganini/goborgmatic/config"
	"golang.org/x/sys/unix"
)

// slashdot is borg's marker telling it to record paths relative to the
// portion after the dot.
const slashdot = "/./"

// Collect assembles the configured patterns, in order: source directories,
// patterns, exclude_patterns, patterns_from files and exclude_from files.
// Unreadable files produce a *config.Error naming the file.
func Collect(cfg *config.Config) ([]Pattern, error) {
	ret := []Pattern{}

	for _, dir := range cfg.SourceDirectories {
		ret = append(ret, NewRoot(dir, Config))
	}

	pats, err := parseLines(cfg.Patterns, None, Config)
	if err != nil {
		return nil, &config.Error{Path: cfg.Path, Err: err}
	}
	ret = append(ret, pats...)

	for _, ex := range cfg.ExcludePatterns {
		ret = append(ret, New(strings.TrimSpace(ex), NoRecurse, Fnmatch, Config))
	}

	for _, fname := range cfg.PatternsFrom {
		pats, err := ReadFile(config.ExpandUser(fname), Config)
		if err != nil {
			return nil, &config.Error{Path: fname, Err: fmt.Errorf("unable to read patterns file: %w", err)}
		}
		ret = append(ret, pats...)
	}

	for _, fname := range cfg.ExcludeFrom {
		data, err := os.ReadFile(config.ExpandUser(fname))
		if err != nil {
			return nil, &config.Error{Path: fname, Err: fmt.Errorf("unable to read exclude file: %w", err)}
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			ret = append(ret, New(line, NoRecurse, Fnmatch, Config))
		}
	}
	return ret, nil
}

// joinWorkingDir prepends the working directory to relative paths without
// cleaning the result, so any "/./" marker survives.
func joinWorkingDir(workingDir, path string) string {
	if workingDir == "" || strings.HasPrefix(path, "/") {
		return path
	}
	return strings.TrimSuffix(workingDir, "/") + "/" + path
}

// glob is filepath.Glob that keeps a "/./" marker in the results.
// filepath.Glob cleans every match, which would drop it.
func glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil || !strings.Contains(pattern, slashdot) {
		return matches, err
	}
	head := filepath.Clean(pattern[:strings.Index(pattern, slashdot)])
	for i, m := range matches {
		// Patterns without wildcards come back untouched.
		if strings.Contains(m, slashdot) {
			continue
		}
		if rest, ok := strings.CutPrefix(m, head+"/"); ok {
			matches[i] = head + slashdot + rest
		}
	}
	return matches, nil
}

// expandDirectory expands "~" and globs the path under workingDir. Returns
// the expanded path itself when nothing matches. The working directory
// added for globbing is stripped from the results with a plain prefix cut
// (not a relative path computation) to preserve a leading "./".
func expandDirectory(dir, workingDir string) []string {
	expanded := config.ExpandUser(dir)
	normalized := joinWorkingDir(workingDir, expanded)

	matches, err := glob(normalized)
	if err != nil || len(matches) == 0 {
		return []string{expanded}
	}
	if normalized == expanded {
		return matches
	}
	prefix := strings.TrimSuffix(workingDir, "/") + "/"
	ret := make([]string, 0, len(matches))
	for _, m := range matches {
		ret = append(ret, strings.TrimPrefix(m, prefix))
	}
	return ret
}

// Expand expands "~" in every pattern and globs root patterns (except those
// with paths in skip) under the working directory. Non-root patterns are not
// globbed since borg interprets their wildcards itself.
func Expand(patterns []Pattern, workingDir string, skip map[string]bool) []Pattern {
	ret := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Type != Root || skip[p.Path] {
			ret = append(ret, p.WithPath(config.ExpandUser(p.Path)))
			continue
		}
		for _, path := range expandDirectory(p.Path, workingDir) {
			n := p
			n.Path = path
			n.Style = None
			ret = append(ret, n)
		}
	}
	return ret
}

// DeviceLookup returns the device id of the filesystem holding path. ok is
// false when the device can't be determined and the pattern should stay
// without one.
type DeviceLookup func(path string) (id uint64, ok bool, err error)

// existentPathOrParent returns path, or its closest ancestor that exists.
// Returns an empty string if no candidate exists.
func existentPathOrParent(path string) string {
	for candidate := path; ; {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return ""
		}
		candidate = parent
	}
}

// StatDevice is the default DeviceLookup: it stats the path (or its closest
// existing ancestor) and returns its st_dev.
func StatDevice(path string) (uint64, bool, error) {
	existing := existentPathOrParent(path)
	if existing == "" {
		return 0, false, nil
	}
	var st unix.Stat_t
	if err := unix.Stat(existing, &st); err != nil {
		return 0, false, fmt.Errorf("unable to stat %q: %w", existing, err)
	}
	return uint64(st.Dev), true, nil
}

// SkipPrefix wraps a DeviceLookup so paths under prefix never get a device.
// End to end tests use it for paths that live on fake filesystems.
func SkipPrefix(prefix string, lookup DeviceLookup) DeviceLookup {
	return func(path string) (uint64, bool, error) {
		if strings.HasPrefix(path, prefix) {
			return 0, false, nil
		}
		return lookup(path)
	}
}

// DeviceMap annotates each pattern with the device id of its path. Patterns
// that already have a device keep it. A leading "^" (regex anchor) is
// ignored and relative paths are resolved under workingDir. A nil lookup
// means StatDevice.
func DeviceMap(patterns []Pattern, workingDir string, lookup DeviceLookup) ([]Pattern, error) {
	if lookup == nil {
		lookup = StatDevice
	}
	ret := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Device.Valid {
			ret = append(ret, p)
			continue
		}
		path := joinWorkingDir(workingDir, strings.TrimPrefix(p.Path, "^"))
		id, ok, err := lookup(path)
		if err != nil {
			return nil, err
		}
		if ok {
			p = p.WithDevice(id)
		}
		ret = append(ret, p)
	}
	return ret, nil
}

// ancestors returns the parent directories of path, closest first.
func ancestors(path string) []string {
	ret := []string{}
	path = filepath.Clean(path)
	for {
		parent := filepath.Dir(path)
		if parent == path {
			return ret
		}
		ret = append(ret, parent)
		path = parent
	}
}

// Deduplicate drops root patterns that have another root pattern as an
// ancestor on the same (known) device, and removes exact duplicates.
// Non-root patterns always pass. Survivors keep their original order.
func Deduplicate(patterns []Pattern) []Pattern {
	roots := map[string][]Device{}
	for _, p := range patterns {
		if p.Type == Root {
			path := filepath.Clean(p.Path)
			roots[path] = append(roots[path], p.Device)
		}
	}

	seen := map[Pattern]bool{}
	ret := []Pattern{}

	for _, p := range patterns {
		if seen[p] {
			continue
		}
		if p.Type == Root && p.Device.Valid && hasAncestorOnDevice(p, roots) {
			continue
		}
		seen[p] = true
		ret = append(ret, p)
	}
	return ret
}

func hasAncestorOnDevice(p Pattern, roots map[string][]Device) bool {
	for _, parent := range ancestors(p.Path) {
		for _, dev := range roots[parent] {
			if dev == p.Device {
				return true
			}
		}
	}
	return false
}

// Options tunes Process.
type Options struct {
	WorkingDir string
	// Skip lists root paths that must not be globbed.
	Skip map[string]bool
	// Lookup finds device ids. Nil means StatDevice.
	Lookup DeviceLookup
}

// Process runs the expand, device-map and deduplicate stages.
func Process(patterns []Pattern, opts Options) ([]Pattern, error) {
	mapped, err := DeviceMap(Expand(patterns, opts.WorkingDir, opts.Skip), opts.WorkingDir, opts.Lookup)
	if err != nil {
		return nil, err
	}
	return Deduplicate(mapped), nil
}
