// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

const (
	// Name of the directory created under the runtime and state bases.
	appDirName = "borgmatic"

	defaultRuntimeDirMode = 0700
)

// ExpandUser replaces a leading "~" or "~user" with the corresponding home
// directory. Paths without a leading tilde are returned unchanged, as are
// paths for unknown users.
func ExpandUser(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	name, rest, _ := strings.Cut(path[1:], "/")

	var home string
	if name == "" {
		h, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		home = h
	} else {
		u, err := user.Lookup(name)
		if err != nil {
			return path
		}
		home = u.HomeDir
	}
	if rest == "" && !strings.HasSuffix(path, "/") {
		return home
	}
	return strings.TrimSuffix(home, "/") + "/" + rest
}

// WorkingDir returns the configured working directory with "~" expanded,
// or an empty string if none is configured.
func (c *Config) WorkingDir() string {
	if c.WorkingDirectory == "" {
		return ""
	}
	return ExpandUser(c.WorkingDirectory)
}

// StateDir returns the directory where goborgmatic keeps persistent state,
// like check timestamps. The base is user_state_directory, $XDG_STATE_HOME,
// $STATE_DIRECTORY or ~/.local/state, in that order.
func (c *Config) StateDir() string {
	base := c.UserStateDirectory
	if base == "" {
		base = os.Getenv("XDG_STATE_HOME")
	}
	if base == "" {
		base = os.Getenv("STATE_DIRECTORY")
	}
	if base == "" {
		base = "~/.local/state"
	}
	return filepath.Join(ExpandUser(base), appDirName)
}

// SourceDir returns the legacy directory where old versions kept their
// state (~/.borgmatic by default).
func (c *Config) SourceDir() string {
	dir := c.BorgmaticSourceDirectory
	if dir == "" {
		dir = "~/.borgmatic"
	}
	return ExpandUser(dir)
}

// RuntimeDirectory is the scratch directory for one run. Pattern files and
// snapshot mount points live here. It must be closed when the run ends.
type RuntimeDirectory struct {
	path    string
	tempDir string
}

// OpenRuntimeDirectory creates the runtime directory. The base comes from
// user_runtime_directory, $XDG_RUNTIME_DIR or $RUNTIME_DIRECTORY. If none of
// those are set, a new temporary directory is created under $TMPDIR, $TEMP
// or /tmp and removed on Close.
//
// The returned path has the form "<base>/./borgmatic" so borg records files
// under it relative to the base.
func OpenRuntimeDirectory(c *Config) (*RuntimeDirectory, error) {
	rd := &RuntimeDirectory{}

	base := c.UserRuntimeDirectory
	if base == "" {
		base = os.Getenv("XDG_RUNTIME_DIR")
	}
	if base == "" {
		base = os.Getenv("RUNTIME_DIRECTORY")
	}

	if base != "" {
		if !strings.HasPrefix(base, "/") {
			return nil, &Error{Path: c.Path, Err: fmt.Errorf("runtime directory %q must be an absolute path", base)}
		}
	} else {
		tmp := os.Getenv("TMPDIR")
		if tmp == "" {
			tmp = os.Getenv("TEMP")
		}
		if tmp == "" {
			tmp = "/tmp"
		}
		dir, err := os.MkdirTemp(tmp, "borgmatic-")
		if err != nil {
			return nil, fmt.Errorf("unable to create temporary runtime directory: %w", err)
		}
		rd.tempDir = dir
		base = dir
	}

	rd.path = strings.TrimSuffix(base, "/") + "/./" + appDirName
	if err := os.MkdirAll(rd.path, defaultRuntimeDirMode); err != nil {
		rd.Close()
		return nil, fmt.Errorf("unable to create runtime directory %q: %w", rd.path, err)
	}
	return rd, nil
}

// Path returns the runtime directory path, including the "/./" marker.
func (r *RuntimeDirectory) Path() string {
	return r.path
}

// Close removes the runtime directory. Temporary bases are removed
// entirely; a configured base only loses the (empty) borgmatic directory.
// Errors are ignored.
func (r *RuntimeDirectory) Close() {
	if r.tempDir != "" {
		_ = os.RemoveAll(r.tempDir)
		return
	}
	if r.path != "" {
		_ = os.Remove(r.path)
	}
}
