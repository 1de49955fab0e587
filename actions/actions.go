// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package actions runs the requested actions (create, prune, check...)
// against one repository, wrapping "borg create" with the data source hooks
// and recording successful checks.
package actions

import (
	"github.com/marcopaganini/goborgmatic/borg"
)

// Action is one command line action. Each action type carries the options
// given for it on the command line.
type Action interface {
	Name() string
}

// Create makes a new archive. PatternsFile is ignored and filled in by the
// dispatcher.
type Create struct {
	borg.CreateArgs
}

// Prune applies the retention policy.
type Prune struct {
	borg.PruneArgs
}

// Compact frees space left by deleted archives.
type Compact struct {
	borg.CompactArgs
}

// Check runs the consistency checks that are due.
type Check struct {
	borg.CheckArgs
	// Only runs these checks instead of the configured ones.
	Only []string
	// Force ignores the check frequencies.
	Force bool
}

// List lists archives, or the files in one archive.
type List struct {
	borg.ListArgs
}

// Info shows repository or archive information.
type Info struct {
	borg.InfoArgs
}

// Recreate rewrites archives with the current patterns.
type Recreate struct {
	borg.RecreateArgs
}

// Delete deletes archives.
type Delete struct {
	borg.DeleteArgs
}

// Mount mounts an archive (or all archives) as a FUSE filesystem.
type Mount struct {
	borg.MountArgs
}

// Umount unmounts a FUSE filesystem mounted by Mount. It doesn't need a
// repository and runs once per configuration.
type Umount struct {
	MountPoint string
}

// Extract restores files from an archive.
type Extract struct {
	borg.ExtractArgs
}

// RepoCreate creates the repository.
type RepoCreate struct {
	borg.RepoCreateArgs
}

// RepoDelete deletes the whole repository.
type RepoDelete struct {
	borg.RepoDeleteArgs
}

// KeyExport exports the repository key.
type KeyExport struct {
	borg.KeyExportArgs
}

// KeyImport imports a repository key.
type KeyImport struct {
	borg.KeyImportArgs
}

// ChangePassphrase changes the repository passphrase.
type ChangePassphrase struct{}

// BreakLock removes stale repository and cache locks.
type BreakLock struct{}

// Borg runs an arbitrary borg command with the repository in BORG_REPO.
type Borg struct {
	Options []string
	Archive string
}

// Action names, as used on the command line.
func (Create) Name() string           { return "create" }
func (Prune) Name() string            { return "prune" }
func (Compact) Name() string          { return "compact" }
func (Check) Name() string            { return "check" }
func (List) Name() string             { return "list" }
func (Info) Name() string             { return "info" }
func (Recreate) Name() string         { return "recreate" }
func (Delete) Name() string           { return "delete" }
func (Mount) Name() string            { return "mount" }
func (Umount) Name() string           { return "umount" }
func (Extract) Name() string          { return "extract" }
func (RepoCreate) Name() string       { return "repo-create" }
func (RepoDelete) Name() string       { return "repo-delete" }
func (KeyExport) Name() string        { return "key export" }
func (KeyImport) Name() string        { return "key import" }
func (ChangePassphrase) Name() string { return "change-passphrase" }
func (BreakLock) Name() string        { return "break-lock" }
func (Borg) Name() string             { return "borg" }

// Default returns the actions run when none are given: create, prune,
// compact and check.
func Default() []Action {
	return []Action{Create{}, Prune{}, Compact{}, Check{}}
}

// has returns true if acts holds an action with the given name.
func has(acts []Action, name string) bool {
	for _, a := range acts {
		if a.Name() == name {
			return true
		}
	}
	return false
}
