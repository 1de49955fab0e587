// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/marcopaganini/goborgmatic/logging"
)

const (
	checksDirName = "checks"
	allArchives   = "all"
	markerDirMode = 0700
	markerMode    = 0600
)

// ArchivesCheckID returns an id for the archive filter flags in effect, so
// that an archives check on a subset of archives doesn't count as a check
// of all of them. Returns an empty string if there are no flags.
func ArchivesCheckID(archiveFilterFlags []string) string {
	if len(archiveFilterFlags) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(archiveFilterFlags, " ")))
	return hex.EncodeToString(sum[:])
}

// archiveKind returns true for the checks whose markers depend on the
// archive filter.
func archiveKind(kind string) bool {
	return kind == "archives" || kind == "data"
}

// Store keeps the time each check last succeeded on one repository, as the
// modification time of marker files under the state directory.
type Store struct {
	stateDir  string
	sourceDir string
	repoID    string
	clock     clock.Clock
}

// NewStore returns the marker store of the repository with the given borg
// id. stateDir is the current state directory and sourceDir the legacy one
// Upgrade moves markers from. A nil clk uses the wall clock.
func NewStore(stateDir, sourceDir, repoID string, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{stateDir: stateDir, sourceDir: sourceDir, repoID: repoID, clock: clk}
}

// Path returns the marker file of the check kind. Archives and data checks
// get one marker per archive filter id, "all" when there's no filter.
func (s *Store) Path(kind, archivesID string) string {
	p := filepath.Join(s.stateDir, checksDirName, s.repoID, kind)
	if !archiveKind(kind) {
		return p
	}
	if archivesID == "" {
		archivesID = allArchives
	}
	return filepath.Join(p, archivesID)
}

// LastRun returns the last time the check kind succeeded. For archives and
// data checks, a run on all archives also counts. Returns false if the
// check never ran.
func (s *Store) LastRun(ctx context.Context, kind, archivesID string) (time.Time, bool) {
	log := logging.FromContext(ctx)

	paths := []string{s.Path(kind, archivesID)}
	if all := s.Path(kind, ""); all != paths[0] {
		paths = append(paths, all)
	}

	var (
		last  time.Time
		found bool
	)
	for _, p := range paths {
		log.Debugf("Reading check time from %s", p)
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if !found || fi.ModTime().After(last) {
			last = fi.ModTime()
			found = true
		}
	}
	return last, found
}

// Touch records now as the last successful run of the check kind.
func (s *Store) Touch(ctx context.Context, kind, archivesID string) error {
	p := s.Path(kind, archivesID)
	logging.FromContext(ctx).Debugf("Writing check time at %s", p)

	if err := os.MkdirAll(filepath.Dir(p), markerDirMode); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, markerMode)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	now := s.clock.Now()
	return os.Chtimes(p, now, now)
}

func isFile(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Upgrade converts markers written by older versions. The checks directory
// moves from the legacy source directory into the state directory, and a
// single archives (or data) marker file becomes a directory holding an
// "all" marker. A ".temp" file left by an interrupted conversion is
// picked up and finished.
func (s *Store) Upgrade(ctx context.Context) error {
	log := logging.FromContext(ctx)

	oldChecks := filepath.Join(s.sourceDir, checksDirName)
	newChecks := filepath.Join(s.stateDir, checksDirName)
	if s.sourceDir != "" && exists(oldChecks) && !exists(newChecks) {
		log.Debugf("Upgrading archives check times directory from %s to %s", oldChecks, newChecks)
		if err := os.MkdirAll(s.stateDir, markerDirMode); err != nil {
			return err
		}
		if err := os.Rename(oldChecks, newChecks); err != nil {
			return fmt.Errorf("unable to move check times: %w", err)
		}
	}

	for _, kind := range []string{"archives", "data"} {
		newPath := s.Path(kind, allArchives)
		oldPath := filepath.Dir(newPath)
		tempPath := oldPath + ".temp"

		if !isFile(oldPath) && !isFile(tempPath) {
			continue
		}
		log.Debugf("Upgrading archives check time file from %s to %s", oldPath, newPath)

		if isFile(oldPath) {
			if err := os.Rename(oldPath, tempPath); err != nil {
				return err
			}
		}
		if err := os.Mkdir(oldPath, markerDirMode); err != nil && !errors.Is(err, fs.ErrExist) {
			return err
		}
		if err := os.Rename(tempPath, newPath); err != nil {
			return err
		}
	}
	return nil
}
