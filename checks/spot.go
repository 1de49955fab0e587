// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package checks

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/execute"
	"github.com/marcopaganini/goborgmatic/logging"
)

const (
	// BuiltinHash as the hash command hashes files in-process.
	BuiltinHash = "builtin"

	// Files hashed per hash command, to keep the command line short.
	sampleChunkSize = 5000

	// Longest path list written to the debug log.
	maxLoggedPaths = 1000

	hashPrefix = "XXH64SUM"
)

// ConsistencyError is returned when the spot check finds the latest
// archive too different from the source files.
type ConsistencyError struct {
	Reason string
}

func (e *ConsistencyError) Error() string {
	return "spot check failed: " + e.Reason
}

// Archiver is the part of borg the spot check needs.
type Archiver interface {
	SourcePaths(ctx context.Context, repo, patternsFile string) ([]string, error)
	LatestArchive(ctx context.Context, repo string) (string, error)
	ArchiveListing(ctx context.Context, repo, archive string, paths []string, format string) ([]string, error)
}

// SpotCheck compares the latest archive of a repository with the source
// files: the file counts, and the hashes of a random sample of files.
type SpotCheck struct {
	Borg    Archiver
	Execute execute.Executor
	Check   config.Check
	// WorkingDir is where relative source paths are resolved.
	WorkingDir string
	// Directories holding our own files, which never count as archive
	// contents.
	SourceDir  string
	RuntimeDir string
	// PatternsFile is the patterns file a create would use.
	PatternsFile string
	// Rand picks the sample. Nil uses a random seed.
	Rand *rand.Rand
}

// fullPath resolves a path borg reports against the working directory.
func fullPath(dir, path string) string {
	if dir == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// shorten joins paths for logging, cutting the result to a sane length.
func shorten(paths []string) string {
	if len(paths) == 0 {
		return "none"
	}
	s := strings.Join(paths, ", ")
	if len(s) <= maxLoggedPaths {
		return s
	}
	return s[:maxLoggedPaths] + " ..."
}

// under returns true if path (without leading slash, the way borg stores
// it) is inside dir.
func under(path, dir string) bool {
	dir = strings.TrimPrefix(filepath.Clean(dir), "/")
	return dir != "" && dir != "." && strings.HasPrefix(path, dir+"/")
}

// sourcePaths returns the regular files a create would back up.
func (s *SpotCheck) sourcePaths(ctx context.Context, repo string) ([]string, error) {
	paths, err := s.Borg.SourcePaths(ctx, repo, s.PatternsFile)
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, p := range paths {
		fi, err := os.Stat(fullPath(s.WorkingDir, p))
		if err == nil && fi.Mode().IsRegular() {
			ret = append(ret, p)
		}
	}
	return ret, nil
}

// archivePaths returns the files and symlinks in archive, leaving out our
// own state and runtime files.
func (s *SpotCheck) archivePaths(ctx context.Context, repo, archive string) ([]string, error) {
	lines, err := s.Borg.ArchiveListing(ctx, repo, archive, nil, "{type} {path}{NL}")
	if err != nil {
		return nil, err
	}
	var ret []string
	for _, line := range lines {
		ftype, path, ok := strings.Cut(line, " ")
		if !ok || ftype == "d" || ftype == "p" {
			continue
		}
		if under(path, "borgmatic") || under(path, s.SourceDir) || under(path, s.RuntimeDir) {
			continue
		}
		ret = append(ret, path)
	}
	return ret, nil
}

// Run performs the spot check on the latest archive of repo.
func (s *SpotCheck) Run(ctx context.Context, repo string) error {
	log := logging.FromContext(ctx)
	log.Debugf("Running spot check")

	if s.Check.DataTolerancePercentage > s.Check.DataSamplePercentage {
		return fmt.Errorf("the data_tolerance_percentage must be less than or equal to the data_sample_percentage")
	}

	sources, err := s.sourcePaths(ctx, repo)
	if err != nil {
		return err
	}
	log.Debugf("%s total source paths for spot check", humanize.Comma(int64(len(sources))))

	archive, err := s.Borg.LatestArchive(ctx, repo)
	if err != nil {
		return err
	}
	log.Debugf("Using archive %s for spot check", archive)

	archived, err := s.archivePaths(ctx, repo, archive)
	if err != nil {
		return err
	}
	log.Debugf("%s total archive paths for spot check", humanize.Comma(int64(len(archived))))

	if len(sources) == 0 {
		log.Debugf("Paths in latest archive but not source paths: %s", shorten(archived))
		return &ConsistencyError{Reason: "there are no source paths to compare against the archive"}
	}

	countDelta := absDiff(len(sources), len(archived)) / float64(len(sources)) * 100
	if countDelta > s.Check.CountTolerancePercentage {
		onlySource, onlyArchive := difference(sources, archived)
		log.Debugf("Paths in source paths but not latest archive: %s", shorten(onlySource))
		log.Debugf("Paths in latest archive but not source paths: %s", shorten(onlyArchive))
		return &ConsistencyError{Reason: fmt.Sprintf("%.2f%% file count delta between source paths and latest archive (tolerance is %g%%)",
			countDelta, s.Check.CountTolerancePercentage)}
	}

	failing, err := s.compareHashes(ctx, repo, archive, sources)
	if err != nil {
		return err
	}
	log.Debugf("%d non-matching spot check hashes", len(failing))

	failingPct := float64(len(failing)) / float64(len(sources)) * 100
	if failingPct > s.Check.DataTolerancePercentage {
		log.Debugf("Source paths with data not matching the latest archive: %s", shorten(failing))
		return &ConsistencyError{Reason: fmt.Sprintf("%.2f%% of source paths with data not matching the latest archive (tolerance is %g%%)",
			failingPct, s.Check.DataTolerancePercentage)}
	}

	log.Infof("Spot check passed with a %.2f%% file count delta and a %.2f%% file data delta", countDelta, failingPct)
	return nil
}

func absDiff(a, b int) float64 {
	if a > b {
		return float64(a - b)
	}
	return float64(b - a)
}

// difference returns the source paths missing from the archive and the
// archive paths missing from the sources. Archive paths have no leading
// slash.
func difference(sources, archived []string) ([]string, []string) {
	src := map[string]bool{}
	for _, p := range sources {
		src[strings.TrimLeft(p, "/")] = true
	}
	arc := map[string]bool{}
	for _, p := range archived {
		arc[p] = true
	}
	var onlySource, onlyArchive []string
	for p := range src {
		if !arc[p] {
			onlySource = append(onlySource, p)
		}
	}
	for p := range arc {
		if !src[p] {
			onlyArchive = append(onlyArchive, p)
		}
	}
	return onlySource, onlyArchive
}

// sample picks a random sample of paths sized by the data sample
// percentage. At least one path is picked, and never more than all of
// them.
func (s *SpotCheck) sample(paths []string) []string {
	pct := s.Check.DataSamplePercentage
	if pct > 100 {
		pct = 100
	}
	count := int(float64(len(paths)) * pct / 100)
	if count < 1 {
		count = 1
	}
	if count > len(paths) {
		count = len(paths)
	}

	r := s.Rand
	if r == nil {
		r = rand.New(rand.NewSource(rand.Int63()))
	}
	ret := make([]string, 0, count)
	for _, i := range r.Perm(len(paths))[:count] {
		ret = append(ret, paths[i])
	}
	return ret
}

// hashable returns true for paths that exist and are not symlinks.
func (s *SpotCheck) hashable(path string) bool {
	fi, err := os.Lstat(fullPath(s.WorkingDir, path))
	return err == nil && fi.Mode()&os.ModeSymlink == 0
}

// compareHashes hashes a sample of the source paths and the same paths in
// archive. Returns the sampled paths whose hashes differ. Paths that can't
// be hashed (missing files and symlinks) always differ.
func (s *SpotCheck) compareHashes(ctx context.Context, repo, archive string, sources []string) ([]string, error) {
	log := logging.FromContext(ctx)

	sampled := s.sample(sources)
	log.Debugf("Sampling %s source paths (~%g%%) for spot check", humanize.Comma(int64(len(sampled))), s.Check.DataSamplePercentage)

	var failing []string
	for start := 0; start < len(sampled); start += sampleChunkSize {
		end := start + sampleChunkSize
		if end > len(sampled) {
			end = len(sampled)
		}
		chunk := sampled[start:end]

		var toHash []string
		for _, p := range chunk {
			if s.hashable(p) {
				toHash = append(toHash, p)
			} else {
				failing = append(failing, p)
			}
		}
		if len(toHash) == 0 {
			continue
		}

		sourceHashes, err := s.hashFiles(ctx, toHash)
		if err != nil {
			return nil, err
		}

		lines, err := s.Borg.ArchiveListing(ctx, repo, archive, toHash, "{xxh64} {path}{NL}")
		if err != nil {
			return nil, err
		}
		archiveHashes := map[string]string{}
		for _, line := range lines {
			if hash, path, ok := strings.Cut(line, " "); ok {
				archiveHashes[path] = hash
			}
		}

		for _, p := range toHash {
			ah, ok := archiveHashes[strings.TrimLeft(p, "/")]
			if !ok || ah != sourceHashes[p] {
				failing = append(failing, p)
			}
		}
	}
	return failing, nil
}

// hashFiles returns the xxh64 hash of each path, using the configured hash
// command or, for "builtin", hashing in-process.
func (s *SpotCheck) hashFiles(ctx context.Context, paths []string) (map[string]string, error) {
	command := s.Check.XXH64SumCommand
	if command == "" {
		command = config.DefaultHashCommand
	}
	if command == BuiltinHash {
		return s.builtinHash(paths)
	}

	args, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid xxh64sum_command %q: %w", command, err)
	}
	cmd := execute.Command{Args: append(args, paths...), Dir: s.WorkingDir}
	out, err := execute.Capture(ctx, hashPrefix, cmd, s.Execute)
	if err != nil {
		return nil, err
	}

	// xxh64sum prints "<hash>  <path>".
	ret := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		if hash, path, ok := strings.Cut(line, "  "); ok {
			ret[path] = hash
		}
	}
	return ret, nil
}

func (s *SpotCheck) builtinHash(paths []string) (map[string]string, error) {
	ret := map[string]string{}
	for _, p := range paths {
		f, err := os.Open(fullPath(s.WorkingDir, p))
		if err != nil {
			return nil, err
		}
		h := xxhash.New()
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("unable to hash %s: %w", p, err)
		}
		ret[p] = fmt.Sprintf("%016x", h.Sum64())
	}
	return ret, nil
}
