// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/marcopaganini/goborgmatic/logging"
)

// Time based placeholders in archive names. Archive filters replace them
// with "*"; the others ({hostname}, {user}...) are expanded by borg itself.
var timePlaceholderRe = regexp.MustCompile(`\{(now|utcnow|pid)([:%\w\.-]*)\}`)

func flag(name, value string) []string {
	if value == "" {
		return nil
	}
	return []string{"--" + name, value}
}

func intFlag(name string, value int) []string {
	if value == 0 {
		return nil
	}
	return []string{"--" + name, strconv.Itoa(value)}
}

func boolFlag(name string, value bool) []string {
	if !value {
		return nil
	}
	return []string{"--" + name}
}

// LogLevelFlags returns the borg flags matching our log level.
func LogLevelFlags(level logging.Level) []string {
	switch {
	case level >= logging.Debug:
		return []string{"--debug", "--show-rc"}
	case level == logging.Info:
		return []string{"--info"}
	}
	return nil
}

// IsRemote returns true if the repository is reached through ssh
// ("ssh://host/path" or "user@host:path").
func IsRemote(repo string) bool {
	if strings.HasPrefix(repo, "ssh://") {
		return true
	}
	if strings.HasPrefix(repo, "/") || strings.HasPrefix(repo, "file://") {
		return false
	}
	first, _, _ := strings.Cut(repo, "/")
	return strings.Contains(first, ":")
}

// RepositoryFlags returns the flags naming the repository: "--repo REPO" on
// borg 2 and just the positional "REPO" before that.
func RepositoryFlags(repo, version string) []string {
	if Available(SeparateRepositoryArchive, version) {
		return []string{"--repo", repo}
	}
	return []string{repo}
}

// ArchiveFlags returns the flags naming an archive in a repository:
// "--repo REPO ARCHIVE" on borg 2 and "REPO::ARCHIVE" before that.
func ArchiveFlags(repo, archive, version string) []string {
	if Available(SeparateRepositoryArchive, version) {
		return []string{"--repo", repo, archive}
	}
	return []string{repo + "::" + archive}
}

// MatchArchivesFlags returns the flags selecting archives. An explicit match
// wins; otherwise the match is derived from the archive name format by
// turning its time based placeholders into wildcards. Returns nil when every
// archive would match anyway.
func MatchArchivesFlags(match, archiveNameFormat, version string) []string {
	if match != "" {
		if match == "*" || match == "re:.*" || match == "sh:*" {
			return nil
		}
		if Available(MatchArchives, version) {
			return []string{"--match-archives", match}
		}
		return []string{"--glob-archives", strings.TrimPrefix(match, "sh:")}
	}

	if archiveNameFormat == "" {
		return nil
	}
	derived := timePlaceholderRe.ReplaceAllString(archiveNameFormat, "*")
	if derived == "*" {
		return nil
	}
	if Available(MatchArchives, version) {
		return []string{"--match-archives", "sh:" + derived}
	}
	return []string{"--glob-archives", derived}
}

// PrefixFlags returns the flags selecting archives whose names start with
// prefix.
func PrefixFlags(prefix, version string) []string {
	if prefix == "" {
		return nil
	}
	if Available(MatchArchives, version) {
		return []string{"--match-archives", "sh:" + prefix + "*"}
	}
	return []string{"--glob-archives", prefix + "*"}
}

// Filters selects archives by position or age. Used by list, info, mount and
// delete.
type Filters struct {
	First  int
	Last   int
	Oldest string
	Newest string
	Older  string
	Newer  string
}

func (f Filters) flags() []string {
	var ret []string
	ret = append(ret, intFlag("first", f.First)...)
	ret = append(ret, intFlag("last", f.Last)...)
	ret = append(ret, flag("oldest", f.Oldest)...)
	ret = append(ret, flag("newest", f.Newest)...)
	ret = append(ret, flag("older", f.Older)...)
	ret = append(ret, flag("newer", f.Newer)...)
	return ret
}

func (f Filters) empty() bool {
	return f == Filters{}
}

// globalFlags returns the flags every command accepts: remote path (for
// remote repositories), umask, JSON logging and lock wait.
func (r *Runner) globalFlags(repo string) []string {
	var ret []string
	if IsRemote(repo) {
		ret = append(ret, flag("remote-path", r.Config.RemotePath)...)
	}
	ret = append(ret, flag("umask", r.Config.Umask)...)
	ret = append(ret, boolFlag("log-json", r.Config.LogJSON)...)
	ret = append(ret, intFlag("lock-wait", r.Config.LockWait)...)
	return ret
}

// logLevelFlags returns the log level flags unless the command's output is
// JSON, which the log lines would corrupt.
func (r *Runner) logLevelFlags(json bool) []string {
	if json {
		return nil
	}
	return LogLevelFlags(r.Level)
}

func (r *Runner) dryRunFlag() []string {
	return boolFlag("dry-run", r.DryRun)
}

// extraOptions returns the user's extra options for the borg command,
// split like the shell would.
func (r *Runner) extraOptions(command string) ([]string, error) {
	opts, ok := r.Config.ExtraBorgOptions[command]
	if !ok || strings.TrimSpace(opts) == "" {
		return nil, nil
	}
	ret, err := shellquote.Split(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid extra borg options for %s: %w", command, err)
	}
	return ret, nil
}

// excludeFlags returns the exclusion flags that can't be expressed as
// patterns.
func (r *Runner) excludeFlags() []string {
	var ret []string
	ret = append(ret, boolFlag("exclude-caches", r.Config.ExcludeCaches)...)
	for _, f := range r.Config.ExcludeIfPresent {
		ret = append(ret, "--exclude-if-present", f)
	}
	ret = append(ret, boolFlag("keep-exclude-tags", r.Config.KeepExcludeTags)...)
	ret = append(ret, boolFlag("exclude-nodump", r.Config.ExcludeNodump)...)
	return ret
}

// listFilterFlags returns "--list --filter" showing added, modified and
// errored files. Excluded files are shown at debug level, and on dry runs
// when borg can report them.
func (r *Runner) listFilterFlags() []string {
	showExcludes := r.Level >= logging.Debug
	filter := "AME"
	switch {
	case Available(ExcludedFilesMinus, r.Version):
		if showExcludes || r.DryRun {
			filter += "+-"
		}
	case showExcludes:
		filter += "x-"
	default:
		filter += "-"
	}
	return []string{"--list", "--filter", filter}
}
