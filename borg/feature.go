// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package borg

import (
	"regexp"
	"strings"

	"golang.org/x/mod/semver"
)

// Feature is a borg capability that appeared in a given version.
type Feature int

// Borg features we care about.
const (
	Compact Feature = iota
	Atime
	Noflags
	NumericIDs
	UploadRatelimit
	SeparateRepositoryArchive
	RepoCreate
	RepoList
	RepoInfo
	RepoDelete
	MatchArchives
	ExcludedFilesMinus
)

// First borg version supporting each feature.
var minimumVersions = map[Feature]string{
	Compact:                   "1.2.0a2",
	Atime:                     "1.2.0a7",
	Noflags:                   "1.2.0a8",
	NumericIDs:                "1.2.0b3",
	UploadRatelimit:           "1.2.0b3",
	SeparateRepositoryArchive: "2.0.0a2",
	RepoCreate:                "2.0.0a2",
	RepoList:                  "2.0.0a2",
	RepoInfo:                  "2.0.0a2",
	RepoDelete:                "2.0.0a2",
	MatchArchives:             "2.0.0b3",
	ExcludedFilesMinus:        "2.0.0b5",
}

// Matches "1.2.0", "1.2.0a2", "1.2.0rc1", "1.4.0.dev12+g1234".
var versionRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?\.?(?:(a|b|rc|dev)(\d+))?`)

// NormalizeVersion converts a python style borg version ("1.2.0a2") into a
// semantic version ("v1.2.0-a.2"). Returns an empty string if the version
// can't be parsed.
func NormalizeVersion(version string) string {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(version))
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	ret := "v" + m[1] + "." + m[2] + "." + patch
	if m[4] != "" {
		ret += "-" + m[4] + "." + m[5]
	}
	if !semver.IsValid(ret) {
		return ""
	}
	return ret
}

// Available returns true if the borg version supports the feature. Unknown
// or unparseable versions are treated as the newest borg.
func Available(f Feature, version string) bool {
	v := NormalizeVersion(version)
	if v == "" {
		return true
	}
	return semver.Compare(v, NormalizeVersion(minimumVersions[f])) >= 0
}
