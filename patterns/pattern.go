// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package patterns models borg patterns (roots, excludes and includes) and
// builds the final list handed to "borg create --patterns-from".
package patterns

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/marcopaganini/goborgmatic/logging"
)

// Type is the kind of pattern, written as the first token of a pattern line.
type Type string

// Pattern types.
const (
	Root         Type = "R"
	PatternStyle Type = "P"
	Exclude      Type = "-"
	NoRecurse    Type = "!"
	Include      Type = "+"
)

// Style is the matching style borg applies to a pattern path.
type Style string

// Pattern styles. None means borg's default for the pattern type.
const (
	None          Style = ""
	Fnmatch       Style = "fm"
	Shell         Style = "sh"
	Regex         Style = "re"
	PathPrefix    Style = "pp"
	PathFullMatch Style = "pf"
)

// Source tells where a pattern came from.
type Source int

// Pattern sources.
const (
	Config Source = iota
	Hook
	Internal
)

func (s Source) String() string {
	switch s {
	case Config:
		return "config"
	case Hook:
		return "hook"
	}
	return "internal"
}

// Device is a filesystem device id. The zero value means "unknown".
type Device struct {
	ID    uint64
	Valid bool
}

// Pattern is one borg pattern. Patterns are values: two patterns are equal
// (==) iff all their fields match.
type Pattern struct {
	Path   string
	Type   Type
	Style  Style
	Device Device
	Source Source
}

// New returns a pattern of the given type and style. Root patterns never
// carry a style.
func New(path string, typ Type, style Style, source Source) Pattern {
	if typ == Root {
		style = None
	}
	return Pattern{Path: path, Type: typ, Style: style, Source: source}
}

// NewRoot returns a root pattern.
func NewRoot(path string, source Source) Pattern {
	return New(path, Root, None, source)
}

// WithDevice returns a copy of the pattern with the device set. A pattern
// that already has a device keeps it.
func (p Pattern) WithDevice(id uint64) Pattern {
	if !p.Device.Valid {
		p.Device = Device{ID: id, Valid: true}
	}
	return p
}

// WithPath returns a copy of the pattern pointing at a different path.
func (p Pattern) WithPath(path string) Pattern {
	p.Path = path
	return p
}

// String formats the pattern as a borg pattern line:
// "{type} {style}{':' if style}{path}".
func (p Pattern) String() string {
	if p.Style == None {
		return fmt.Sprintf("%s %s", p.Type, p.Path)
	}
	return fmt.Sprintf("%s %s:%s", p.Type, p.Style, p.Path)
}

// ParseError is returned for unparseable pattern lines.
type ParseError struct {
	Line   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Line, e.Reason)
}

func validType(t Type) bool {
	switch t {
	case Root, PatternStyle, Exclude, NoRecurse, Include:
		return true
	}
	return false
}

func validStyle(s Style) bool {
	switch s {
	case Fnmatch, Shell, Regex, PathPrefix, PathFullMatch:
		return true
	}
	return false
}

// Parse parses a pattern line. The first whitespace separated token is the
// type and the rest is either "style:path" or just "path", in which case
// defaultStyle applies. Root patterns take the whole remainder as path.
func Parse(line string, defaultStyle Style, source Source) (Pattern, error) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return Pattern{}, &ParseError{Line: line, Reason: "missing pattern path"}
	}
	typ, rest := line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
	if rest == "" {
		return Pattern{}, &ParseError{Line: line, Reason: "missing pattern path"}
	}
	if !validType(Type(typ)) {
		return Pattern{}, &ParseError{Line: line, Reason: fmt.Sprintf("unknown pattern type %q", typ)}
	}
	if Type(typ) == Root {
		return NewRoot(rest, source), nil
	}

	style, path := defaultStyle, rest
	if s, p, ok := strings.Cut(rest, ":"); ok && validStyle(Style(s)) {
		style, path = Style(s), p
	}
	return New(path, Type(typ), style, source), nil
}

// parseLines parses a block of pattern lines, skipping blank lines and
// comments.
func parseLines(lines []string, defaultStyle Style, source Source) ([]Pattern, error) {
	ret := []Pattern{}
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := Parse(line, defaultStyle, source)
		if err != nil {
			return nil, err
		}
		ret = append(ret, p)
	}
	return ret, nil
}

// ReadFile reads a patterns file, skipping blank lines and comments.
func ReadFile(fname string, source Source) ([]Pattern, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, err
	}
	return parseLines(strings.Split(string(data), "\n"), None, source)
}

// WriteFile writes the patterns to a new temporary file inside dir, one per
// line, and returns the open file. If existing is not nil, a newline and the
// patterns are appended to it instead. The caller owns the file and must
// keep it around until borg has read it.
func WriteFile(ctx context.Context, patterns []Pattern, dir string, existing *os.File) (*os.File, error) {
	log := logging.FromContext(ctx)

	lines := make([]string, 0, len(patterns))
	for _, p := range patterns {
		lines = append(lines, p.String())
	}
	contents := strings.Join(lines, "\n")
	log.Debugf("Writing patterns to %s:\n%s", fileName(existing, dir), contents)

	w := existing
	if w == nil {
		var err error
		if w, err = os.CreateTemp(dir, "borgmatic-patterns-"); err != nil {
			return nil, fmt.Errorf("error creating patterns file: %w", err)
		}
	} else {
		contents = "\n" + contents
	}
	if _, err := w.WriteString(contents); err != nil {
		return nil, fmt.Errorf("error writing patterns file %q: %w", w.Name(), err)
	}
	return w, nil
}

func fileName(f *os.File, dir string) string {
	if f != nil {
		return f.Name()
	}
	return filepath.Join(dir, "borgmatic-patterns-*")
}

// MissingRootsError lists root patterns whose paths don't exist.
type MissingRootsError struct {
	Paths []string
}

func (e *MissingRootsError) Error() string {
	return fmt.Sprintf("source directories / root pattern paths do not exist: %s", strings.Join(e.Paths, ", "))
}

// CheckRootsExist returns a *MissingRootsError if the path of any root
// pattern does not exist. Relative paths are checked under workingDir.
// Other pattern types are skipped since they may be globs or regexes.
func CheckRootsExist(patterns []Pattern, workingDir string) error {
	missing := []string{}
	for _, p := range patterns {
		if p.Type != Root {
			continue
		}
		path := p.Path
		if workingDir != "" && !filepath.IsAbs(path) {
			path = filepath.Join(workingDir, path)
		}
		if _, err := os.Stat(path); err != nil {
			missing = append(missing, p.Path)
		}
	}
	if len(missing) > 0 {
		return &MissingRootsError{Paths: missing}
	}
	return nil
}
