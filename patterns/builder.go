// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package patterns

// Builder owns the working list of patterns during a run. Data source hooks
// get a pointer to it and rewrite, add or remove patterns in place; the
// configuration itself is never modified.
type Builder struct {
	patterns []Pattern
}

// NewBuilder returns a Builder holding a copy of patterns.
func NewBuilder(patterns []Pattern) *Builder {
	return &Builder{patterns: append([]Pattern(nil), patterns...)}
}

// Patterns returns a copy of the current list. Never nil: an empty builder
// yields an empty list.
func (b *Builder) Patterns() []Pattern {
	return append([]Pattern{}, b.patterns...)
}

// Len returns the number of patterns.
func (b *Builder) Len() int {
	return len(b.patterns)
}

// Reset replaces the whole list.
func (b *Builder) Reset(patterns []Pattern) {
	b.patterns = append([]Pattern(nil), patterns...)
}

// Index returns the position of the first pattern equal to p, or -1.
func (b *Builder) Index(p Pattern) int {
	for i, q := range b.patterns {
		if q == p {
			return i
		}
	}
	return -1
}

// Replace swaps the first occurrence of old by repl, keeping its position.
// If old is not present, repl is appended. Returns true if old was found.
func (b *Builder) Replace(old, repl Pattern) bool {
	if i := b.Index(old); i >= 0 {
		b.patterns[i] = repl
		return true
	}
	b.patterns = append(b.patterns, repl)
	return false
}

// Append adds patterns to the end of the list.
func (b *Builder) Append(p ...Pattern) {
	b.patterns = append(b.patterns, p...)
}

// Prepend adds patterns to the start of the list, ahead of every root.
func (b *Builder) Prepend(p ...Pattern) {
	b.patterns = append(append([]Pattern(nil), p...), b.patterns...)
}

// Remove deletes every pattern equal to p.
func (b *Builder) Remove(p Pattern) {
	ret := b.patterns[:0]
	for _, q := range b.patterns {
		if q != p {
			ret = append(ret, q)
		}
	}
	b.patterns = ret
}
