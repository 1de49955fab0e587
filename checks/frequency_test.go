// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package checks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseFrequency(t *testing.T) {
	casetests := []struct {
		frequency string
		want      time.Duration
		wantError bool
	}{
		{"", 0, false},
		{"always", 0, false},
		{" Always ", 0, false},
		{"1 hour", time.Hour, false},
		{"3 hours", 3 * time.Hour, false},
		{"2 days", 48 * time.Hour, false},
		{"1 week", 7 * 24 * time.Hour, false},
		{"2 weeks", 14 * 24 * time.Hour, false},
		{"1 month", 30 * 24 * time.Hour, false},
		{"2 months", 60 * 24 * time.Hour, false},
		{"1 year", 365 * 24 * time.Hour, false},
		{"1 fortnight", 0, true},
		{"sometimes", 0, true},
		{"one day", 0, true},
		{"1 day ago", 0, true},
	}
	for _, tt := range casetests {
		got, err := ParseFrequency(tt.frequency)
		if tt.wantError {
			assert.Error(t, err, tt.frequency)
			continue
		}
		assert.NoError(t, err, tt.frequency)
		assert.Equal(t, tt.want, got, tt.frequency)
	}
}

func TestRunToday(t *testing.T) {
	// 2024-06-03 was a Monday.
	monday := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	saturday := monday.AddDate(0, 0, 5)

	casetests := []struct {
		onlyRunOn []string
		now       time.Time
		want      bool
	}{
		{nil, monday, true},
		{[]string{"monday"}, monday, true},
		{[]string{"Monday"}, monday, true},
		{[]string{"tuesday", "sunday"}, monday, false},
		{[]string{"weekday"}, monday, true},
		{[]string{"weekday"}, saturday, false},
		{[]string{"weekend"}, saturday, true},
		{[]string{"weekend"}, monday, false},
		{[]string{"friday", "weekend"}, saturday, true},
	}
	for _, tt := range casetests {
		assert.Equal(t, tt.want, RunToday(tt.onlyRunOn, tt.now), "%v on %s", tt.onlyRunOn, tt.now.Weekday())
	}
}

func TestParse(t *testing.T) {
	ctx := context.Background()
	configured := []string{"repository", "Archives"}

	assert.Equal(t, []string{"repository", "archives"}, Parse(ctx, configured, nil))
	assert.Equal(t, []string{"spot"}, Parse(ctx, configured, []string{"spot"}))
	assert.Nil(t, Parse(ctx, []string{"disabled"}, nil))
	assert.Nil(t, Parse(ctx, []string{"repository", "disabled"}, nil))
	assert.Nil(t, Parse(ctx, nil, nil))
}
