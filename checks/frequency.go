// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

// Package checks decides which consistency checks are due, remembers when
// each of them last ran and implements the spot check.
package checks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/marcopaganini/goborgmatic/logging"
)

const day = 24 * time.Hour

var units = map[string]time.Duration{
	"hour":  time.Hour,
	"day":   day,
	"week":  7 * day,
	"month": 30 * day,
	"year":  365 * day,
}

// ParseFrequency parses a check frequency like "2 weeks" or "always".
// Returns zero for "always" (and for an empty frequency), meaning the check
// has no minimum interval.
func ParseFrequency(frequency string) (time.Duration, error) {
	f := strings.ToLower(strings.TrimSpace(frequency))
	if f == "" || f == "always" {
		return 0, nil
	}
	fields := strings.Fields(f)
	if len(fields) != 2 {
		return 0, fmt.Errorf("could not parse consistency check frequency %q", frequency)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("could not parse consistency check frequency %q", frequency)
	}
	unit, ok := units[strings.TrimSuffix(fields[1], "s")]
	if !ok {
		return 0, fmt.Errorf("could not parse consistency check frequency %q", frequency)
	}
	return time.Duration(n) * unit, nil
}

// expandDays turns the only_run_on list into weekdays, resolving the
// "weekday" and "weekend" aliases.
func expandDays(onlyRunOn []string) map[time.Weekday]bool {
	days := map[time.Weekday]bool{}
	for _, d := range onlyRunOn {
		switch d = strings.ToLower(d); d {
		case "weekday":
			for wd := time.Monday; wd <= time.Friday; wd++ {
				days[wd] = true
			}
		case "weekend":
			days[time.Saturday] = true
			days[time.Sunday] = true
		default:
			for wd := time.Sunday; wd <= time.Saturday; wd++ {
				if strings.ToLower(wd.String()) == d {
					days[wd] = true
				}
			}
		}
	}
	return days
}

// RunToday returns true if a check limited to the onlyRunOn days may run
// at now. An empty list allows every day.
func RunToday(onlyRunOn []string, now time.Time) bool {
	if len(onlyRunOn) == 0 {
		return true
	}
	return expandDays(onlyRunOn)[now.Weekday()]
}

// Parse returns the names of the checks to run: the only list if given,
// or the configured ones. A "disabled" check disables all of them.
func Parse(ctx context.Context, configured, only []string) []string {
	names := only
	if len(names) == 0 {
		names = configured
	}
	var ret []string
	for _, n := range names {
		ret = append(ret, strings.ToLower(n))
	}
	for _, n := range ret {
		if n == "disabled" {
			if len(ret) > 1 {
				logging.FromContext(ctx).Warningf("Multiple checks are configured, but one of them is \"disabled\"; not running any checks")
			}
			return nil
		}
	}
	return ret
}
