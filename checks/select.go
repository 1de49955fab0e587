// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package checks

import (
	"context"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/marcopaganini/goborgmatic/config"
	"github.com/marcopaganini/goborgmatic/logging"
)

// Selector filters the requested checks down to the ones that are due.
type Selector struct {
	Checks []config.Check
	Store  *Store
	Clock  clock.Clock
}

func (s *Selector) find(name string) (config.Check, bool) {
	for _, c := range s.Checks {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return config.Check{}, false
}

// Select returns the checks from requested that should run now. With force
// set, all of them run. Otherwise a check runs if it has no frequency, or
// if it's allowed today and its frequency elapsed since the last run.
// Checks missing from the configuration always run.
func (s *Selector) Select(ctx context.Context, requested []string, force bool, archivesID string) ([]string, error) {
	if force || len(requested) == 0 {
		return requested, nil
	}

	log := logging.FromContext(ctx)
	clk := s.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	now := clk.Now()

	var ret []string
	for _, name := range requested {
		cfg, ok := s.find(name)
		if !ok || cfg.Frequency == "" {
			ret = append(ret, name)
			continue
		}
		freq, err := ParseFrequency(cfg.Frequency)
		if err != nil {
			return nil, err
		}
		if !RunToday(cfg.OnlyRunOn, now) {
			log.Infof("Skipping %s check due to day of the week; check only runs on %s (use --force to check anyway)", name, strings.Join(cfg.OnlyRunOn, "/"))
			continue
		}
		if freq == 0 {
			ret = append(ret, name)
			continue
		}
		last, ok := s.Store.LastRun(ctx, name, archivesID)
		if !ok {
			ret = append(ret, name)
			continue
		}
		next := last.Add(freq)
		if now.Before(next) {
			log.Infof("Skipping %s check due to configured frequency; last ran %s, next check %s (use --force to check anyway)",
				name, humanize.RelTime(last, now, "ago", "from now"), humanize.RelTime(next, now, "ago", "from now"))
			continue
		}
		ret = append(ret, name)
	}
	return ret, nil
}
