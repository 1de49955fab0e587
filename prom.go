// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sys/unix"
)

const metricsNamespace = "borgmatic"

// repoResult is the outcome of running the actions against one repository.
type repoResult struct {
	config     string
	repository string
	status     string
	start      time.Time
	duration   time.Duration
}

// gather returns the metric families describing results.
func gather(results []repoResult) ([]*dto.MetricFamily, error) {
	labels := []string{"config", "repository", "status"}
	lastRun := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Time the last run against the repository started.",
	}, labels)
	duration := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "duration_seconds",
		Help:      "Duration of the last run against the repository.",
	}, labels)

	reg := prometheus.NewRegistry()
	reg.MustRegister(lastRun, duration)
	for _, r := range results {
		lastRun.WithLabelValues(r.config, r.repository, r.status).Set(float64(r.start.Unix()))
		duration.WithLabelValues(r.config, r.repository, r.status).Set(r.duration.Seconds())
	}
	return reg.Gather()
}

// labelValue returns the value of the named label in m.
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// metricKey identifies the repository a metric is about. The status is
// not part of it, so a new run replaces the previous one.
func metricKey(m *dto.Metric) string {
	return labelValue(m, "config") + "\x00" + labelValue(m, "repository")
}

// merge adds the metrics in fresh to families, replacing the metrics about
// the same repositories.
func merge(families map[string]*dto.MetricFamily, fresh []*dto.MetricFamily) {
	for _, mf := range fresh {
		old, ok := families[mf.GetName()]
		if !ok || old.GetType() != mf.GetType() {
			families[mf.GetName()] = mf
			continue
		}
		replaced := map[string]bool{}
		for _, m := range mf.GetMetric() {
			replaced[metricKey(m)] = true
		}
		kept := mf.GetMetric()
		for _, m := range old.GetMetric() {
			if !replaced[metricKey(m)] {
				kept = append(kept, m)
			}
		}
		sort.SliceStable(kept, func(i, j int) bool {
			return metricKey(kept[i]) < metricKey(kept[j])
		})
		old.Metric = kept
		old.Help = mf.Help
	}
}

// writeNodeTextFile writes the results in a prometheus node-exporter
// compatible "textfile" format. Records look like:
//
// borgmatic_last_run_timestamp_seconds{config="/etc/borgmatic/config.toml",repository="main",status="success"} 1.7e+09
//
// Existing records for the same configuration and repository are
// overwritten. All other metrics remain intact.
//
// The function employs Flock() on a separate lockfile to prevent race
// conditions when modifying the original file. All writes go into a
// temporary file that is atomically renamed to the final name once work is
// done.
func writeNodeTextFile(textfile string, results []repoResult) error {
	dirname, fname := filepath.Split(textfile)

	lockfile := filepath.Join(os.TempDir(), fname+".lock")
	lock, err := os.OpenFile(lockfile, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("error opening lockfile: %w", err)
	}
	defer lock.Close()

	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	// Read contents from original textfile.
	families := map[string]*dto.MetricFamily{}
	data, err := os.ReadFile(textfile)
	switch {
	case err == nil:
		var parser expfmt.TextParser
		families, err = parser.TextToMetricFamilies(bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("error parsing %s: %w", textfile, err)
		}
	case !os.IsNotExist(err):
		return fmt.Errorf("error reading file: %w", err)
	}

	fresh, err := gather(results)
	if err != nil {
		return err
	}
	merge(families, fresh)

	names := make([]string, 0, len(families))
	for name := range families {
		names = append(names, name)
	}
	sort.Strings(names)

	var output bytes.Buffer
	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(&output, families[name]); err != nil {
			return fmt.Errorf("error formatting %s: %w", name, err)
		}
	}

	// Write to temporary file and rename it to the original file name.
	tempdir := dirname
	if dirname == "" {
		tempdir = "./"
	}
	temp, err := os.CreateTemp(tempdir, fname)
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(temp.Name())
	defer temp.Close()
	if err := os.Chmod(temp.Name(), 0644); err != nil {
		return err
	}

	if _, err := temp.Write(output.Bytes()); err != nil {
		return fmt.Errorf("error writing to temp file: %w", err)
	}
	temp.Close()

	if err := os.Rename(temp.Name(), textfile); err != nil {
		return fmt.Errorf("error renaming temp file: %w", err)
	}
	return nil
}
