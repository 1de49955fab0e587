// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Number of records to create/test.
const numRecords = 20

const testConfig = "/etc/borgmatic/config.toml"

// generate writes one record per repository in parallel.
func generate(tmpfile string, ch chan error) {
	for i := 0; i < numRecords; i++ {
		go func(name string) {
			ch <- writeNodeTextFile(tmpfile, []repoResult{{
				config:     testConfig,
				repository: name,
				status:     statusSuccess,
				start:      time.Unix(1700000000, 0),
				duration:   90 * time.Second,
			}})
		}(fmt.Sprintf("repo%03d", i))
	}
}

// parse reads the metric families in the textfile.
func parse(t *testing.T, tmpfile string) map[string]*dto.MetricFamily {
	t.Helper()
	f, err := os.Open(tmpfile)
	require.NoError(t, err)
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	require.NoError(t, err)
	return families
}

func TestMulti(t *testing.T) {
	ch := make(chan error, numRecords)
	tmpfile := filepath.Join(t.TempDir(), "testfile")
	generate(tmpfile, ch)

	for i := 0; i < numRecords; i++ {
		require.NoError(t, <-ch)
	}

	families := parse(t, tmpfile)
	for _, name := range []string{"borgmatic_last_run_timestamp_seconds", "borgmatic_duration_seconds"} {
		mf, ok := families[name]
		require.True(t, ok, "missing %s", name)
		assert.Equal(t, dto.MetricType_GAUGE, mf.GetType())

		names := map[string]bool{}
		for _, m := range mf.GetMetric() {
			names[labelValue(m, "repository")] = true
			assert.Equal(t, testConfig, labelValue(m, "config"))
			assert.Equal(t, statusSuccess, labelValue(m, "status"))
		}
		for i := 0; i < numRecords; i++ {
			assert.True(t, names[fmt.Sprintf("repo%03d", i)], "missing repo%03d in %s", i, name)
		}
		assert.Len(t, mf.GetMetric(), numRecords)
	}
}

func TestWriteNodeTextFileReplaces(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "borgmatic.prom")
	require.NoError(t, os.WriteFile(tmpfile, []byte("# TYPE node_other gauge\nnode_other 42\n"), 0644))

	first := repoResult{config: testConfig, repository: "main", status: statusSuccess, start: time.Unix(100, 0), duration: time.Second}
	other := repoResult{config: testConfig, repository: "offsite", status: statusSuccess, start: time.Unix(100, 0), duration: time.Second}
	require.NoError(t, writeNodeTextFile(tmpfile, []repoResult{first, other}))

	second := first
	second.status = statusError
	second.start = time.Unix(200, 0)
	require.NoError(t, writeNodeTextFile(tmpfile, []repoResult{second}))

	families := parse(t, tmpfile)

	// Unrelated metrics survive.
	require.Contains(t, families, "node_other")
	assert.Equal(t, 42.0, families["node_other"].GetMetric()[0].GetGauge().GetValue())

	lastRun := families["borgmatic_last_run_timestamp_seconds"]
	require.NotNil(t, lastRun)
	require.Len(t, lastRun.GetMetric(), 2)
	got := map[string]string{}
	values := map[string]float64{}
	for _, m := range lastRun.GetMetric() {
		got[labelValue(m, "repository")] = labelValue(m, "status")
		values[labelValue(m, "repository")] = m.GetGauge().GetValue()
	}
	assert.Equal(t, map[string]string{"main": statusError, "offsite": statusSuccess}, got)
	assert.Equal(t, 200.0, values["main"])
	assert.Equal(t, 100.0, values["offsite"])
}

func TestWriteNodeTextFileBadContents(t *testing.T) {
	tmpfile := filepath.Join(t.TempDir(), "borgmatic.prom")
	require.NoError(t, os.WriteFile(tmpfile, []byte("this is { not a metric\n"), 0644))

	err := writeNodeTextFile(tmpfile, []repoResult{{config: testConfig, repository: "main", status: statusSuccess}})
	assert.Error(t, err)

	// The original file is left alone.
	data, err := os.ReadFile(tmpfile)
	require.NoError(t, err)
	assert.Equal(t, "this is { not a metric\n", string(data))
}
