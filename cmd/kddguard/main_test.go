package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/kddguard/pkg/artifacts"
	"github.com/hed1ad/kddguard/pkg/artifacts/artifactstest"
	kddio "github.com/hed1ad/kddguard/pkg/io"
	"github.com/hed1ad/kddguard/pkg/kdd"
)

var (
	artifactsOnce sync.Once
	artifactsDir  string
)

// writeConfig saves a test bundle once and returns a config file pointing
// at it.
func writeConfig(t *testing.T) string {
	t.Helper()
	artifactsOnce.Do(func() {
		dir, err := os.MkdirTemp("", "kddguard-artifacts")
		require.NoError(t, err)
		require.NoError(t, artifacts.Save(dir, artifactstest.Bundle(t)))
		artifactsDir = dir
	})

	path := filepath.Join(t.TempDir(), "kddguard.yaml")
	body := fmt.Sprintf("artifacts:\n  source: dir\n  dir: %q\nlogging:\n  level: error\n", artifactsDir)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMain(m *testing.M) {
	code := m.Run()
	if artifactsDir != "" {
		os.RemoveAll(artifactsDir)
	}
	os.Exit(code)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

func recordJSON(t *testing.T, overrides map[string]any) string {
	t.Helper()
	data, err := json.Marshal(artifactstest.Record(overrides))
	require.NoError(t, err)
	return string(data)
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "kddguard dev"), out)
}

func TestPredictCommand(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "--config", cfg, "predict", "--record", recordJSON(t, nil))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Contains(t, []any{"Normal", "Anomalie"}, got["prediction"])
	assert.Contains(t, got, "score")
}

func TestPredictCommandFile(t *testing.T) {
	cfg := writeConfig(t)
	path := filepath.Join(t.TempDir(), "record.json")
	require.NoError(t, os.WriteFile(path, []byte(recordJSON(t, nil)), 0o600))

	out, err := run(t, "--config", cfg, "predict", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, `"prediction"`)
}

func TestPredictCommandErrors(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "predict")
	assert.Error(t, err, "record or file is required")

	_, err = run(t, "--config", cfg, "predict", "--record", recordJSON(t, map[string]any{kdd.FieldProtocolType: "sctp"}))
	assert.ErrorIs(t, err, kdd.ErrUnknownCategory)

	_, err = run(t, "--config", cfg, "predict", "--record", "{not json")
	assert.Error(t, err)

	missing := filepath.Join(t.TempDir(), "kddguard.yaml")
	require.NoError(t, os.WriteFile(missing, []byte("artifacts:\n  dir: /nonexistent/kddguard\nlogging:\n  level: error\n"), 0o600))
	_, err = run(t, "--config", missing, "predict", "--record", recordJSON(t, nil))
	assert.ErrorIs(t, err, artifacts.ErrLoad)
}

func writeDataset(t *testing.T, conns []kdd.Connection) string {
	t.Helper()
	var buf strings.Builder
	for _, c := range conns {
		cells := make([]string, 0, len(kdd.FeatureNames)+1)
		for _, name := range kdd.FeatureNames {
			cells = append(cells, fmt.Sprint(c.Fields[name]))
		}
		cells = append(cells, c.Label)
		buf.WriteString(strings.Join(cells, ",") + "\n")
	}
	path := filepath.Join(t.TempDir(), "kddcup.csv")
	require.NoError(t, os.WriteFile(path, []byte(buf.String()), 0o600))
	return path
}

func readResults(t *testing.T, out string) []kddio.Result {
	t.Helper()
	var results []kddio.Result
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var r kddio.Result
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		results = append(results, r)
	}
	require.NoError(t, sc.Err())
	return results
}

func TestBatchCommand(t *testing.T) {
	cfg := writeConfig(t)
	dataset := writeDataset(t, artifactstest.Connections(24, 4))

	out, err := run(t, "--config", cfg, "batch", "--dataset", dataset)
	require.NoError(t, err)

	results := readResults(t, out)
	require.Len(t, results, 24)
	correct := 0
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Empty(t, r.Error)
		assert.NotEmpty(t, r.Truth)
		if ok, known := r.Correct(); known && ok {
			correct++
		}
	}
	assert.Greater(t, correct, 18)
}

func TestBatchCommandSample(t *testing.T) {
	cfg := writeConfig(t)
	dataset := writeDataset(t, artifactstest.Connections(30, 5))

	out, err := run(t, "--config", cfg, "batch", "--dataset", dataset, "--n", "7", "--seed", "3")
	require.NoError(t, err)
	assert.Len(t, readResults(t, out), 7)
}

func TestBatchCommandNoDataset(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t), "batch")
	assert.Error(t, err)
}

func TestReplayCommand(t *testing.T) {
	cfg := writeConfig(t)
	dataset := writeDataset(t, artifactstest.Connections(20, 6))

	out, err := run(t, "--config", cfg, "replay", "--dataset", dataset, "--interval", "1ms", "--count", "5", "--seed", "2")
	require.NoError(t, err)

	results := readResults(t, out)
	require.Len(t, results, 5)
	for i, r := range results {
		assert.Equal(t, i, r.Index)
		assert.Empty(t, r.Error)
		assert.NotEmpty(t, r.SrcIP)
		assert.NotEmpty(t, r.DstIP)
	}
}

func TestReplayCommandDuration(t *testing.T) {
	cfg := writeConfig(t)
	dataset := writeDataset(t, artifactstest.Connections(20, 6))

	out, err := run(t, "--config", cfg, "replay", "--dataset", dataset, "--interval", "5ms", "--duration", "100ms")
	require.NoError(t, err)
	assert.NotEmpty(t, readResults(t, out))
}

func TestReplayCommandArgs(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "replay")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "replay", "--dataset", "x.csv", "--interval", "0s")
	assert.Error(t, err)
}

func TestPcapCommandArgs(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "--config", cfg, "pcap")
	assert.Error(t, err)

	_, err = run(t, "--config", cfg, "pcap", "capture.pcap", "--interface", "eth0")
	assert.Error(t, err)
}
