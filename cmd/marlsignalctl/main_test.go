package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"marlsignal/internal/model"
	"marlsignal/internal/stats"
)

const smallConfig = `symbol: test
data:
  synthetic_days: 45
  test_days: 12
  standardize: true
agents:
  - name: technical
    features: [rsi, macd]
  - name: fundamental
    features: [pe]
market:
  window_size: 4
learner:
  agent_hidden: [6]
  mixer_embed: 4
  hyper_hidden: 6
  batch_size: 4
  target_update_every: 8
training:
  episodes: 1
  replay_capacity: 64
log:
  level: error
`

func chdirTemp(t *testing.T) string {
	t.Helper()
	origWD, err := os.Getwd()
	require.NoError(t, err)
	workdir := t.TempDir()
	require.NoError(t, os.Chdir(workdir))
	t.Cleanup(func() { _ = os.Chdir(origWD) })
	require.NoError(t, os.WriteFile("marlsignal.yaml", []byte(smallConfig), 0o644))
	return workdir
}

func TestTrainWritesArtifactsAndMetrics(t *testing.T) {
	chdirTemp(t)

	out, err := captureStdout(func() error {
		return run(context.Background(), []string{
			"train",
			"--config", "marlsignal.yaml",
			"--run-id", "cli-run",
			"--metrics-out", "metrics.prom",
		})
	})
	require.NoError(t, err)
	require.Contains(t, out, "run_id=cli-run")
	require.Contains(t, out, "backtest symbol=TEST")

	for _, f := range []string{"config.json", "episodes.json", "episode_series.csv", "backtest_report.json"} {
		_, err := os.Stat(filepath.Join("runs", "cli-run", f))
		require.NoError(t, err, f)
	}
	prom, err := os.ReadFile("metrics.prom")
	require.NoError(t, err)
	require.Contains(t, string(prom), "marlsignal_train_steps_total")

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--json"})
	})
	require.NoError(t, err)
	var entries []stats.RunIndexEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	require.Equal(t, "cli-run", entries[0].RunID)
	require.Equal(t, "TEST", entries[0].Symbol)

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"export", "--latest"})
	})
	require.NoError(t, err)
	require.Contains(t, out, "exported run_id=cli-run")
	_, err = os.Stat(filepath.Join("exports", "cli-run", "backtest_report.json"))
	require.NoError(t, err)
}

func TestPredictWithoutStoredModel(t *testing.T) {
	chdirTemp(t)
	_, err := captureStdout(func() error {
		return run(context.Background(), []string{"predict", "--config", "marlsignal.yaml"})
	})
	require.ErrorIs(t, err, model.ErrModelNotLoaded)
}

func TestRunRejectsBadInput(t *testing.T) {
	chdirTemp(t)
	ctx := context.Background()

	err := run(ctx, nil)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "usage: marlsignalctl"))

	require.Error(t, run(ctx, []string{"serve"}))
	require.Error(t, run(ctx, []string{"history", "--config", "marlsignal.yaml", "--from", "03/04/2024"}))
	require.Error(t, run(ctx, []string{"export", "--run-id", "a", "--latest"}))
	require.Error(t, run(ctx, []string{"runs", "--limit", "0"}))
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("")
	require.NoError(t, err)
	require.True(t, d.IsZero())

	d, err = parseDate("2024-03-04")
	require.NoError(t, err)
	require.Equal(t, 2024, d.Year())
	require.Equal(t, 4, d.Day())
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
