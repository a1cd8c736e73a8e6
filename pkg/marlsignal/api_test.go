package marlsignal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marlsignal/internal/config"
	"marlsignal/internal/dataset"
	"marlsignal/internal/model"
)

func testSettings() config.Config {
	cfg := config.Default()
	cfg.Symbol = "aapl"
	cfg.Agents = []dataset.AgentSpec{
		{Name: "technical", Features: []string{"rsi", "macd"}},
		{Name: "fundamental", Features: []string{"pe"}},
	}
	cfg.Data = config.DataConfig{SyntheticDays: 50, TestDays: 15, Standardize: true}
	cfg.Market.WindowSize = 4
	cfg.Learner.AgentHidden = []int{6}
	cfg.Learner.MixerEmbed = 4
	cfg.Learner.HyperHidden = 6
	cfg.Learner.BatchSize = 4
	cfg.Training.Episodes = 1
	cfg.Training.ReplayCapacity = 64
	return cfg
}

func TestClientTrainPredictAndHistory(t *testing.T) {
	ctx := context.Background()
	nop := zerolog.Nop()
	cfg := testSettings()
	client, err := Open(ctx, Options{Settings: &cfg, Logger: &nop, Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.Empty(t, client.ModelID())
	_, err = client.Predict(ctx, PredictRequest{})
	require.ErrorIs(t, err, model.ErrModelNotLoaded)

	res, err := client.Train(ctx, TrainRequest{RunID: "api-run", Backtest: true})
	require.NoError(t, err)
	require.Equal(t, "AAPL", res.Summary.Symbol)
	require.Equal(t, res.Summary.ModelID, client.ModelID())
	require.NotNil(t, res.Report)
	require.Equal(t, 15, res.Report.Days)

	pred, err := client.Predict(ctx, PredictRequest{})
	require.NoError(t, err)
	require.Len(t, pred.JointAction, 2)
	require.Contains(t, []model.Signal{model.StrongBuy, model.Buy, model.HoldSignal, model.Sell, model.StrongSell}, pred.Signal)

	hist, err := client.History(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, hist, 50-4)

	runs, err := client.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "api-run", runs[0].RunID)
}

func TestOpenFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marlsignal.yaml")
	body := "symbol: msft\n" +
		"data:\n  synthetic_days: 40\n  test_days: 10\n  standardize: true\n" +
		"market:\n  window_size: 5\n" +
		"storage:\n  artifacts_dir: runs\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	client, err := Open(context.Background(), Options{ConfigPath: path, LogOutput: &discard{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	got := client.Settings()
	require.Equal(t, "msft", got.Symbol)
	require.Equal(t, 5, got.Market.WindowSize)
	require.Equal(t, filepath.Join(dir, "runs"), got.Storage.ArtifactsDir)
	require.Len(t, got.Agents, 3)
}

func TestOpenRejectsUnknownStore(t *testing.T) {
	cfg := testSettings()
	_, err := Open(context.Background(), Options{Settings: &cfg, StoreKind: "redis", LogOutput: &discard{}})
	require.Error(t, err)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestPrepareDataStandardizesOnRequest(t *testing.T) {
	cfg := testSettings()
	raw, err := dataset.Synthetic(dataset.SyntheticConfig{Symbol: "AAPL", Days: 50, Seed: 3}, cfg.Agents)
	require.NoError(t, err)
	before := raw.Agents[0].Rows[0][0]

	cfg.Data.Standardize = false
	same, err := prepareData(cfg, raw)
	require.NoError(t, err)
	require.Same(t, raw, same)

	cfg.Data.Standardize = true
	scaled, err := prepareData(cfg, raw)
	require.NoError(t, err)
	require.NotSame(t, raw, scaled)
	require.Equal(t, before, raw.Agents[0].Rows[0][0])

	fit := raw.Len() - cfg.Data.TestDays
	mean := 0.0
	for _, row := range scaled.Agents[0].Rows[:fit] {
		mean += row[0]
	}
	require.InDelta(t, 0, mean/float64(fit), 1e-9)
}
