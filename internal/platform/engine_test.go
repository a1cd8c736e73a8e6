package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"marlsignal/internal/config"
	"marlsignal/internal/dataset"
	"marlsignal/internal/metrics"
	"marlsignal/internal/model"
	"marlsignal/internal/policy"
	"marlsignal/internal/storage"
)

func smallSettings() config.Config {
	cfg := config.Default()
	cfg.Symbol = "TEST"
	cfg.Agents = []dataset.AgentSpec{
		{Name: "technical", Features: []string{"rsi"}},
		{Name: "trend", Features: []string{"momentum"}},
		{Name: "fundamental", Features: []string{"pe"}},
	}
	cfg.Data = config.DataConfig{SyntheticDays: 60, TestDays: 20}
	cfg.Market.WindowSize = 5
	cfg.Learner.AgentHidden = []int{8}
	cfg.Learner.MixerEmbed = 4
	cfg.Learner.HyperHidden = 8
	cfg.Learner.BatchSize = 8
	cfg.Learner.TargetUpdateEvery = 10
	cfg.Training.Episodes = 2
	cfg.Training.ReplayCapacity = 100
	cfg.Training.Exploration.Param = 50
	return cfg
}

func newTestEngine(t *testing.T, store storage.Store, cfg config.Config, data *dataset.Dataset, rec *metrics.Recorder) *Engine {
	t.Helper()
	e := NewEngine(Config{Store: store, Settings: cfg, Logger: zerolog.Nop(), Metrics: rec, Data: data})
	require.NoError(t, e.Init(context.Background()))
	return e
}

func TestEngineRequiresModelBeforeServing(t *testing.T) {
	e := newTestEngine(t, storage.NewMemoryStore(), smallSettings(), nil, nil)
	ctx := context.Background()

	_, err := e.Predict(ctx, PredictRequest{})
	require.ErrorIs(t, err, model.ErrModelNotLoaded)
	_, err = e.Backtest(ctx)
	require.ErrorIs(t, err, model.ErrModelNotLoaded)
	_, err = e.History(ctx, time.Time{}, time.Time{})
	require.ErrorIs(t, err, model.ErrModelNotLoaded)
	require.ErrorIs(t, e.LoadModel(ctx, "missing"), model.ErrModelNotLoaded)
}

func TestEngineTrainBacktestAndRestore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	cfg := smallSettings()
	e := newTestEngine(t, store, cfg, nil, rec)
	artifacts := t.TempDir()

	res, err := e.Train(ctx, TrainRequest{RunID: "run-1", ArtifactsDir: artifacts, Backtest: true})
	require.NoError(t, err)

	// 40 training rows with a 5-row window give 35 trading steps per episode
	require.Equal(t, 70, res.Summary.Steps)
	require.Equal(t, 2, res.Summary.Episodes)
	require.Len(t, res.Summary.EpisodeRewards, 2)
	require.NotEmpty(t, res.Summary.ModelID)
	require.Equal(t, res.Summary.ModelID, e.ModelID())
	require.Greater(t, testutil.ToFloat64(rec.TrainSteps), 0.0)
	require.Equal(t, 7.0, testutil.ToFloat64(rec.TargetSyncs))

	require.NotNil(t, res.Report)
	require.Equal(t, 20, res.Report.Days)
	require.Equal(t, res.Summary.ModelID, res.Report.ModelID)

	for _, f := range []string{"config.json", "episodes.json", "backtest_report.json"} {
		_, err := os.Stat(filepath.Join(res.RunDir, f))
		require.NoError(t, err, f)
	}

	runs, err := e.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-1", runs[0].RunID)

	again := newTestEngine(t, store, cfg, nil, nil)
	require.Equal(t, e.ModelID(), again.ModelID())

	first, err := e.Backtest(ctx)
	require.NoError(t, err)
	second, err := again.Backtest(ctx)
	require.NoError(t, err)
	require.Equal(t, first.FinalValue, second.FinalValue)
}

func TestEngineIgnoresIncompatibleStoredModel(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	e := newTestEngine(t, store, smallSettings(), nil, nil)
	_, err := e.Train(ctx, TrainRequest{Episodes: 1})
	require.NoError(t, err)

	cfg := smallSettings()
	cfg.Agents = cfg.Agents[:2]
	other := newTestEngine(t, store, cfg, nil, nil)
	require.Empty(t, other.ModelID())
}

func TestEngineTrainHonoursCancellation(t *testing.T) {
	e := newTestEngine(t, storage.NewMemoryStore(), smallSettings(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Train(ctx, TrainRequest{RunID: "cancelled"})
	require.True(t, errors.Is(err, context.Canceled))
	require.Empty(t, e.ModelID())
	require.Error(t, e.StopRun("cancelled"))
}

func TestEnginePredictCachesAndValidatesWindow(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	rec, err := metrics.New(reg)
	require.NoError(t, err)

	e := newTestEngine(t, storage.NewMemoryStore(), smallSettings(), nil, rec)
	_, err = e.Train(ctx, TrainRequest{Episodes: 1})
	require.NoError(t, err)

	first, err := e.Predict(ctx, PredictRequest{})
	require.NoError(t, err)
	require.Len(t, first.JointAction, 3)
	require.Len(t, first.Agents, 3)
	require.Len(t, first.FeatureImportance, 3)
	require.Equal(t, e.Dataset().Bars[e.Dataset().LastIndex()].Date, first.Date)

	second, err := e.Predict(ctx, PredictRequest{})
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1.0, testutil.ToFloat64(rec.PredictionCache.WithLabelValues("hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(rec.PredictionCache.WithLabelValues("miss")))

	early := e.Dataset().Bars[1].Date
	_, err = e.Predict(ctx, PredictRequest{Date: early})
	require.ErrorIs(t, err, model.ErrWindowOutOfRange)
}

// priceSeries builds three one-feature agents over the given closes.
func priceSeries(closes []float64) *dataset.Dataset {
	ds := &dataset.Dataset{Symbol: "TEST"}
	start := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	for i, c := range closes {
		ds.Bars = append(ds.Bars, model.Bar{Date: start.AddDate(0, 0, i), Open: c, High: c * 1.01, Low: c * 0.99, Close: c})
	}
	for _, name := range []string{"technical", "trend", "fundamental"} {
		af := dataset.AgentFeatures{Name: name, Features: []string{name + "_f"}}
		for i := range closes {
			af.Rows = append(af.Rows, []float64{float64(i)})
		}
		ds.Agents = append(ds.Agents, af)
	}
	return ds
}

// forceJoint loads a model whose agents output constant values favouring the
// given actions.
func forceJoint(t *testing.T, e *Engine, joint model.JointAction) {
	t.Helper()
	rec := e.learner.Snapshot("forced", e.symbol(), e.settings.Market.WindowSize)
	for i, a := range joint {
		layers := rec.Agents[i].Layers
		last := &layers[len(layers)-1]
		for j := range last.Weights {
			last.Weights[j] = 0
		}
		for j := range last.Bias {
			last.Bias[j] = 0
		}
		last.Bias[a] = 1
	}
	require.NoError(t, e.restore(rec))
}

func TestHistoryCompoundsSignalReturns(t *testing.T) {
	cfg := smallSettings()
	cfg.Market.WindowSize = 2
	cfg.Data.TestDays = 0
	cfg.Serving.Mode = "greedy"
	cfg.Agents = []dataset.AgentSpec{
		{Name: "technical", Features: []string{"technical_f"}},
		{Name: "trend", Features: []string{"trend_f"}},
		{Name: "fundamental", Features: []string{"fundamental_f"}},
	}
	data := priceSeries([]float64{69000, 69500, 70000, 71400, 70686})
	e := newTestEngine(t, storage.NewMemoryStore(), cfg, data, nil)
	forceJoint(t, e, model.JointAction{model.Long, model.Long, model.Short})

	from := data.Bars[3].Date
	out, err := e.History(context.Background(), from, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 2)

	require.Equal(t, model.Buy, out[0].Signal)
	require.Equal(t, from, out[0].Date)
	require.InDelta(t, 0.02, out[0].DailyReturn, 1e-12)
	require.InDelta(t, 0.02, out[0].StrategyReturn, 1e-12)

	require.InDelta(t, -0.01, out[1].DailyReturn, 1e-12)
	require.InDelta(t, 1.02*0.99-1, out[1].StrategyReturn, 1e-12)

	pred, err := e.Predict(context.Background(), PredictRequest{})
	require.NoError(t, err)
	require.Equal(t, model.Buy, pred.Signal)
	require.Equal(t, 1, pred.Score)
	require.Equal(t, model.JointAction{model.Long, model.Long, model.Short}, pred.JointAction)
}

func TestStopWithReason(t *testing.T) {
	e := newTestEngine(t, storage.NewMemoryStore(), smallSettings(), nil, nil)
	require.NoError(t, e.StopWithReason(StopReasonShutdown))
	require.False(t, e.Started())
	require.Equal(t, StopReasonShutdown, e.LastStopReason())
	require.Error(t, e.StopWithReason("bogus"))
}

// failingModelStore refuses to save models while fail is set.
type failingModelStore struct {
	storage.Store
	fail bool
}

func (s *failingModelStore) SaveModel(ctx context.Context, rec model.ModelRecord) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.Store.SaveModel(ctx, rec)
}

func requireServesStoredModel(t *testing.T, e *Engine, store storage.Store, id string) {
	t.Helper()
	stored, ok, err := store.GetModel(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok)
	live := e.learner.Snapshot(stored.ID, stored.Symbol, stored.WindowSize)
	require.Equal(t, stored.Agents, live.Agents)
	require.Equal(t, stored.Mixer, live.Mixer)
}

func TestFailedTrainingKeepsServedModel(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryStore()
	store := &failingModelStore{Store: mem}
	e := newTestEngine(t, store, smallSettings(), nil, nil)

	first, err := e.Train(ctx, TrainRequest{Episodes: 1})
	require.NoError(t, err)
	id := first.Summary.ModelID
	requireServesStoredModel(t, e, mem, id)

	store.fail = true
	_, err = e.Train(ctx, TrainRequest{Episodes: 1, Backtest: true})
	require.ErrorContains(t, err, "disk full")
	require.Equal(t, id, e.ModelID())
	requireServesStoredModel(t, e, mem, id)

	store.fail = false
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = e.Train(cancelled, TrainRequest{Episodes: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, id, e.ModelID())
	requireServesStoredModel(t, e, mem, id)

	runs, err := e.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestTemperatureServingCachesAndResamples(t *testing.T) {
	ctx := context.Background()
	cfg := smallSettings()
	cfg.Serving = policy.SelectorConfig{Mode: "temperature", Temperature: 50}
	e := newTestEngine(t, storage.NewMemoryStore(), cfg, nil, nil)
	_, err := e.Train(ctx, TrainRequest{Episodes: 1})
	require.NoError(t, err)
	forceJoint(t, e, model.JointAction{model.Long, model.Long, model.Short})

	first, err := e.Predict(ctx, PredictRequest{})
	require.NoError(t, err)
	require.Equal(t, "temperature", first.Mode)
	for i := 0; i < 5; i++ {
		again, err := e.Predict(ctx, PredictRequest{})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		fresh, err := e.Predict(ctx, PredictRequest{NoCache: true})
		require.NoError(t, err)
		for _, a := range fresh.Agents {
			require.False(t, a.Gated)
		}
		seen[fmt.Sprint(fresh.JointAction.Ints())] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestHistoryFollowsServingPolicy(t *testing.T) {
	cfg := smallSettings()
	cfg.Market.WindowSize = 2
	cfg.Data.TestDays = 0
	cfg.Serving = policy.SelectorConfig{Mode: "temperature", Temperature: 1, MinConfidence: 1}
	cfg.Agents = []dataset.AgentSpec{
		{Name: "technical", Features: []string{"technical_f"}},
		{Name: "trend", Features: []string{"trend_f"}},
		{Name: "fundamental", Features: []string{"fundamental_f"}},
	}
	data := priceSeries([]float64{69000, 69500, 70000, 71400, 70686})
	e := newTestEngine(t, storage.NewMemoryStore(), cfg, data, nil)
	forceJoint(t, e, model.JointAction{model.Long, model.Long, model.Short})

	out, err := e.History(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, row := range out {
		require.Equal(t, model.HoldSignal, row.Signal)
		require.Zero(t, row.StrategyReturn)
	}

	pred, err := e.Predict(context.Background(), PredictRequest{})
	require.NoError(t, err)
	require.Equal(t, model.HoldSignal, pred.Signal)
}

func TestEngineConsumesFeaturesAsGiven(t *testing.T) {
	cfg := smallSettings()
	cfg.Data.Standardize = true
	data, err := dataset.Synthetic(dataset.SyntheticConfig{Symbol: "TEST", Days: 60, Seed: 9}, cfg.Agents)
	require.NoError(t, err)

	e := newTestEngine(t, storage.NewMemoryStore(), cfg, data, nil)
	got := e.Dataset()
	for i := range data.Agents {
		require.Equal(t, data.Agents[i].Rows, got.Agents[i].Rows)
	}
}
