// Package marlsignal is the embeddable entry point for training, backtesting
// and serving QMIX trading signals.
package marlsignal

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"marlsignal/internal/config"
	"marlsignal/internal/dataset"
	"marlsignal/internal/logging"
	"marlsignal/internal/metrics"
	"marlsignal/internal/model"
	"marlsignal/internal/platform"
	"marlsignal/internal/stats"
	"marlsignal/internal/storage"
)

type (
	Config           = config.Config
	TrainRequest     = platform.TrainRequest
	TrainResult      = platform.TrainResult
	PredictRequest   = platform.PredictRequest
	BacktestReport   = stats.BacktestReport
	Prediction       = model.Prediction
	HistoricalSignal = model.HistoricalSignal
	TrainingRun      = model.TrainingRunSummary
)

type Options struct {
	// ConfigPath is a YAML file layered over the defaults. Settings is used
	// when empty.
	ConfigPath string
	Settings   *config.Config

	// StoreKind and SQLitePath override the configured storage.
	StoreKind  string
	SQLitePath string

	// Logger replaces the logger built from log.level. LogOutput is used
	// for the built logger when set.
	Logger    *zerolog.Logger
	LogOutput io.Writer

	// Registerer receives the engine's metrics. Metrics are disabled when nil.
	Registerer prometheus.Registerer

	// Data replaces the configured CSV or synthetic series. It is z-scored
	// like a loaded series when data.standardize is set.
	Data *dataset.Dataset
}

type Client struct {
	store  storage.Store
	engine *platform.Engine
}

// Open builds the configured store and engine, then initialises the engine,
// restoring the latest stored model for the symbol.
func Open(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := settings(opts)
	if err != nil {
		return nil, err
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log, err = logging.New(cfg.Log.Level, opts.LogOutput)
		if err != nil {
			return nil, err
		}
	}

	var rec *metrics.Recorder
	if opts.Registerer != nil {
		rec, err = metrics.New(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	data, err := prepareData(cfg, opts.Data)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.SQLitePath)
	if err != nil {
		return nil, err
	}
	engine := platform.NewEngine(platform.Config{
		Store:    store,
		Settings: cfg,
		Logger:   log,
		Metrics:  rec,
		Data:     data,
	})
	if err := engine.Init(ctx); err != nil {
		_ = storage.CloseIfSupported(store)
		return nil, err
	}
	return &Client{store: store, engine: engine}, nil
}

func settings(opts Options) (config.Config, error) {
	var cfg config.Config
	switch {
	case opts.ConfigPath != "":
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	case opts.Settings != nil:
		cfg = *opts.Settings
	default:
		cfg = config.Default()
	}
	if opts.StoreKind != "" {
		cfg.Storage.Kind = opts.StoreKind
	}
	if opts.SQLitePath != "" {
		cfg.Storage.SQLitePath = opts.SQLitePath
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// prepareData loads the configured series unless one was supplied and
// z-scores its features when data.standardize is set.
func prepareData(cfg config.Config, supplied *dataset.Dataset) (*dataset.Dataset, error) {
	data := supplied
	if data == nil {
		loaded, err := dataset.Load(dataset.Source{
			CSVPath:       cfg.Data.CSVPath,
			Symbol:        strings.ToUpper(strings.TrimSpace(cfg.Symbol)),
			SyntheticDays: cfg.Data.SyntheticDays,
			Seed:          cfg.Learner.Seed,
		}, cfg.Agents)
		if err != nil {
			return nil, err
		}
		data = loaded
	}
	if !cfg.Data.Standardize {
		return data, nil
	}
	return dataset.Standardized(data, cfg.Data.TestDays)
}

// Close stops in-flight runs and releases the store.
func (c *Client) Close() error {
	if err := c.engine.StopWithReason(platform.StopReasonShutdown); err != nil {
		return err
	}
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Settings() Config { return c.engine.Settings() }

// ModelID reports the loaded model, empty before the first training run.
func (c *Client) ModelID() string { return c.engine.ModelID() }

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	return c.engine.Train(ctx, req)
}

func (c *Client) Backtest(ctx context.Context) (BacktestReport, error) {
	return c.engine.Backtest(ctx)
}

func (c *Client) Predict(ctx context.Context, req PredictRequest) (Prediction, error) {
	return c.engine.Predict(ctx, req)
}

// History replays daily signals dated within [from, to]. A zero to means
// through the last row.
func (c *Client) History(ctx context.Context, from, to time.Time) ([]HistoricalSignal, error) {
	return c.engine.History(ctx, from, to)
}

func (c *Client) Runs(ctx context.Context) ([]TrainingRun, error) {
	return c.engine.Runs(ctx)
}

func (c *Client) LoadModel(ctx context.Context, id string) error {
	return c.engine.LoadModel(ctx, id)
}

// StopRun cancels an in-flight training run by id.
func (c *Client) StopRun(runID string) error {
	return c.engine.StopRun(runID)
}
