package platform

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marlsignal/internal/attribution"
	"marlsignal/internal/config"
	"marlsignal/internal/dataset"
	"marlsignal/internal/learner"
	"marlsignal/internal/metrics"
	"marlsignal/internal/model"
	"marlsignal/internal/policy"
	"marlsignal/internal/scape"
	"marlsignal/internal/storage"
)

type Config struct {
	Store    storage.Store
	Settings config.Config
	Logger   zerolog.Logger
	Metrics  *metrics.Recorder
	// Data replaces the configured CSV or synthetic source when set. Features
	// are consumed as given; the engine never fits a normalisation.
	Data *dataset.Dataset
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// Engine owns one symbol's dataset, learner and stores, and runs training,
// backtests, predictions and historical replays against them.
type Engine struct {
	store    storage.Store
	settings config.Config
	log      zerolog.Logger
	metrics  *metrics.Recorder
	source   *dataset.Dataset

	mu          sync.Mutex
	started     bool
	fingerprint string
	data        *dataset.Dataset
	learner     *learner.Learner
	serving     policy.Selector
	explainer   *attribution.Explainer
	modelID     string
	selectRNG   *rand.Rand
	replayRNG   *rand.Rand

	runsMu         sync.Mutex
	runs           map[string]context.CancelFunc
	lastStopReason StopReason
}

func NewEngine(cfg Config) *Engine {
	return &Engine{
		store:          cfg.Store,
		settings:       cfg.Settings,
		log:            cfg.Logger,
		metrics:        cfg.Metrics,
		source:         cfg.Data,
		runs:           make(map[string]context.CancelFunc),
		lastStopReason: StopReasonNormal,
	}
}

// Init validates the settings, initialises the store, loads the dataset,
// builds the learner and restores the latest stored model for the symbol
// when one fits.
func (e *Engine) Init(ctx context.Context) error {
	if e.store == nil {
		return fmt.Errorf("store is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if err := e.settings.Validate(); err != nil {
		return err
	}
	fp, err := e.settings.Fingerprint()
	if err != nil {
		return err
	}
	if err := e.store.Init(ctx); err != nil {
		return err
	}

	data, err := e.loadDataset()
	if err != nil {
		return err
	}

	market, err := scape.NewMarket(data, e.settings.Market)
	if err != nil {
		return err
	}
	serving, err := policy.SelectorFromConfig(e.settings.Serving)
	if err != nil {
		return err
	}
	explainer, err := attribution.NewExplainer(e.settings.Attribution)
	if err != nil {
		return err
	}
	seed := e.settings.Learner.Seed
	selectRNG := rand.New(rand.NewSource(seed + 1))
	shape := learner.Shape{AgentNames: e.settings.AgentNames(), ObsDims: market.ObsDims(), StateDim: market.StateDim()}
	l, err := learner.New(e.settings.Learner, shape, serving, selectRNG)
	if err != nil {
		return err
	}

	e.fingerprint = fp
	e.data = data
	e.learner, e.serving, e.explainer = l, serving, explainer
	e.selectRNG = selectRNG
	e.replayRNG = rand.New(rand.NewSource(seed + 2))
	e.modelID = ""

	if err := e.restoreLatest(ctx); err != nil {
		return err
	}
	e.started = true
	e.log.Info().
		Str("symbol", e.symbol()).
		Int("rows", data.Len()).
		Int("agents", len(shape.AgentNames)).
		Str("model_id", e.modelID).
		Msg("engine initialised")
	return nil
}

// loadDataset returns the features exactly as supplied. Normalisation is the
// caller's preprocessing step.
func (e *Engine) loadDataset() (*dataset.Dataset, error) {
	if e.source != nil {
		if err := e.source.Validate(); err != nil {
			return nil, err
		}
		return e.source.Slice(0, e.source.Len())
	}
	return dataset.Load(dataset.Source{
		CSVPath:       e.settings.Data.CSVPath,
		Symbol:        e.symbol(),
		SyntheticDays: e.settings.Data.SyntheticDays,
		Seed:          e.settings.Learner.Seed,
	}, e.settings.Agents)
}

func (e *Engine) restoreLatest(ctx context.Context) error {
	rec, ok, err := e.store.LatestModel(ctx, e.symbol())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := e.restore(rec); err != nil {
		if errors.Is(err, model.ErrDimensionMismatch) {
			e.log.Warn().Err(err).Str("model_id", rec.ID).Msg("stored model does not fit the configured agents; starting untrained")
			return nil
		}
		return err
	}
	return nil
}

func (e *Engine) restore(rec model.ModelRecord) error {
	if rec.WindowSize != e.settings.Market.WindowSize {
		return fmt.Errorf("%w: model window %d, configured window %d", model.ErrDimensionMismatch, rec.WindowSize, e.settings.Market.WindowSize)
	}
	if err := e.learner.Restore(rec); err != nil {
		return err
	}
	e.modelID = rec.ID
	return nil
}

// LoadModel restores a specific stored model.
func (e *Engine) LoadModel(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireStarted(); err != nil {
		return err
	}
	rec, ok, err := e.store.GetModel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no stored model %s", model.ErrModelNotLoaded, id)
	}
	return e.restore(rec)
}

func (e *Engine) requireStarted() error {
	if !e.started {
		return fmt.Errorf("engine is not initialised")
	}
	return nil
}

func (e *Engine) requireModel() error {
	if err := e.requireStarted(); err != nil {
		return err
	}
	if e.modelID == "" {
		return fmt.Errorf("%w: train or load a model for %s first", model.ErrModelNotLoaded, e.symbol())
	}
	return nil
}

func (e *Engine) symbol() string {
	return strings.ToUpper(strings.TrimSpace(e.settings.Symbol))
}

func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// ModelID is the identifier of the loaded model, empty when untrained.
func (e *Engine) ModelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.modelID
}

func (e *Engine) Settings() config.Config { return e.settings }

// Dataset is the series the networks observe.
func (e *Engine) Dataset() *dataset.Dataset {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.data
}

// Runs lists persisted training run summaries for the engine's symbol.
func (e *Engine) Runs(ctx context.Context) ([]model.TrainingRunSummary, error) {
	if e.store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return e.store.ListTrainingRuns(ctx, e.symbol())
}

// StopRun cancels an in-flight training run.
func (e *Engine) StopRun(runID string) error {
	e.runsMu.Lock()
	cancel, ok := e.runs[runID]
	e.runsMu.Unlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	cancel()
	return nil
}

func (e *Engine) registerRun(runID string, cancel context.CancelFunc) error {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	if _, exists := e.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	e.runs[runID] = cancel
	return nil
}

func (e *Engine) unregisterRun(runID string) {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	delete(e.runs, runID)
}

func (e *Engine) Stop() error {
	return e.StopWithReason(StopReasonNormal)
}

// StopWithReason cancels every active run and marks the engine stopped.
func (e *Engine) StopWithReason(reason StopReason) error {
	if reason != StopReasonNormal && reason != StopReasonShutdown {
		return fmt.Errorf("invalid stop reason: %s", reason)
	}
	e.runsMu.Lock()
	for _, cancel := range e.runs {
		cancel()
	}
	e.lastStopReason = reason
	e.runsMu.Unlock()

	e.mu.Lock()
	e.started = false
	e.mu.Unlock()
	return nil
}

func (e *Engine) LastStopReason() StopReason {
	e.runsMu.Lock()
	defer e.runsMu.Unlock()
	return e.lastStopReason
}

func now() time.Time { return time.Now().UTC() }
