package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marlsignal/internal/model"
	"marlsignal/internal/policy"
	"marlsignal/internal/replay"
	"marlsignal/internal/scape"
	"marlsignal/internal/stats"
	"marlsignal/internal/storage"
)

type TrainRequest struct {
	// RunID defaults to a fresh UUID.
	RunID string
	// Episodes defaults to the configured training episodes.
	Episodes int
	// ArtifactsDir defaults to the configured storage.artifacts_dir; no
	// artifacts are written when both are empty.
	ArtifactsDir string
	// Backtest runs a greedy backtest on the held-out rows after training
	// and stores its report with the run artifacts.
	Backtest bool
}

type TrainResult struct {
	Summary  model.TrainingRunSummary `json:"summary"`
	Episodes []stats.EpisodeStats     `json:"episodes"`
	Report   *stats.BacktestReport    `json:"report,omitempty"`
	RunDir   string                   `json:"run_dir,omitempty"`
}

// Train runs epsilon-greedy episodes over the training rows, fitting the
// agents and mixer from the replay buffer after every environment step and
// hard-syncing the targets every target_update_every steps. Training runs on a
// copy of the loaded networks; the copy replaces them only once its model is
// stored, so a failed or cancelled run leaves the served model untouched.
func (e *Engine) Train(ctx context.Context, req TrainRequest) (TrainResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireStarted(); err != nil {
		return TrainResult{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	episodes := req.Episodes
	if episodes <= 0 {
		episodes = e.settings.Training.Episodes
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.registerRun(runID, cancel); err != nil {
		return TrainResult{}, err
	}
	defer e.unregisterRun(runID)

	trainData, err := e.data.SplitMode(e.trainMode(), e.settings.Market.WindowSize, e.settings.Data.TestDays)
	if err != nil {
		return TrainResult{}, err
	}
	market, err := scape.NewMarket(trainData, e.settings.Market)
	if err != nil {
		return TrainResult{}, err
	}
	buf, err := replay.NewBuffer(e.settings.Training.ReplayCapacity, e.replayRNG)
	if err != nil {
		return TrainResult{}, err
	}
	schedule, err := policy.ScheduleFromConfig(e.settings.Training.Exploration)
	if err != nil {
		return TrainResult{}, err
	}

	// The live learner keeps serving until the new model is stored.
	work, err := e.learner.Clone(policy.EpsilonGreedySelector{})
	if err != nil {
		return TrainResult{}, err
	}

	startedAt := now()
	log := e.log.With().Str("run_id", runID).Str("symbol", e.symbol()).Logger()
	log.Info().Int("episodes", episodes).Int("rows", trainData.Len()).Str("schedule", schedule.Name()).Msg("training started")

	var (
		envSteps    int
		exploration float64
		lossSum     float64
		lossCount   int
		history     = make([]stats.EpisodeStats, 0, episodes)
	)
	for ep := 1; ep <= episodes; ep++ {
		snap, err := market.Reset(nil)
		if err != nil {
			return TrainResult{}, err
		}
		epStats := stats.EpisodeStats{Episode: ep}
		var epLoss float64
		var epUpdates int
		for !snap.Done {
			if err := runCtx.Err(); err != nil {
				return TrainResult{}, fmt.Errorf("training run %s interrupted at episode %d: %w", runID, ep, err)
			}
			exploration = schedule.Value(envSteps)
			e.metrics.SetExploration(exploration)

			joint, _, err := work.SelectActions(snap.Observations, exploration)
			if err != nil {
				return TrainResult{}, err
			}
			res, err := market.Step(joint)
			if err != nil {
				return TrainResult{}, err
			}
			buf.Add(model.Transition{
				State:        snap.State,
				Observations: snap.Observations,
				Actions:      joint,
				Reward:       res.Reward,
				NextState:    res.Next.State,
				NextObs:      res.Next.Observations,
				Done:         res.Next.Done,
			})
			envSteps++
			epStats.Steps++
			epStats.Reward += res.Reward
			epStats.FinalValue = res.Info.Value

			ts, err := work.Train(buf)
			if err != nil {
				log.Error().Err(err).Int("episode", ep).Int("env_steps", envSteps).Msg("training halted")
				return TrainResult{}, err
			}
			if !ts.Skipped {
				epLoss += ts.Loss
				epUpdates++
				e.metrics.ObserveTrainStep(ts.Loss)
			}
			if work.ShouldSyncTargets(envSteps) {
				if err := work.UpdateTargetNetworks(); err != nil {
					return TrainResult{}, err
				}
				e.metrics.ObserveTargetSync()
			}
			snap = res.Next
		}
		if epUpdates > 0 {
			epStats.MeanLoss = epLoss / float64(epUpdates)
		}
		lossSum += epLoss
		lossCount += epUpdates
		epStats.Exploration = exploration
		history = append(history, epStats)
		e.metrics.ObserveEpisode(e.symbol(), epStats.Reward)
		log.Info().
			Int("episode", ep).
			Int("steps", epStats.Steps).
			Float64("epsilon", exploration).
			Float64("team_reward", epStats.Reward).
			Float64("mean_loss", epStats.MeanLoss).
			Msg("episode finished")
	}

	modelID := uuid.NewString()
	summary := model.TrainingRunSummary{
		VersionedRecord: storage.Versioned(),
		RunID:           runID,
		Symbol:          e.symbol(),
		ModelID:         modelID,
		Episodes:        episodes,
		Steps:           envSteps,
		FinalEpsilon:    exploration,
		EpisodeRewards:  make([]float64, len(history)),
		StartedAt:       startedAt,
		FinishedAt:      now(),
	}
	for i, h := range history {
		summary.EpisodeRewards[i] = h.Reward
	}
	if lossCount > 0 {
		summary.MeanLoss = lossSum / float64(lossCount)
	}

	result := TrainResult{Summary: summary, Episodes: history}
	if req.Backtest {
		report, err := e.backtestWith(runCtx, work, modelID)
		if err != nil {
			return TrainResult{}, err
		}
		result.Report = &report
	}

	rec := work.Snapshot(modelID, e.symbol(), e.settings.Market.WindowSize)
	if err := e.store.SaveModel(runCtx, rec); err != nil {
		return TrainResult{}, fmt.Errorf("save model: %w", err)
	}
	work.SetSelector(e.serving)
	e.learner, e.modelID = work, modelID

	if err := e.store.SaveTrainingRun(runCtx, summary); err != nil {
		return TrainResult{}, fmt.Errorf("save training run: %w", err)
	}

	dir := req.ArtifactsDir
	if dir == "" {
		dir = e.settings.Storage.ArtifactsDir
	}
	if dir != "" {
		runDir, err := e.writeArtifacts(dir, result, schedule.Name())
		if err != nil {
			return TrainResult{}, err
		}
		result.RunDir = runDir
	}

	log.Info().
		Str("model_id", modelID).
		Int("env_steps", envSteps).
		Int("train_steps", work.TrainSteps()).
		Float64("mean_loss", summary.MeanLoss).
		Dur("elapsed", summary.FinishedAt.Sub(startedAt)).
		Msg("training finished")
	return result, nil
}

func (e *Engine) trainMode() string {
	if e.settings.Data.TestDays > 0 {
		return "train"
	}
	return "all"
}

func (e *Engine) testMode() string {
	if e.settings.Data.TestDays > 0 {
		return "test"
	}
	return "all"
}

func (e *Engine) writeArtifacts(baseDir string, result TrainResult, schedule string) (string, error) {
	summary := result.Summary
	runDir, err := stats.WriteRunArtifacts(baseDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:       summary.RunID,
			Symbol:      summary.Symbol,
			ModelID:     summary.ModelID,
			Fingerprint: e.fingerprint,
			Agents:      e.settings.AgentNames(),
			WindowSize:  e.settings.Market.WindowSize,
			Episodes:    summary.Episodes,
			Seed:        e.settings.Learner.Seed,
			Selector:    e.serving.Name(),
			Schedule:    schedule,
			Settings:    e.settings,
		},
		Episodes: result.Episodes,
		Report:   result.Report,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}

	entry := stats.RunIndexEntry{
		RunID:        summary.RunID,
		Symbol:       summary.Symbol,
		ModelID:      summary.ModelID,
		Episodes:     summary.Episodes,
		Seed:         e.settings.Learner.Seed,
		CreatedAtUTC: summary.FinishedAt.Format(time.RFC3339Nano),
	}
	if n := len(result.Episodes); n > 0 {
		entry.FinalReward = result.Episodes[n-1].Reward
	}
	if result.Report != nil {
		entry.TotalReturn = result.Report.TotalReturn
	}
	if err := stats.AppendRunIndex(baseDir, entry); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	return runDir, nil
}
