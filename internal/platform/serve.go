package platform

import (
	"context"
	"fmt"
	"math"
	"time"

	"marlsignal/internal/attribution"
	"marlsignal/internal/learner"
	"marlsignal/internal/model"
	"marlsignal/internal/policy"
	"marlsignal/internal/scape"
	"marlsignal/internal/stats"
	"marlsignal/internal/storage"
)

// Backtest replays the held-out rows greedily with the loaded model.
func (e *Engine) Backtest(ctx context.Context) (stats.BacktestReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backtest(ctx)
}

func (e *Engine) backtest(ctx context.Context) (stats.BacktestReport, error) {
	if err := e.requireModel(); err != nil {
		return stats.BacktestReport{}, err
	}
	return e.backtestWith(ctx, e.learner, e.modelID)
}

func (e *Engine) backtestWith(ctx context.Context, l *learner.Learner, modelID string) (stats.BacktestReport, error) {
	testData, err := e.data.SplitMode(e.testMode(), e.settings.Market.WindowSize, e.settings.Data.TestDays)
	if err != nil {
		return stats.BacktestReport{}, err
	}
	market, err := scape.NewMarket(testData, e.settings.Market)
	if err != nil {
		return stats.BacktestReport{}, err
	}

	prev := l.Selector()
	l.SetSelector(policy.GreedySelector{})
	defer l.SetSelector(prev)

	snap, err := market.Reset(nil)
	if err != nil {
		return stats.BacktestReport{}, err
	}
	firstClose := testData.Bars[e.settings.Market.WindowSize-1].Close
	var (
		daily []stats.DailyRecord
		last  scape.StepInfo
	)
	for !snap.Done {
		if err := ctx.Err(); err != nil {
			return stats.BacktestReport{}, err
		}
		joint, _, err := l.SelectActions(snap.Observations, 0)
		if err != nil {
			return stats.BacktestReport{}, err
		}
		res, err := market.Step(joint)
		if err != nil {
			return stats.BacktestReport{}, err
		}
		t := snap.Step + e.settings.Market.WindowSize
		daily = append(daily, stats.DailyRecord{
			Date:         res.Info.TradeDate,
			Signal:       res.Info.Signal,
			Score:        res.Info.Score,
			TradePrice:   res.Info.TradePrice,
			TradedShares: res.Info.TradedShares,
			Close:        testData.Bars[t].Close,
			Value:        res.Info.Value,
			PnL:          res.Info.Value - res.Info.PriorValue,
			Return:       res.Reward,
		})
		last = res.Info
		snap = res.Next
	}

	report, err := stats.BuildBacktestReport(e.symbol(), e.settings.Market.InitialCapital, firstClose, daily)
	if err != nil {
		return stats.BacktestReport{}, err
	}
	report.ModelID = modelID
	report.FinalCash = last.Cash
	report.FinalShares = last.Shares
	e.log.Info().
		Str("symbol", report.Symbol).
		Int("days", report.Days).
		Float64("total_return", report.TotalReturn).
		Float64("buy_and_hold", report.BuyAndHold).
		Float64("sharpe", report.Sharpe).
		Float64("max_drawdown", report.MaxDrawdown).
		Msg("backtest finished")
	return report, nil
}

type PredictRequest struct {
	// Date selects the last observed row; zero means the latest row.
	Date time.Time
	// NoCache bypasses the memoized prediction for this key.
	NoCache bool
}

// Predict decides the signal for the trading day after the window ending on
// the requested date. Results are memoized by (date, symbol, selector,
// configuration and model).
func (e *Engine) Predict(ctx context.Context, req PredictRequest) (model.Prediction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireModel(); err != nil {
		return model.Prediction{}, err
	}

	end := e.data.LastIndex()
	if !req.Date.IsZero() {
		idx, ok := e.data.IndexOf(req.Date)
		if !ok {
			return model.Prediction{}, fmt.Errorf("%w: no row for %s", model.ErrWindowOutOfRange, req.Date.Format(time.DateOnly))
		}
		end = idx
	}
	step := end - e.settings.Market.WindowSize + 1
	if err := scape.CheckWindow(step, e.settings.Market.WindowSize, e.data.LastIndex()); err != nil {
		return model.Prediction{}, err
	}

	key := storage.PredictionKey{
		Date:   e.data.Bars[end].Date,
		Symbol: e.symbol(),
		Mode:   e.serving.Name(),
		Config: e.fingerprint + "@" + e.modelID,
	}
	if !req.NoCache {
		cached, ok, err := e.store.GetPrediction(ctx, key)
		if err != nil {
			return model.Prediction{}, err
		}
		e.metrics.ObserveCache(ok)
		if ok {
			e.log.Debug().Str("key", key.String()).Str("signal", string(cached.Signal)).Bool("cache_hit", true).Msg("prediction served")
			return cached, nil
		}
	}

	market, err := scape.NewMarket(e.data, e.settings.Market)
	if err != nil {
		return model.Prediction{}, err
	}
	snap, err := market.ObserveAt(step, scape.NewPortfolio(e.settings.Market.InitialCapital))
	if err != nil {
		return model.Prediction{}, err
	}

	joint, decisions, err := e.learner.SelectActions(snap.Observations, 0)
	if err != nil {
		return model.Prediction{}, err
	}
	sig, score, err := market.Ladder().Aggregate(joint)
	if err != nil {
		return model.Prediction{}, err
	}
	grid, err := e.learner.JointValues(snap.Observations, snap.State)
	if err != nil {
		return model.Prediction{}, err
	}
	teamQ := math.Inf(-1)
	for _, jv := range grid {
		teamQ = math.Max(teamQ, jv.QTotal)
	}
	qs, err := e.learner.QValues(snap.Observations)
	if err != nil {
		return model.Prediction{}, err
	}

	importance, err := e.explain(snap, joint, end)
	if err != nil {
		return model.Prediction{}, err
	}

	pred := model.Prediction{
		VersionedRecord:   storage.Versioned(),
		Date:              key.Date,
		Symbol:            e.symbol(),
		Mode:              key.Mode,
		JointAction:       joint,
		Score:             score,
		Signal:            sig,
		TeamQ:             teamQ,
		Agents:            make([]model.AgentDecision, len(joint)),
		FeatureImportance: importance,
	}
	for i, d := range decisions {
		pred.Agents[i] = model.AgentDecision{
			Agent:         e.data.Agents[i].Name,
			Action:        d.Action,
			QValues:       qs[i],
			Probabilities: d.Probabilities,
			Confidence:    d.Confidence,
			Gated:         d.Gated,
		}
	}

	if err := e.store.SavePrediction(ctx, key, pred); err != nil {
		return model.Prediction{}, fmt.Errorf("cache prediction: %w", err)
	}
	e.metrics.ObservePrediction(pred.Symbol, string(pred.Signal))
	e.log.Info().
		Str("date", key.Date.Format(time.DateOnly)).
		Str("signal", string(sig)).
		Int("score", score).
		Ints("joint_action", joint.Ints()).
		Bool("cache_hit", false).
		Msg("prediction served")
	return pred, nil
}

func (e *Engine) explain(snap scape.Snapshot, joint model.JointAction, end int) ([]model.FeatureImportance, error) {
	agents := e.learner.Agents()
	inputs := make([]attribution.AgentInput, len(agents))
	for i, a := range agents {
		inputs[i] = attribution.AgentInput{
			Source:      a,
			Features:    e.data.Agents[i].Features,
			Window:      e.settings.Market.WindowSize,
			Observation: snap.Observations[i],
			Action:      joint[i],
			Current:     e.data.Agents[i].Rows[end],
		}
	}
	return e.explainer.Explain(inputs)
}

// History replays the serving policy's signal for every row dated within
// [from, to]. The signal for day T comes from the window ending on T-1 and a
// flat portfolio; the strategy return compounds the signal's exposure times the
// close-to-close return from T-1 to T.
func (e *Engine) History(ctx context.Context, from, to time.Time) ([]model.HistoricalSignal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireModel(); err != nil {
		return nil, err
	}
	if !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("history range ends before it starts: %s > %s", from.Format(time.DateOnly), to.Format(time.DateOnly))
	}

	market, err := scape.NewMarket(e.data, e.settings.Market)
	if err != nil {
		return nil, err
	}
	window := e.settings.Market.WindowSize
	flat := scape.NewPortfolio(e.settings.Market.InitialCapital)
	fromDay, toDay := from.Format(time.DateOnly), to.Format(time.DateOnly)

	var (
		out    []model.HistoricalSignal
		growth = 1.0
	)
	for t := window; t <= e.data.LastIndex(); t++ {
		day := e.data.Bars[t].Date.Format(time.DateOnly)
		if day < fromDay || (!to.IsZero() && day > toDay) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap, err := market.ObserveAt(t-window, flat)
		if err != nil {
			return nil, err
		}
		joint, _, err := e.learner.SelectActions(snap.Observations, 0)
		if err != nil {
			return nil, err
		}
		sig, _, err := market.Ladder().Aggregate(joint)
		if err != nil {
			return nil, err
		}
		prev, cur := e.data.Bars[t-1].Close, e.data.Bars[t].Close
		daily := (cur - prev) / prev
		growth *= 1 + sig.Exposure()*daily
		out = append(out, model.HistoricalSignal{
			Date:           e.data.Bars[t].Date,
			Signal:         sig,
			DailyReturn:    daily,
			StrategyReturn: growth - 1,
		})
	}
	return out, nil
}
