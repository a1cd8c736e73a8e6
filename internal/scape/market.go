package scape

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"marlsignal/internal/dataset"
	"marlsignal/internal/model"
	"marlsignal/internal/signal"
)

type MarketConfig struct {
	WindowSize     int     `yaml:"window_size" json:"window_size"`
	InitialCapital float64 `yaml:"initial_capital" json:"initial_capital"`
	// BuyFraction of portfolio value is spent on a full-strength buy signal.
	BuyFraction float64 `yaml:"buy_fraction" json:"buy_fraction"`
	// SellFraction of held shares is sold on a full-strength sell signal.
	SellFraction float64 `yaml:"sell_fraction" json:"sell_fraction"`
}

func DefaultMarketConfig() MarketConfig {
	return MarketConfig{WindowSize: 10, InitialCapital: 100000, BuyFraction: 0.1, SellFraction: 0.3}
}

func (c MarketConfig) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("window size must be positive, got %d", c.WindowSize)
	}
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", c.InitialCapital)
	}
	if c.BuyFraction <= 0 || c.BuyFraction > 1 {
		return fmt.Errorf("buy fraction must be within (0,1], got %v", c.BuyFraction)
	}
	if c.SellFraction <= 0 || c.SellFraction > 1 {
		return fmt.Errorf("sell fraction must be within (0,1], got %v", c.SellFraction)
	}
	return nil
}

// Market steps through a price series. At window start s the agents observe
// rows [s, s+W-1]; stepping executes the aggregated signal on row s+W, buying
// at that day's low, selling at its high and marking to market at its close.
type Market struct {
	cfg    MarketConfig
	data   *dataset.Dataset
	ladder signal.Ladder

	step      int
	started   bool
	done      bool
	portfolio Portfolio
}

var _ Environment = (*Market)(nil)

func NewMarket(data *dataset.Dataset, cfg MarketConfig) (*Market, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("market dataset is required")
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	ladder, err := signal.NewLadder(len(data.Agents))
	if err != nil {
		return nil, err
	}
	return &Market{cfg: cfg, data: data, ladder: ladder, portfolio: NewPortfolio(cfg.InitialCapital)}, nil
}

func (m *Market) Agents() int { return len(m.data.Agents) }

func (m *Market) ObsDims() []int {
	dims := make([]int, len(m.data.Agents))
	for i, agent := range m.data.Agents {
		dims[i] = ObservationWidth(m.cfg.WindowSize, len(agent.Features))
	}
	return dims
}

func (m *Market) StateDim() int {
	total := 0
	for _, d := range m.ObsDims() {
		total += d
	}
	return total
}

func (m *Market) Dataset() *dataset.Dataset { return m.data }
func (m *Market) Ladder() signal.Ladder     { return m.ladder }
func (m *Market) Portfolio() Portfolio      { return m.portfolio }
func (m *Market) Done() bool                { return m.done }

// CurrentStep is the start index of the current observation window.
func (m *Market) CurrentStep() int { return m.step }

// Reset rewinds to the first window and re-seeds the portfolio, from initial
// when given and from the configured capital otherwise.
func (m *Market) Reset(initial *Portfolio) (Snapshot, error) {
	if m.data.Len() < m.cfg.WindowSize {
		return Snapshot{}, fmt.Errorf("%w: %d rows for window %d", model.ErrInsufficientHistory, m.data.Len(), m.cfg.WindowSize)
	}
	if initial != nil {
		m.portfolio = *initial
	} else {
		m.portfolio = NewPortfolio(m.cfg.InitialCapital)
	}
	m.step = 0
	m.started = true
	m.done = m.step+m.cfg.WindowSize > m.data.LastIndex()
	return m.Observe()
}

// SetStep moves the observation window without touching the portfolio.
// Out-of-range windows are rejected, never clamped.
func (m *Market) SetStep(step int) error {
	if err := CheckWindow(step, m.cfg.WindowSize, m.data.LastIndex()); err != nil {
		return err
	}
	m.step = step
	m.started = true
	m.done = m.step+m.cfg.WindowSize > m.data.LastIndex()
	return nil
}

// Observe builds the snapshot for the current window and portfolio.
func (m *Market) Observe() (Snapshot, error) {
	snap, err := m.ObserveAt(m.step, m.portfolio)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Done = m.done
	return snap, nil
}

// ObserveAt builds the snapshot for an arbitrary window start and portfolio
// without changing the environment.
func (m *Market) ObserveAt(step int, p Portfolio) (Snapshot, error) {
	if err := CheckWindow(step, m.cfg.WindowSize, m.data.LastIndex()); err != nil {
		return Snapshot{}, err
	}
	end := step + m.cfg.WindowSize - 1
	position := p.PositionFlag()
	unrealized := p.UnrealizedReturn(m.data.Bars[end].Close)

	obs := make([][]float64, len(m.data.Agents))
	for i, agent := range m.data.Agents {
		o, err := AgentObservation(agent.Rows, step, m.cfg.WindowSize, position, unrealized)
		if err != nil {
			return Snapshot{}, fmt.Errorf("agent %s: %w", agent.Name, err)
		}
		obs[i] = o
	}
	return Snapshot{
		Step:         step,
		Date:         m.data.Bars[end].Date,
		Observations: obs,
		State:        GlobalState(obs),
		Done:         step+m.cfg.WindowSize > m.data.LastIndex(),
	}, nil
}

// Step executes the joint action's aggregated signal on the day after the
// current window and advances by one row. The reward is the portfolio value
// change over that day divided by the prior value.
func (m *Market) Step(joint model.JointAction) (StepResult, error) {
	if !m.started {
		return StepResult{}, fmt.Errorf("market stepped before reset")
	}
	if m.done {
		return StepResult{}, model.ErrEpisodeDone
	}
	sig, score, err := m.ladder.Aggregate(joint)
	if err != nil {
		return StepResult{}, err
	}

	t := m.step + m.cfg.WindowSize
	bar := m.data.Bars[t]
	prior := m.portfolio.Value(m.data.Bars[t-1].Close)

	info := StepInfo{TradeDate: bar.Date, Signal: sig, Score: score}
	strength := m.ladder.Strength(score)
	switch {
	case sig.IsBuy():
		budget := prior.Mul(decimal.NewFromFloat(strength * m.cfg.BuyFraction))
		info.TradedShares = m.portfolio.Buy(bar.Low, budget)
		info.TradePrice = bar.Low
	case sig.IsSell() && m.portfolio.Holding():
		qty := int64(math.Floor(float64(m.portfolio.Shares) * strength * m.cfg.SellFraction))
		if qty < 1 {
			qty = 1
		}
		info.TradedShares = m.portfolio.Sell(bar.High, qty)
		info.TradePrice = bar.High
	}

	after := m.portfolio.Value(bar.Close)
	reward := 0.0
	if prior.IsPositive() {
		reward, _ = after.Sub(prior).Div(prior).Float64()
	}
	info.PriorValue, _ = prior.Float64()
	info.Value, _ = after.Float64()
	info.Cash, _ = m.portfolio.Cash.Float64()
	info.Shares = m.portfolio.Shares

	m.step++
	m.done = m.step+m.cfg.WindowSize > m.data.LastIndex()
	next, err := m.Observe()
	if err != nil {
		return StepResult{}, err
	}
	return StepResult{Next: next, Reward: reward, Info: info}, nil
}
