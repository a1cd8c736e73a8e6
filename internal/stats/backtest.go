package stats

import (
	"fmt"
	"math"
	"time"

	"marlsignal/internal/model"
	"marlsignal/internal/nn"
)

// TradingDaysPerYear annualises daily ratios.
const TradingDaysPerYear = 252

const ratioEpsilon = 1e-9

// DailyRecord is one simulated trading day.
type DailyRecord struct {
	Date         time.Time    `json:"date"`
	Signal       model.Signal `json:"signal"`
	Score        int          `json:"score"`
	TradePrice   float64      `json:"trade_price,omitempty"`
	TradedShares int64        `json:"traded_shares,omitempty"`
	Close        float64      `json:"close"`
	Value        float64      `json:"value"`
	PnL          float64      `json:"pnl"`
	Return       float64      `json:"return"`
}

type BacktestReport struct {
	Symbol         string         `json:"symbol"`
	ModelID        string         `json:"model_id,omitempty"`
	Start          time.Time      `json:"start"`
	End            time.Time      `json:"end"`
	Days           int            `json:"days"`
	InitialCapital float64        `json:"initial_capital"`
	FinalValue     float64        `json:"final_value"`
	FinalCash      float64        `json:"final_cash"`
	FinalShares    int64          `json:"final_shares"`
	TotalPnL       float64        `json:"total_pnl"`
	MeanDailyPnL   float64        `json:"mean_daily_pnl"`
	TotalReturn    float64        `json:"total_return"`
	BuyAndHold     float64        `json:"buy_and_hold_return"`
	Sharpe         float64        `json:"sharpe"`
	Sortino        float64        `json:"sortino"`
	MaxDrawdown    float64        `json:"max_drawdown"`
	WinRate        float64        `json:"win_rate"`
	SignalCounts   map[string]int `json:"signal_counts"`
	Daily          []DailyRecord  `json:"daily,omitempty"`
}

// BuildBacktestReport summarises a day-by-day simulation. firstClose is the
// close on the day before the first record and anchors the buy-and-hold
// benchmark.
func BuildBacktestReport(symbol string, initialCapital, firstClose float64, daily []DailyRecord) (BacktestReport, error) {
	if len(daily) == 0 {
		return BacktestReport{}, fmt.Errorf("%w: backtest produced no trading days", model.ErrInsufficientHistory)
	}
	if initialCapital <= 0 || firstClose <= 0 {
		return BacktestReport{}, fmt.Errorf("initial capital and first close must be positive")
	}

	last := daily[len(daily)-1]
	report := BacktestReport{
		Symbol:         symbol,
		Start:          daily[0].Date,
		End:            last.Date,
		Days:           len(daily),
		InitialCapital: initialCapital,
		FinalValue:     last.Value,
		TotalReturn:    last.Value/initialCapital - 1,
		BuyAndHold:     last.Close/firstClose - 1,
		SignalCounts:   make(map[string]int),
		Daily:          daily,
	}

	returns := make([]float64, len(daily))
	values := make([]float64, len(daily))
	wins := 0
	for i, day := range daily {
		returns[i] = day.Return
		values[i] = day.Value
		report.TotalPnL += day.PnL
		if day.PnL > 0 {
			wins++
		}
		report.SignalCounts[string(day.Signal)]++
	}
	report.MeanDailyPnL = report.TotalPnL / float64(len(daily))
	report.WinRate = float64(wins) / float64(len(daily))
	report.Sharpe = Sharpe(returns)
	report.Sortino = Sortino(returns)
	report.MaxDrawdown = MaxDrawdown(append([]float64{initialCapital}, values...))
	return report, nil
}

// Sharpe is the annualised mean over sample standard deviation of daily
// returns.
func Sharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean, _ := nn.Avg(returns)
	return mean / (sampleStd(returns, mean) + ratioEpsilon) * math.Sqrt(TradingDaysPerYear)
}

// Sortino is Sharpe with only losing days in the denominator. It is zero
// when fewer than two losing days exist.
func Sortino(returns []float64) float64 {
	var downside []float64
	for _, r := range returns {
		if r < 0 {
			downside = append(downside, r)
		}
	}
	if len(downside) < 2 {
		return 0
	}
	mean, _ := nn.Avg(returns)
	downMean, _ := nn.Avg(downside)
	return mean / (sampleStd(downside, downMean) + ratioEpsilon) * math.Sqrt(TradingDaysPerYear)
}

// MaxDrawdown is the largest peak-to-trough loss of an equity curve as a
// positive fraction of the peak.
func MaxDrawdown(values []float64) float64 {
	peak, worst := math.Inf(-1), 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

func sampleStd(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)-1))
}

// CompoundReturns returns the running compounded return of a daily series.
func CompoundReturns(daily []float64) []float64 {
	out := make([]float64, len(daily))
	growth := 1.0
	for i, r := range daily {
		growth *= 1 + r
		out[i] = growth - 1
	}
	return out
}
