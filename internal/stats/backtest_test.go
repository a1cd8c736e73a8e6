package stats

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marlsignal/internal/model"
)

func TestMaxDrawdown(t *testing.T) {
	require.InDelta(t, 0.5, MaxDrawdown([]float64{100, 120, 60, 90, 130}), 1e-12)
	require.Equal(t, 0.0, MaxDrawdown([]float64{1, 2, 3}))
	require.Equal(t, 0.0, MaxDrawdown(nil))
}

func TestSharpeAndSortino(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.03, -0.01}
	mean := 0.0025
	std := math.Sqrt((0.0075*0.0075 + 0.0225*0.0225 + 0.0275*0.0275 + 0.0125*0.0125) / 3)
	require.InDelta(t, mean/std*math.Sqrt(252), Sharpe(returns), 1e-6)

	downStd := math.Sqrt((0.005*0.005 + 0.005*0.005) / 1)
	require.InDelta(t, mean/downStd*math.Sqrt(252), Sortino(returns), 1e-4)

	require.Equal(t, 0.0, Sharpe([]float64{0.1}))
	require.Equal(t, 0.0, Sortino([]float64{0.1, 0.2, -0.1}))
}

func TestCompoundReturns(t *testing.T) {
	got := CompoundReturns([]float64{0.02, -0.01, 0})
	require.InDelta(t, 0.02, got[0], 1e-12)
	require.InDelta(t, 1.02*0.99-1, got[1], 1e-12)
	require.InDelta(t, got[1], got[2], 1e-12)
}

func TestBuildBacktestReport(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	daily := []DailyRecord{
		{Date: day(2), Signal: model.Buy, Close: 101, Value: 100500, PnL: 500, Return: 0.005},
		{Date: day(3), Signal: model.HoldSignal, Close: 99, Value: 100000, PnL: -500, Return: -0.004975},
		{Date: day(4), Signal: model.Buy, Close: 110, Value: 102000, PnL: 2000, Return: 0.02},
	}
	report, err := BuildBacktestReport("AAPL", 100000, 100, daily)
	require.NoError(t, err)
	require.Equal(t, 3, report.Days)
	require.InDelta(t, 0.02, report.TotalReturn, 1e-12)
	require.InDelta(t, 0.10, report.BuyAndHold, 1e-12)
	require.InDelta(t, 2000.0, report.TotalPnL, 1e-9)
	require.InDelta(t, 2.0/3.0, report.WinRate, 1e-12)
	require.InDelta(t, 500.0/100500.0, report.MaxDrawdown, 1e-12)
	require.Equal(t, 2, report.SignalCounts[string(model.Buy)])
	require.Equal(t, day(2), report.Start)
	require.Equal(t, day(4), report.End)

	_, err = BuildBacktestReport("AAPL", 100000, 100, nil)
	require.True(t, errors.Is(err, model.ErrInsufficientHistory))
}
