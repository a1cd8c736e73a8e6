package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"marlsignal/internal/model"
)

type SyntheticConfig struct {
	Symbol     string
	Days       int
	StartPrice float64
	Start      time.Time
	Seed       int64
}

// Synthetic generates a business-day random-walk price series. Feature k of
// each agent is the trailing return over k+1 days, squashed with tanh, so the
// feature matrices carry real information about the series.
func Synthetic(cfg SyntheticConfig, agents []AgentSpec) (*Dataset, error) {
	if cfg.Days <= 1 {
		return nil, fmt.Errorf("synthetic series needs at least 2 days, got %d", cfg.Days)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent spec is required")
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	ds := &Dataset{Symbol: cfg.Symbol}
	closes := make([]float64, 0, cfg.Days)
	date := cfg.Start
	price := cfg.StartPrice
	for len(ds.Bars) < cfg.Days {
		if date.Weekday() == time.Saturday || date.Weekday() == time.Sunday {
			date = date.AddDate(0, 0, 1)
			continue
		}
		open := price
		price = math.Max(1, price*(1+0.0003+0.015*rng.NormFloat64()))
		high := math.Max(open, price) * (1 + 0.005*rng.Float64())
		low := math.Min(open, price) * (1 - 0.005*rng.Float64())
		ds.Bars = append(ds.Bars, model.Bar{Date: date, Open: open, High: high, Low: low, Close: price})
		closes = append(closes, price)
		date = date.AddDate(0, 0, 1)
	}

	for _, spec := range agents {
		if len(spec.Features) == 0 {
			return nil, fmt.Errorf("agent %s has no features", spec.Name)
		}
		af := AgentFeatures{Name: spec.Name, Features: append([]string(nil), spec.Features...)}
		for t := range closes {
			row := make([]float64, len(spec.Features))
			for k := range row {
				lag := k + 1
				if t >= lag {
					row[k] = math.Tanh(20 * (closes[t]/closes[t-lag] - 1))
				}
			}
			af.Rows = append(af.Rows, row)
		}
		ds.Agents = append(ds.Agents, af)
	}
	return ds, ds.Validate()
}
