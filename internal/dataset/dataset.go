package dataset

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"marlsignal/internal/model"
)

// AgentSpec names one agent and the feature columns it observes.
type AgentSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Features []string `yaml:"features" json:"features"`
}

// AgentFeatures is one agent's feature matrix, one row per date.
type AgentFeatures struct {
	Name     string
	Features []string
	Rows     [][]float64
}

// Dataset holds the price series and every agent's feature matrix on the
// same ascending dates.
type Dataset struct {
	Symbol string
	Bars   []model.Bar
	Agents []AgentFeatures
}

func (d *Dataset) Len() int { return len(d.Bars) }

func (d *Dataset) LastIndex() int { return len(d.Bars) - 1 }

func (d *Dataset) Validate() error {
	if len(d.Bars) == 0 {
		return fmt.Errorf("dataset %s has no rows", d.Symbol)
	}
	if len(d.Agents) == 0 {
		return fmt.Errorf("dataset %s has no agents", d.Symbol)
	}
	for i := 1; i < len(d.Bars); i++ {
		if !d.Bars[i].Date.After(d.Bars[i-1].Date) {
			return fmt.Errorf("dataset %s dates not strictly ascending at row %d", d.Symbol, i)
		}
	}
	for _, bar := range d.Bars {
		if bar.Low <= 0 || bar.High <= 0 || bar.Close <= 0 {
			return fmt.Errorf("dataset %s has non-positive price on %s", d.Symbol, bar.Date.Format(time.DateOnly))
		}
	}
	for _, agent := range d.Agents {
		if len(agent.Features) == 0 {
			return fmt.Errorf("agent %s has no features", agent.Name)
		}
		if len(agent.Rows) != len(d.Bars) {
			return fmt.Errorf("agent %s has %d rows for %d dates", agent.Name, len(agent.Rows), len(d.Bars))
		}
		for i, row := range agent.Rows {
			if len(row) != len(agent.Features) {
				return fmt.Errorf("agent %s row %d has %d values for %d features", agent.Name, i, len(row), len(agent.Features))
			}
		}
	}
	return nil
}

// IndexOf returns the row for an exact calendar date.
func (d *Dataset) IndexOf(date time.Time) (int, bool) {
	day := date.Format(time.DateOnly)
	i := sort.Search(len(d.Bars), func(i int) bool {
		return d.Bars[i].Date.Format(time.DateOnly) >= day
	})
	if i < len(d.Bars) && d.Bars[i].Date.Format(time.DateOnly) == day {
		return i, true
	}
	return 0, false
}

// Slice returns rows [from, to) sharing no mutable state with d.
func (d *Dataset) Slice(from, to int) (*Dataset, error) {
	if from < 0 || to > len(d.Bars) || from >= to {
		return nil, fmt.Errorf("invalid slice [%d,%d) of %d rows", from, to, len(d.Bars))
	}
	out := &Dataset{Symbol: d.Symbol, Bars: append([]model.Bar(nil), d.Bars[from:to]...)}
	for _, agent := range d.Agents {
		rows := make([][]float64, 0, to-from)
		for _, row := range agent.Rows[from:to] {
			rows = append(rows, append([]float64(nil), row...))
		}
		out.Agents = append(out.Agents, AgentFeatures{
			Name:     agent.Name,
			Features: append([]string(nil), agent.Features...),
			Rows:     rows,
		})
	}
	return out, nil
}

// SplitMode selects the part of the series used by a run mode. "train" keeps
// everything except the last testDays rows; "test" keeps the last testDays
// rows plus the window needed to observe the first of them; "all" keeps
// everything.
func (d *Dataset) SplitMode(mode string, window, testDays int) (*Dataset, error) {
	n := len(d.Bars)
	switch strings.TrimSpace(strings.ToLower(mode)) {
	case "", "all":
		return d.Slice(0, n)
	case "train", "gt":
		if testDays <= 0 || testDays >= n {
			return nil, fmt.Errorf("%w: %d rows cannot hold out %d test days", model.ErrInsufficientHistory, n, testDays)
		}
		return d.Slice(0, n-testDays)
	case "test", "validation":
		from := n - testDays - window
		if testDays <= 0 || from < 0 {
			return nil, fmt.Errorf("%w: %d rows cannot provide %d test days with window %d", model.ErrInsufficientHistory, n, testDays, window)
		}
		return d.Slice(from, n)
	default:
		return nil, fmt.Errorf("unsupported split mode: %s", mode)
	}
}

// Standardize rescales every feature to zero mean and unit variance using
// statistics from the first fitRows rows only.
func (d *Dataset) Standardize(fitRows int) error {
	if fitRows <= 1 || fitRows > len(d.Bars) {
		return fmt.Errorf("standardize needs 2..%d fit rows, got %d", len(d.Bars), fitRows)
	}
	for _, agent := range d.Agents {
		for col := range agent.Features {
			mean, sq := 0.0, 0.0
			for _, row := range agent.Rows[:fitRows] {
				mean += row[col]
			}
			mean /= float64(fitRows)
			for _, row := range agent.Rows[:fitRows] {
				diff := row[col] - mean
				sq += diff * diff
			}
			std := math.Sqrt(sq / float64(fitRows))
			if std == 0 {
				std = 1
			}
			for _, row := range agent.Rows {
				row[col] = (row[col] - mean) / std
			}
		}
	}
	return nil
}
