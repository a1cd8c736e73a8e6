package scape

import (
	"fmt"

	"marlsignal/internal/model"
)

// ObservationWidth is the length of an agent observation over features
// columns: the flattened window plus position flag and unrealized return.
func ObservationWidth(window, features int) int {
	return window*features + 2
}

// CheckWindow reports whether [step, step+window-1] lies inside a series
// whose last row is lastIndex.
func CheckWindow(step, window, lastIndex int) error {
	if step < 0 || step+window-1 > lastIndex {
		return fmt.Errorf("%w: start %d with window %d, last index %d", model.ErrWindowOutOfRange, step, window, lastIndex)
	}
	return nil
}

// AgentObservation flattens rows [step, step+window) row-major and appends
// the position flag and unrealized return.
func AgentObservation(rows [][]float64, step, window int, position, unrealized float64) ([]float64, error) {
	if err := CheckWindow(step, window, len(rows)-1); err != nil {
		return nil, err
	}
	width := 0
	if len(rows) > 0 {
		width = len(rows[0])
	}
	out := make([]float64, 0, ObservationWidth(window, width))
	for _, row := range rows[step : step+window] {
		out = append(out, row...)
	}
	return append(out, position, unrealized), nil
}

// GlobalState concatenates every agent observation in agent order, which
// yields all windowed features plus each agent's position/return pair.
func GlobalState(observations [][]float64) []float64 {
	n := 0
	for _, obs := range observations {
		n += len(obs)
	}
	out := make([]float64, 0, n)
	for _, obs := range observations {
		out = append(out, obs...)
	}
	return out
}
