package scape

import (
	"time"

	"marlsignal/internal/model"
)

// Environment is an episodic multi-agent environment with a shared team
// reward.
type Environment interface {
	Agents() int
	ObsDims() []int
	StateDim() int
	Reset(initial *Portfolio) (Snapshot, error)
	Step(joint model.JointAction) (StepResult, error)
}

// Snapshot is what the agents and the mixer see at one time index.
type Snapshot struct {
	Step         int
	Date         time.Time
	Observations [][]float64
	State        []float64
	Done         bool
}

type StepResult struct {
	Next   Snapshot
	Reward float64
	Info   StepInfo
}

// StepInfo describes the trade executed by one step.
type StepInfo struct {
	TradeDate    time.Time
	Signal       model.Signal
	Score        int
	TradePrice   float64
	TradedShares int64
	PriorValue   float64
	Value        float64
	Cash         float64
	Shares       int64
}
