package policy

import (
	"fmt"
	"math"
)

// Schedule gives the exploration parameter after a number of environment
// steps.
type Schedule interface {
	Name() string
	Value(step int) float64
}

type ConstantSchedule struct {
	Level float64
}

func (ConstantSchedule) Name() string { return "constant" }

func (s ConstantSchedule) Value(_ int) float64 { return s.Level }

// LinearDecaySchedule returns max(Floor, Start*(1 - step/DecaySteps)).
type LinearDecaySchedule struct {
	Start      float64
	Floor      float64
	DecaySteps int
}

func (LinearDecaySchedule) Name() string { return "linear_decay" }

func (s LinearDecaySchedule) Value(step int) float64 {
	if s.DecaySteps <= 0 {
		return s.Floor
	}
	v := s.Start * (1 - float64(step)/float64(s.DecaySteps))
	return math.Max(s.Floor, v)
}

// ExponentialDecaySchedule returns max(Floor, Start*Rate^step).
type ExponentialDecaySchedule struct {
	Start float64
	Floor float64
	Rate  float64
}

func (ExponentialDecaySchedule) Name() string { return "exponential_decay" }

func (s ExponentialDecaySchedule) Value(step int) float64 {
	return math.Max(s.Floor, s.Start*math.Pow(s.Rate, float64(step)))
}

type ScheduleConfig struct {
	Kind  string  `yaml:"kind" json:"kind"`
	Start float64 `yaml:"start" json:"start"`
	Floor float64 `yaml:"floor" json:"floor"`
	// Param is the decay horizon in steps for linear_decay and the per-step
	// rate for exponential_decay.
	Param float64 `yaml:"param" json:"param"`
}

func ScheduleFromConfig(cfg ScheduleConfig) (Schedule, error) {
	if cfg.Floor < 0 || cfg.Start < 0 {
		return nil, fmt.Errorf("exploration start and floor must be non-negative")
	}
	switch cfg.Kind {
	case "", "linear_decay", "linear":
		if cfg.Param < 1 {
			return nil, fmt.Errorf("linear decay needs at least one step, got %v", cfg.Param)
		}
		return LinearDecaySchedule{Start: cfg.Start, Floor: cfg.Floor, DecaySteps: int(cfg.Param)}, nil
	case "exponential_decay", "exponential":
		if cfg.Param <= 0 || cfg.Param >= 1 {
			return nil, fmt.Errorf("exponential decay rate must be within (0,1), got %v", cfg.Param)
		}
		return ExponentialDecaySchedule{Start: cfg.Start, Floor: cfg.Floor, Rate: cfg.Param}, nil
	case "constant", "fixed":
		return ConstantSchedule{Level: cfg.Start}, nil
	default:
		return nil, fmt.Errorf("unsupported exploration schedule: %s", cfg.Kind)
	}
}
