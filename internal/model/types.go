package model

import (
	"fmt"
	"time"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// ActionDim is the size of every agent's discrete action space.
const ActionDim = 3

// Action is one agent's discrete decision. The numeric value is the index of
// the action in the agent's value vector.
type Action int

const (
	Long  Action = 0
	Hold  Action = 1
	Short Action = 2
)

func (a Action) Valid() bool {
	return a >= Long && a <= Short
}

// Vote is the contribution of the action to the team signal score.
func (a Action) Vote() int {
	switch a {
	case Long:
		return 1
	case Short:
		return -1
	default:
		return 0
	}
}

func (a Action) String() string {
	switch a {
	case Long:
		return "long"
	case Hold:
		return "hold"
	case Short:
		return "short"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// JointAction holds one action per agent, ordered by agent index.
type JointAction []Action

func (j JointAction) Ints() []int {
	out := make([]int, len(j))
	for i, a := range j {
		out[i] = int(a)
	}
	return out
}

// Signal is the aggregated, human-facing trading decision.
type Signal string

const (
	StrongBuy  Signal = "STRONG BUY"
	Buy        Signal = "BUY"
	HoldSignal Signal = "HOLD"
	Sell       Signal = "SELL"
	StrongSell Signal = "STRONG SELL"
)

// Exposure is the directional position implied by the signal: +1 long, -1
// short, 0 flat.
func (s Signal) Exposure() float64 {
	switch s {
	case StrongBuy, Buy:
		return 1
	case StrongSell, Sell:
		return -1
	default:
		return 0
	}
}

func (s Signal) IsBuy() bool  { return s == StrongBuy || s == Buy }
func (s Signal) IsSell() bool { return s == StrongSell || s == Sell }

// Bar is one day of OHLC prices.
type Bar struct {
	Date  time.Time `json:"date"`
	Open  float64   `json:"open"`
	High  float64   `json:"high"`
	Low   float64   `json:"low"`
	Close float64   `json:"close"`
}

// Transition is one environment step as stored in the replay buffer.
type Transition struct {
	State        []float64   `json:"state"`
	Observations [][]float64 `json:"observations"`
	Actions      JointAction `json:"actions"`
	Reward       float64     `json:"reward"`
	NextState    []float64   `json:"next_state"`
	NextObs      [][]float64 `json:"next_observations"`
	Done         bool        `json:"done"`
}

type FeatureImportance struct {
	Name       string  `json:"name"`
	Importance float64 `json:"importance"`
	Value      float64 `json:"value"`
}

type AgentDecision struct {
	Agent         string    `json:"agent"`
	Action        Action    `json:"action"`
	QValues       []float64 `json:"q_values"`
	Probabilities []float64 `json:"probabilities,omitempty"`
	Confidence    float64   `json:"confidence"`
	Gated         bool      `json:"gated,omitempty"`
}

type Prediction struct {
	VersionedRecord
	Date              time.Time           `json:"date"`
	Symbol            string              `json:"symbol"`
	Mode              string              `json:"mode"`
	JointAction       JointAction         `json:"joint_action"`
	Score             int                 `json:"score"`
	Signal            Signal              `json:"signal"`
	TeamQ             float64             `json:"team_q"`
	Agents            []AgentDecision     `json:"agents"`
	FeatureImportance []FeatureImportance `json:"feature_importance"`
}

type HistoricalSignal struct {
	Date           time.Time `json:"date"`
	Signal         Signal    `json:"signal"`
	DailyReturn    float64   `json:"daily_return"`
	StrategyReturn float64   `json:"strategy_return"`
}

// LayerState is the serialized form of one dense layer.
type LayerState struct {
	In      int       `json:"in"`
	Out     int       `json:"out"`
	Weights []float64 `json:"weights"`
	Bias    []float64 `json:"bias"`
}

// NetworkState is the serialized form of one named network component.
type NetworkState struct {
	Name       string       `json:"name"`
	Activation string       `json:"activation"`
	Layers     []LayerState `json:"layers"`
}

// ModelRecord is the persisted blob holding every agent network and the mixer.
type ModelRecord struct {
	VersionedRecord
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	WindowSize int            `json:"window_size"`
	ObsDims    []int          `json:"obs_dims"`
	StateDim   int            `json:"state_dim"`
	Agents     []NetworkState `json:"agents"`
	Mixer      []NetworkState `json:"mixer"`
	Steps      int            `json:"steps"`
	CreatedAt  time.Time      `json:"created_at"`
}

type TrainingRunSummary struct {
	VersionedRecord
	RunID          string    `json:"run_id"`
	Symbol         string    `json:"symbol"`
	ModelID        string    `json:"model_id"`
	Episodes       int       `json:"episodes"`
	Steps          int       `json:"steps"`
	FinalEpsilon   float64   `json:"final_epsilon"`
	MeanLoss       float64   `json:"mean_loss"`
	EpisodeRewards []float64 `json:"episode_rewards"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}
