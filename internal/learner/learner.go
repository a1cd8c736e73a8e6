package learner

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"marlsignal/internal/agent"
	"marlsignal/internal/mixer"
	"marlsignal/internal/model"
	"marlsignal/internal/nn"
	"marlsignal/internal/policy"
	"marlsignal/internal/replay"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1

	// MaxAgents bounds the team so the ActionDim^N joint grid stays small.
	MaxAgents = 8
)

type Config struct {
	Gamma             float64 `yaml:"gamma" json:"gamma"`
	LearningRate      float64 `yaml:"learning_rate" json:"learning_rate"`
	BatchSize         int     `yaml:"batch_size" json:"batch_size"`
	GradClip          float64 `yaml:"grad_clip" json:"grad_clip"`
	TargetUpdateEvery int     `yaml:"target_update_every" json:"target_update_every"`
	AgentHidden       []int   `yaml:"agent_hidden" json:"agent_hidden"`
	MixerEmbed        int     `yaml:"mixer_embed" json:"mixer_embed"`
	HyperHidden       int     `yaml:"hyper_hidden" json:"hyper_hidden"`
	Seed              int64   `yaml:"seed" json:"seed"`
}

func DefaultConfig() Config {
	return Config{
		Gamma:             0.99,
		LearningRate:      5e-4,
		BatchSize:         32,
		GradClip:          10,
		TargetUpdateEvery: 200,
		AgentHidden:       []int{64, 64},
		MixerEmbed:        32,
		HyperHidden:       64,
		Seed:              1,
	}
}

func (c Config) Validate() error {
	if c.Gamma < 0 || c.Gamma > 1 {
		return fmt.Errorf("gamma must be within [0,1], got %v", c.Gamma)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.TargetUpdateEvery <= 0 {
		return fmt.Errorf("target update interval must be positive, got %d", c.TargetUpdateEvery)
	}
	if c.MixerEmbed <= 0 {
		return fmt.Errorf("mixer embed width must be positive, got %d", c.MixerEmbed)
	}
	return nil
}

// Shape describes the agents and global state a learner is built for.
type Shape struct {
	AgentNames []string
	ObsDims    []int
	StateDim   int
}

func (s Shape) validate() error {
	if len(s.AgentNames) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	if len(s.AgentNames) > MaxAgents {
		return fmt.Errorf("at most %d agents are supported, got %d", MaxAgents, len(s.AgentNames))
	}
	if len(s.AgentNames) != len(s.ObsDims) {
		return fmt.Errorf("%d agent names for %d observation widths", len(s.AgentNames), len(s.ObsDims))
	}
	if s.StateDim <= 0 {
		return fmt.Errorf("state width must be positive, got %d", s.StateDim)
	}
	return nil
}

// Learner owns every agent network, the mixer, their target copies and the
// optimizer over the joint parameter set.
type Learner struct {
	cfg   Config
	shape Shape

	agents       []*agent.QNetwork
	targetAgents []*agent.QNetwork
	mixer        *mixer.Mixer
	targetMixer  *mixer.Mixer

	params   []*nn.Vec
	opt      *nn.Adam
	selector policy.Selector
	rng      *rand.Rand

	trainSteps int
}

// New builds freshly initialised networks from cfg.Seed. rng drives action
// selection only.
func New(cfg Config, shape Shape, selector policy.Selector, rng *rand.Rand) (*Learner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := shape.validate(); err != nil {
		return nil, err
	}
	if selector == nil {
		return nil, fmt.Errorf("action selector is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("selection random source is required")
	}

	initRNG := rand.New(rand.NewSource(cfg.Seed))
	l := &Learner{cfg: cfg, shape: shape, selector: selector, rng: rng}
	for i, name := range shape.AgentNames {
		online, err := agent.NewQNetwork(name, shape.ObsDims[i], cfg.AgentHidden, initRNG)
		if err != nil {
			return nil, err
		}
		target, err := agent.NewQNetwork(name, shape.ObsDims[i], cfg.AgentHidden, initRNG)
		if err != nil {
			return nil, err
		}
		l.agents = append(l.agents, online)
		l.targetAgents = append(l.targetAgents, target)
	}
	mixCfg := mixer.Config{
		Agents:      len(shape.AgentNames),
		StateDim:    shape.StateDim,
		Embed:       cfg.MixerEmbed,
		HyperHidden: cfg.HyperHidden,
	}
	var err error
	if l.mixer, err = mixer.New(mixCfg, initRNG); err != nil {
		return nil, err
	}
	if l.targetMixer, err = mixer.New(mixCfg, initRNG); err != nil {
		return nil, err
	}
	if err := l.UpdateTargetNetworks(); err != nil {
		return nil, err
	}

	for _, a := range l.agents {
		l.params = append(l.params, a.Params()...)
	}
	l.params = append(l.params, l.mixer.Params()...)
	l.opt = nn.NewAdam(l.params, cfg.LearningRate)
	return l, nil
}

func (l *Learner) Config() Config                { return l.cfg }
func (l *Learner) Shape() Shape                  { return l.shape }
func (l *Learner) Agents() []*agent.QNetwork     { return l.agents }
func (l *Learner) Mixer() *mixer.Mixer           { return l.mixer }
func (l *Learner) Selector() policy.Selector     { return l.selector }
func (l *Learner) TrainSteps() int               { return l.trainSteps }
func (l *Learner) SetSelector(s policy.Selector) { l.selector = s }

func (l *Learner) checkAgentCount(n int) error {
	if n != len(l.agents) {
		return fmt.Errorf("%w: expected %d agent observations, got %d", model.ErrObservationShape, len(l.agents), n)
	}
	return nil
}

// QValues evaluates every agent without recording gradients.
func (l *Learner) QValues(obs [][]float64) ([][]float64, error) {
	if err := l.checkAgentCount(len(obs)); err != nil {
		return nil, err
	}
	out := make([][]float64, len(obs))
	for i, a := range l.agents {
		q, err := a.QValues(obs[i])
		if err != nil {
			return nil, err
		}
		out[i] = q
	}
	return out, nil
}

// SelectActions picks one action per agent with the configured selector.
func (l *Learner) SelectActions(obs [][]float64, exploration float64) (model.JointAction, []policy.Decision, error) {
	qs, err := l.QValues(obs)
	if err != nil {
		return nil, nil, err
	}
	joint := make(model.JointAction, len(qs))
	decisions := make([]policy.Decision, len(qs))
	for i, q := range qs {
		d, err := l.selector.Select(q, exploration, l.rng)
		if err != nil {
			return nil, nil, fmt.Errorf("agent %s: %w", l.shape.AgentNames[i], err)
		}
		joint[i] = d.Action
		decisions[i] = d
	}
	return joint, decisions, nil
}

// TeamValue is the mixer output for a given joint action.
func (l *Learner) TeamValue(obs [][]float64, state []float64, joint model.JointAction) (float64, error) {
	qs, err := l.QValues(obs)
	if err != nil {
		return 0, err
	}
	if err := l.checkAgentCount(len(joint)); err != nil {
		return 0, err
	}
	chosen := make([]float64, len(qs))
	for i, a := range joint {
		if !a.Valid() {
			return 0, fmt.Errorf("agent %s: invalid action %d", l.shape.AgentNames[i], int(a))
		}
		chosen[i] = qs[i][a]
	}
	return l.mixer.QTotal(chosen, state)
}

type JointValue struct {
	Actions model.JointAction `json:"actions"`
	QTotal  float64           `json:"q_total"`
}

// JointValues scores every one of the ActionDim^N joint actions through the
// mixer, in lexicographic order of actions.
func (l *Learner) JointValues(obs [][]float64, state []float64) ([]JointValue, error) {
	qs, err := l.QValues(obs)
	if err != nil {
		return nil, err
	}
	n := len(qs)
	total := 1
	for i := 0; i < n; i++ {
		total *= model.ActionDim
	}
	out := make([]JointValue, 0, total)
	chosen := make([]float64, n)
	for code := 0; code < total; code++ {
		joint := make(model.JointAction, n)
		rest := code
		for i := n - 1; i >= 0; i-- {
			joint[i] = model.Action(rest % model.ActionDim)
			rest /= model.ActionDim
			chosen[i] = qs[i][joint[i]]
		}
		v, err := l.mixer.QTotal(chosen, state)
		if err != nil {
			return nil, err
		}
		out = append(out, JointValue{Actions: joint, QTotal: v})
	}
	return out, nil
}

type TrainStats struct {
	Skipped    bool
	Loss       float64
	GradNorm   float64
	MeanQ      float64
	MeanTarget float64
	Steps      int
}

// Train samples a minibatch and applies one joint update. It is a no-op while
// the buffer holds fewer transitions than the batch size.
func (l *Learner) Train(buf *replay.Buffer) (TrainStats, error) {
	if buf.Len() < l.cfg.BatchSize {
		return TrainStats{Skipped: true, Steps: l.trainSteps}, nil
	}
	batch, err := buf.Sample(l.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, replay.ErrNotEnoughTransitions) {
			return TrainStats{Skipped: true, Steps: l.trainSteps}, nil
		}
		return TrainStats{}, err
	}
	return l.TrainBatch(batch)
}

// TrainBatch minimises the mean squared TD error of the batch jointly over
// every agent network and the mixer.
func (l *Learner) TrainBatch(batch []model.Transition) (TrainStats, error) {
	nn.ZeroGrad(l.params)
	tape := nn.NewTape()
	preds := make([]*nn.Vec, 0, len(batch))
	targets := make([]float64, 0, len(batch))
	var sumQ, sumTarget float64

	for b, tr := range batch {
		if err := l.checkTransition(tr); err != nil {
			return TrainStats{}, fmt.Errorf("transition %d: %w", b, err)
		}
		chosen := make([]*nn.Vec, len(l.agents))
		for i, a := range l.agents {
			q, err := a.Forward(tape, nn.Const(tr.Observations[i]))
			if err != nil {
				return TrainStats{}, err
			}
			chosen[i] = tape.Pick(q, int(tr.Actions[i]))
		}
		qTot, err := l.mixer.Forward(tape, tape.Concat(chosen...), nn.Const(tr.State))
		if err != nil {
			return TrainStats{}, err
		}
		target, err := l.target(tr)
		if err != nil {
			return TrainStats{}, err
		}
		preds = append(preds, qTot)
		targets = append(targets, target)
		sumQ += qTot.Data[0]
		sumTarget += target
	}

	loss, err := tape.MeanSquaredError(preds, targets)
	if err != nil {
		return TrainStats{}, err
	}
	if !nn.Finite(loss.Data[0]) {
		nn.ZeroGrad(l.params)
		return TrainStats{}, fmt.Errorf("%w: loss=%v at train step %d", model.ErrNonFiniteLoss, loss.Data[0], l.trainSteps)
	}
	if err := tape.Backward(loss); err != nil {
		return TrainStats{}, err
	}
	norm := nn.ClipGradNorm(l.params, l.cfg.GradClip)
	if !nn.Finite(norm) {
		nn.ZeroGrad(l.params)
		return TrainStats{}, fmt.Errorf("%w: gradient norm=%v at train step %d", model.ErrNonFiniteLoss, norm, l.trainSteps)
	}
	l.opt.Step()
	l.trainSteps++

	n := float64(len(batch))
	return TrainStats{
		Loss:       loss.Data[0],
		GradNorm:   norm,
		MeanQ:      sumQ / n,
		MeanTarget: sumTarget / n,
		Steps:      l.trainSteps,
	}, nil
}

// target is r + gamma * Q_total_target(s', argmax a' under the target agents),
// with no bootstrap on terminal transitions.
func (l *Learner) target(tr model.Transition) (float64, error) {
	if tr.Done {
		return tr.Reward, nil
	}
	next := make([]float64, len(l.targetAgents))
	for i, a := range l.targetAgents {
		q, err := a.QValues(tr.NextObs[i])
		if err != nil {
			return 0, err
		}
		next[i] = q[nn.Argmax(q)]
	}
	v, err := l.targetMixer.QTotal(next, tr.NextState)
	if err != nil {
		return 0, err
	}
	return tr.Reward + l.cfg.Gamma*v, nil
}

func (l *Learner) checkTransition(tr model.Transition) error {
	if err := l.checkAgentCount(len(tr.Observations)); err != nil {
		return err
	}
	if err := l.checkAgentCount(len(tr.Actions)); err != nil {
		return err
	}
	for i, a := range tr.Actions {
		if !a.Valid() {
			return fmt.Errorf("agent %s: invalid action %d", l.shape.AgentNames[i], int(a))
		}
	}
	if !tr.Done {
		if err := l.checkAgentCount(len(tr.NextObs)); err != nil {
			return err
		}
	}
	if !nn.Finite(tr.Reward) {
		return fmt.Errorf("%w: reward=%v", model.ErrNonFiniteLoss, tr.Reward)
	}
	return nil
}

// UpdateTargetNetworks hard-copies every online network into its target.
func (l *Learner) UpdateTargetNetworks() error {
	for i, a := range l.agents {
		if err := l.targetAgents[i].CopyFrom(a); err != nil {
			return err
		}
	}
	return l.targetMixer.CopyFrom(l.mixer)
}

// ShouldSyncTargets reports whether envSteps lands on a target sync boundary.
func (l *Learner) ShouldSyncTargets(envSteps int) bool {
	return envSteps > 0 && envSteps%l.cfg.TargetUpdateEvery == 0
}

// Snapshot captures every online network in one versioned record.
func (l *Learner) Snapshot(id, symbol string, window int) model.ModelRecord {
	rec := model.ModelRecord{
		VersionedRecord: model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion},
		ID:              id,
		Symbol:          symbol,
		WindowSize:      window,
		ObsDims:         append([]int(nil), l.shape.ObsDims...),
		StateDim:        l.shape.StateDim,
		Mixer:           l.mixer.State(),
		Steps:           l.trainSteps,
		CreatedAt:       time.Now().UTC(),
	}
	for _, a := range l.agents {
		rec.Agents = append(rec.Agents, a.State())
	}
	return rec
}

// Clone builds an independent learner with the same configuration, selection
// source and online weights. Its targets start equal to the online networks
// and its optimizer state is fresh.
func (l *Learner) Clone(selector policy.Selector) (*Learner, error) {
	c, err := New(l.cfg, l.shape, selector, l.rng)
	if err != nil {
		return nil, err
	}
	if err := c.Restore(l.Snapshot("", "", 0)); err != nil {
		return nil, err
	}
	return c, nil
}

// Restore loads a record into the online and target networks. The whole
// record is validated first; on any mismatch nothing is changed.
func (l *Learner) Restore(rec model.ModelRecord) error {
	if rec.SchemaVersion != CurrentSchemaVersion || rec.CodecVersion != CurrentCodecVersion {
		return fmt.Errorf("%w: model schema=%d codec=%d", model.ErrDimensionMismatch, rec.SchemaVersion, rec.CodecVersion)
	}
	if len(rec.Agents) != len(l.agents) {
		return fmt.Errorf("%w: model has %d agents, learner has %d", model.ErrDimensionMismatch, len(rec.Agents), len(l.agents))
	}
	if rec.StateDim != l.shape.StateDim {
		return fmt.Errorf("%w: model state width %d, learner %d", model.ErrDimensionMismatch, rec.StateDim, l.shape.StateDim)
	}
	for i, a := range l.agents {
		if rec.Agents[i].Name != a.ID() {
			return fmt.Errorf("%w: model agent %d is %s, learner has %s", model.ErrDimensionMismatch, i, rec.Agents[i].Name, a.ID())
		}
		if err := a.Check(rec.Agents[i]); err != nil {
			return err
		}
	}
	if err := l.mixer.Check(rec.Mixer); err != nil {
		return err
	}

	for i, a := range l.agents {
		if err := a.Load(rec.Agents[i]); err != nil {
			return err
		}
	}
	if err := l.mixer.Load(rec.Mixer); err != nil {
		return err
	}
	l.trainSteps = rec.Steps
	return l.UpdateTargetNetworks()
}
