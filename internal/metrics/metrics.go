package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marlsignal"

// Recorder holds the engine's collectors. A nil *Recorder records nothing.
type Recorder struct {
	TrainSteps      prometheus.Counter
	TDLoss          prometheus.Histogram
	Exploration     prometheus.Gauge
	EpisodeReward   *prometheus.GaugeVec
	TargetSyncs     prometheus.Counter
	Predictions     *prometheus.CounterVec
	PredictionCache *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		TrainSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Gradient updates applied to the agent networks and mixer.",
		}),
		TDLoss: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "td_loss",
			Help:      "Mean squared TD error per training batch.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 14),
		}),
		Exploration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exploration",
			Help:      "Current exploration parameter.",
		}),
		EpisodeReward: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "episode_reward",
			Help:      "Team reward accumulated in the last finished episode.",
		}, []string{"symbol"}),
		TargetSyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "target_syncs_total",
			Help:      "Hard copies of online networks into target networks.",
		}),
		Predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "Predictions served by symbol and signal.",
		}, []string{"symbol", "signal"}),
		PredictionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "prediction_cache_total",
			Help:      "Prediction cache lookups by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{
		r.TrainSteps, r.TDLoss, r.Exploration, r.EpisodeReward, r.TargetSyncs, r.Predictions, r.PredictionCache,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) ObserveTrainStep(loss float64) {
	if r == nil {
		return
	}
	r.TrainSteps.Inc()
	r.TDLoss.Observe(loss)
}

func (r *Recorder) SetExploration(v float64) {
	if r == nil {
		return
	}
	r.Exploration.Set(v)
}

func (r *Recorder) ObserveEpisode(symbol string, reward float64) {
	if r == nil {
		return
	}
	r.EpisodeReward.WithLabelValues(symbol).Set(reward)
}

func (r *Recorder) ObserveTargetSync() {
	if r == nil {
		return
	}
	r.TargetSyncs.Inc()
}

func (r *Recorder) ObservePrediction(symbol, signal string) {
	if r == nil {
		return
	}
	r.Predictions.WithLabelValues(symbol, signal).Inc()
}

func (r *Recorder) ObserveCache(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.PredictionCache.WithLabelValues(result).Inc()
}

// WriteTextfile dumps every metric in g to path in the node exporter
// textfile format.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
