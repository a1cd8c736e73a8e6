package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)

	r.ObserveTrainStep(0.25)
	r.ObserveTrainStep(0.5)
	r.SetExploration(0.3)
	r.ObserveEpisode("AAPL", 0.12)
	r.ObservePrediction("AAPL", "BUY")
	r.ObserveCache(true)
	r.ObserveCache(false)
	r.ObserveCache(false)
	r.ObserveTargetSync()

	require.Equal(t, 2.0, testutil.ToFloat64(r.TrainSteps))
	require.Equal(t, 0.3, testutil.ToFloat64(r.Exploration))
	require.Equal(t, 0.12, testutil.ToFloat64(r.EpisodeReward.WithLabelValues("AAPL")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.Predictions.WithLabelValues("AAPL", "BUY")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.PredictionCache.WithLabelValues("miss")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.TargetSyncs))
	require.Equal(t, 1, testutil.CollectAndCount(r.TDLoss))
}

func TestNewRejectsDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.ObserveTrainStep(1)
	r.ObservePrediction("AAPL", "HOLD")
	r.ObserveCache(true)
}

func TestWriteTextfile(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New(reg)
	require.NoError(t, err)
	r.ObserveTrainStep(0.1)

	path := filepath.Join(t.TempDir(), "marlsignal.prom")
	require.NoError(t, WriteTextfile(path, reg))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "marlsignal_train_steps_total 1"))
}
