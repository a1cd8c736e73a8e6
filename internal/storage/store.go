package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"marlsignal/internal/model"
)

// Store persists trained models, cached daily predictions and training run
// summaries.
type Store interface {
	Init(ctx context.Context) error
	SaveModel(ctx context.Context, rec model.ModelRecord) error
	GetModel(ctx context.Context, id string) (model.ModelRecord, bool, error)
	LatestModel(ctx context.Context, symbol string) (model.ModelRecord, bool, error)
	SavePrediction(ctx context.Context, key PredictionKey, p model.Prediction) error
	GetPrediction(ctx context.Context, key PredictionKey) (model.Prediction, bool, error)
	SaveTrainingRun(ctx context.Context, summary model.TrainingRunSummary) error
	GetTrainingRun(ctx context.Context, runID string) (model.TrainingRunSummary, bool, error)
	ListTrainingRuns(ctx context.Context, symbol string) ([]model.TrainingRunSummary, error)
}

// PredictionKey identifies one memoized daily prediction. Config is a
// fingerprint of every setting that can change the prediction.
type PredictionKey struct {
	Date   time.Time
	Symbol string
	Mode   string
	Config string
}

func (k PredictionKey) String() string {
	return strings.Join([]string{k.Date.Format(time.DateOnly), strings.ToUpper(k.Symbol), k.Mode, k.Config}, "|")
}

func (k PredictionKey) Validate() error {
	if k.Date.IsZero() || k.Symbol == "" || k.Mode == "" {
		return fmt.Errorf("prediction key needs date, symbol and mode: %s", k)
	}
	return nil
}
