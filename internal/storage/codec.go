package storage

import (
	"errors"

	"github.com/goccy/go-json"

	"marlsignal/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

func Versioned() model.VersionedRecord {
	return model.VersionedRecord{SchemaVersion: CurrentSchemaVersion, CodecVersion: CurrentCodecVersion}
}

func EncodeModel(rec model.ModelRecord) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodeModel(data []byte) (model.ModelRecord, error) {
	var rec model.ModelRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.ModelRecord{}, err
	}
	if err := checkVersion(rec.VersionedRecord); err != nil {
		return model.ModelRecord{}, err
	}
	return rec, nil
}

func EncodePrediction(p model.Prediction) ([]byte, error) {
	return json.Marshal(p)
}

func DecodePrediction(data []byte) (model.Prediction, error) {
	var p model.Prediction
	if err := json.Unmarshal(data, &p); err != nil {
		return model.Prediction{}, err
	}
	if err := checkVersion(p.VersionedRecord); err != nil {
		return model.Prediction{}, err
	}
	return p, nil
}

func EncodeTrainingRun(s model.TrainingRunSummary) ([]byte, error) {
	return json.Marshal(s)
}

func DecodeTrainingRun(data []byte) (model.TrainingRunSummary, error) {
	var s model.TrainingRunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return model.TrainingRunSummary{}, err
	}
	if err := checkVersion(s.VersionedRecord); err != nil {
		return model.TrainingRunSummary{}, err
	}
	return s, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
