package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"marlsignal/internal/model"
)

var priceColumns = []string{"open", "high", "low", "close"}

// LoadCSV reads a market table whose header holds a date column, the open,
// high, low and close prices, and any number of feature columns.
func LoadCSV(path, symbol string, agents []AgentSpec) (*Dataset, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("market csv path is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open market csv %s: %w", path, err)
	}
	defer f.Close()

	ds, err := ReadCSV(f, symbol, agents)
	if err != nil {
		return nil, fmt.Errorf("market csv %s: %w", path, err)
	}
	return ds, nil
}

// ReadCSV parses a market table. Rows with a blank or NaN value in any
// column the agents need are skipped.
func ReadCSV(in io.Reader, symbol string, agents []AgentSpec) (*Dataset, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent spec is required")
	}
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}

	dateCol, ok := index["date"]
	if !ok {
		return nil, fmt.Errorf("missing date column")
	}
	priceIdx := make([]int, len(priceColumns))
	for i, name := range priceColumns {
		col, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("missing %s column", name)
		}
		priceIdx[i] = col
	}
	featureIdx := make([][]int, len(agents))
	for a, spec := range agents {
		if spec.Name == "" {
			return nil, fmt.Errorf("agent %d has no name", a)
		}
		if len(spec.Features) == 0 {
			return nil, fmt.Errorf("agent %s has no features", spec.Name)
		}
		for _, feature := range spec.Features {
			col, ok := index[strings.ToLower(strings.TrimSpace(feature))]
			if !ok {
				return nil, fmt.Errorf("agent %s: missing feature column %s", spec.Name, feature)
			}
			featureIdx[a] = append(featureIdx[a], col)
		}
	}

	ds := &Dataset{Symbol: symbol}
	for _, spec := range agents {
		ds.Agents = append(ds.Agents, AgentFeatures{
			Name:     spec.Name,
			Features: append([]string(nil), spec.Features...),
		})
	}

	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+1, err)
		}
		row++

		date, err := parseDate(field(record, dateCol))
		if err != nil {
			return nil, fmt.Errorf("parse date row %d: %w", row, err)
		}
		prices := make([]float64, len(priceIdx))
		complete := true
		for i, col := range priceIdx {
			v, ok, err := parseValue(field(record, col))
			if err != nil {
				return nil, fmt.Errorf("parse %s row %d: %w", priceColumns[i], row, err)
			}
			if !ok {
				complete = false
				break
			}
			prices[i] = v
		}
		features := make([][]float64, len(agents))
		for a := 0; complete && a < len(agents); a++ {
			features[a] = make([]float64, len(featureIdx[a]))
			for i, col := range featureIdx[a] {
				v, ok, err := parseValue(field(record, col))
				if err != nil {
					return nil, fmt.Errorf("parse %s row %d: %w", agents[a].Features[i], row, err)
				}
				if !ok {
					complete = false
					break
				}
				features[a][i] = v
			}
		}
		if !complete {
			continue
		}

		ds.Bars = append(ds.Bars, model.Bar{Date: date, Open: prices[0], High: prices[1], Low: prices[2], Close: prices[3]})
		for a := range agents {
			ds.Agents[a].Rows = append(ds.Agents[a].Rows, features[a])
		}
	}

	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

func field(record []string, col int) string {
	if col >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[col])
}

func parseValue(raw string) (float64, bool, error) {
	if raw == "" || strings.EqualFold(raw, "nan") || strings.EqualFold(raw, "null") {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false, nil
	}
	return v, true, nil
}

func parseDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", raw)
}
