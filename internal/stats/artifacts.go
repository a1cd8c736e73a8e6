package stats

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const runIndexFile = "run_index.json"

const (
	configFile   = "config.json"
	episodesFile = "episodes.json"
	seriesFile   = "episode_series.csv"
	reportFile   = "backtest_report.json"
)

type RunConfig struct {
	RunID       string   `json:"run_id"`
	Symbol      string   `json:"symbol"`
	ModelID     string   `json:"model_id,omitempty"`
	Fingerprint string   `json:"config_fingerprint"`
	Agents      []string `json:"agents"`
	WindowSize  int      `json:"window_size"`
	Episodes    int      `json:"episodes"`
	Seed        int64    `json:"seed"`
	Selector    string   `json:"selector"`
	Schedule    string   `json:"schedule"`
	// Settings is the full resolved configuration as written by the caller.
	Settings any `json:"settings,omitempty"`
}

// EpisodeStats is the per-episode training trace.
type EpisodeStats struct {
	Episode     int     `json:"episode"`
	Steps       int     `json:"steps"`
	Reward      float64 `json:"reward"`
	MeanLoss    float64 `json:"mean_loss"`
	Exploration float64 `json:"exploration"`
	FinalValue  float64 `json:"final_value"`
}

type RunArtifacts struct {
	Config   RunConfig       `json:"config"`
	Episodes []EpisodeStats  `json:"episodes"`
	Report   *BacktestReport `json:"report,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Symbol       string  `json:"symbol"`
	ModelID      string  `json:"model_id,omitempty"`
	Episodes     int     `json:"episodes"`
	Seed         int64   `json:"seed"`
	FinalReward  float64 `json:"final_reward"`
	TotalReturn  float64 `json:"total_return"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, episodesFile), artifacts.Episodes); err != nil {
		return "", err
	}
	if err := WriteEpisodeSeries(runDir, artifacts.Episodes); err != nil {
		return "", err
	}
	if artifacts.Report != nil {
		if err := WriteBacktestReport(runDir, *artifacts.Report); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// later appends win ties
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's known files into outDir/runID.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if strings.TrimSpace(runID) == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, episodesFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	reportPath := filepath.Join(src, reportFile)
	if _, err := os.Stat(reportPath); err == nil {
		if err := copyFile(reportPath, filepath.Join(dst, reportFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, configFile), &cfg)
	return cfg, ok, err
}

func ReadEpisodes(baseDir, runID string) ([]EpisodeStats, bool, error) {
	var episodes []EpisodeStats
	ok, err := readJSON(filepath.Join(baseDir, runID, episodesFile), &episodes)
	return episodes, ok, err
}

func WriteBacktestReport(runDir string, report BacktestReport) error {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, reportFile), report)
}

func ReadBacktestReport(baseDir, runID string) (BacktestReport, bool, error) {
	var report BacktestReport
	ok, err := readJSON(filepath.Join(baseDir, runID, reportFile), &report)
	return report, ok, err
}

// WriteEpisodeSeries writes the reward curve as CSV for plotting tools.
func WriteEpisodeSeries(runDir string, episodes []EpisodeStats) error {
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"episode", "reward", "mean_loss", "exploration"}); err != nil {
		return err
	}
	for _, ep := range episodes {
		if err := writer.Write([]string{
			strconv.Itoa(ep.Episode),
			strconv.FormatFloat(ep.Reward, 'f', -1, 64),
			strconv.FormatFloat(ep.MeanLoss, 'f', -1, 64),
			strconv.FormatFloat(ep.Exploration, 'f', -1, 64),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadEpisodeSeries returns the reward column of the episode series.
func ReadEpisodeSeries(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("episode series header must have at least 2 columns")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
