package config

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"marlsignal/internal/attribution"
	"marlsignal/internal/dataset"
	"marlsignal/internal/learner"
	"marlsignal/internal/policy"
	"marlsignal/internal/scape"
)

const envPrefix = "MARLSIGNAL_"

// DataConfig locates the input series. When CSVPath is empty a synthetic
// series of SyntheticDays business days is generated instead. Features are
// expected pre-normalised; Standardize asks the client to z-score them before
// the engine sees them.
type DataConfig struct {
	CSVPath       string `yaml:"csv_path" json:"csv_path"`
	SyntheticDays int    `yaml:"synthetic_days" json:"synthetic_days"`
	TestDays      int    `yaml:"test_days" json:"test_days"`
	Standardize   bool   `yaml:"standardize" json:"standardize"`
}

type TrainingConfig struct {
	Episodes       int                   `yaml:"episodes" json:"episodes"`
	ReplayCapacity int                   `yaml:"replay_capacity" json:"replay_capacity"`
	Exploration    policy.ScheduleConfig `yaml:"exploration" json:"exploration"`
}

type StorageConfig struct {
	Kind         string `yaml:"kind" json:"kind"`
	SQLitePath   string `yaml:"sqlite_path" json:"sqlite_path"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

type Config struct {
	Symbol      string                `yaml:"symbol" json:"symbol"`
	Data        DataConfig            `yaml:"data" json:"data"`
	Agents      []dataset.AgentSpec   `yaml:"agents" json:"agents"`
	Market      scape.MarketConfig    `yaml:"market" json:"market"`
	Learner     learner.Config        `yaml:"learner" json:"learner"`
	Training    TrainingConfig        `yaml:"training" json:"training"`
	Serving     policy.SelectorConfig `yaml:"serving" json:"serving"`
	Attribution attribution.Config    `yaml:"attribution" json:"attribution"`
	Storage     StorageConfig         `yaml:"storage" json:"storage"`
	Log         LogConfig             `yaml:"log" json:"log"`
}

// Default is a three-agent setup over synthetic data.
func Default() Config {
	return Config{
		Symbol: "SYNTH",
		Data:   DataConfig{SyntheticDays: 1000, TestDays: 252},
		Agents: []dataset.AgentSpec{
			{Name: "technical", Features: []string{"rsi", "macd", "bollinger"}},
			{Name: "trend", Features: []string{"sma_gap", "momentum"}},
			{Name: "fundamental", Features: []string{"pe", "pb", "roe"}},
		},
		Market:  scape.DefaultMarketConfig(),
		Learner: learner.DefaultConfig(),
		Training: TrainingConfig{
			Episodes:       20,
			ReplayCapacity: 50000,
			Exploration:    policy.ScheduleConfig{Kind: "linear_decay", Start: 1, Floor: 0.01, Param: 50000},
		},
		Serving:     policy.SelectorConfig{Mode: "temperature", Temperature: 1, MinConfidence: 0.4, MinMargin: 0.05},
		Attribution: attribution.DefaultConfig(),
		Storage:     StorageConfig{Kind: "memory"},
		Log:         LogConfig{Level: "info"},
	}
}

// LoadDotEnv loads .env files into the process environment. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load reads a YAML file over Default(), resolves relative paths against the
// file's directory, applies MARLSIGNAL_* environment overrides and validates.
func Load(path string) (Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", abs, err)
	}
	cfg.ResolvePaths(filepath.Dir(abs))
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// ResolvePaths makes every configured path absolute relative to baseDir.
func (c *Config) ResolvePaths(baseDir string) {
	c.Data.CSVPath = resolve(baseDir, c.Data.CSVPath)
	c.Storage.SQLitePath = resolve(baseDir, c.Storage.SQLitePath)
	c.Storage.ArtifactsDir = resolve(baseDir, c.Storage.ArtifactsDir)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(baseDir, path))
}

// ApplyEnv overrides storage and logging settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envPrefix + "STORE"); ok && v != "" {
		c.Storage.Kind = v
	}
	if v, ok := lookup(envPrefix + "SQLITE_PATH"); ok && v != "" {
		c.Storage.SQLitePath = v
	}
	if v, ok := lookup(envPrefix + "ARTIFACTS_DIR"); ok && v != "" {
		c.Storage.ArtifactsDir = v
	}
	if v, ok := lookup(envPrefix + "LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	if len(c.Agents) > learner.MaxAgents {
		return fmt.Errorf("at most %d agents are supported, got %d", learner.MaxAgents, len(c.Agents))
	}
	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent name is required")
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		seen[a.Name] = true
		if len(a.Features) == 0 {
			return fmt.Errorf("agent %s has no features", a.Name)
		}
	}
	if c.Data.CSVPath == "" && c.Data.SyntheticDays <= c.Market.WindowSize {
		return fmt.Errorf("either data.csv_path or data.synthetic_days > window_size is required")
	}
	if c.Data.TestDays < 0 {
		return fmt.Errorf("test_days must be non-negative, got %d", c.Data.TestDays)
	}
	if err := c.Market.Validate(); err != nil {
		return err
	}
	if err := c.Learner.Validate(); err != nil {
		return err
	}
	if c.Training.Episodes <= 0 {
		return fmt.Errorf("training episodes must be positive, got %d", c.Training.Episodes)
	}
	if c.Training.ReplayCapacity < c.Learner.BatchSize {
		return fmt.Errorf("replay capacity %d is smaller than batch size %d", c.Training.ReplayCapacity, c.Learner.BatchSize)
	}
	if _, err := policy.ScheduleFromConfig(c.Training.Exploration); err != nil {
		return err
	}
	if _, err := policy.SelectorFromConfig(c.Serving); err != nil {
		return err
	}
	if _, err := attribution.NewExplainer(c.Attribution); err != nil {
		return err
	}
	switch c.Storage.Kind {
	case "", "memory":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("unsupported storage kind: %s", c.Storage.Kind)
	}
	return nil
}

// AgentNames lists agents in configuration order.
func (c Config) AgentNames() []string {
	names := make([]string, len(c.Agents))
	for i, a := range c.Agents {
		names[i] = a.Name
	}
	return names
}

// Fingerprint hashes every setting that can change a prediction. Storage,
// logging and training-loop settings are excluded.
func (c Config) Fingerprint() (string, error) {
	canonical := struct {
		Symbol      string                `json:"symbol"`
		Agents      []dataset.AgentSpec   `json:"agents"`
		Data        DataConfig            `json:"data"`
		Market      scape.MarketConfig    `json:"market"`
		Learner     learner.Config        `json:"learner"`
		Serving     policy.SelectorConfig `json:"serving"`
		Attribution attribution.Config    `json:"attribution"`
	}{
		Symbol:      strings.ToUpper(c.Symbol),
		Agents:      c.Agents,
		Data:        c.Data,
		Market:      c.Market,
		Learner:     c.Learner,
		Serving:     c.Serving,
		Attribution: c.Attribution,
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}
