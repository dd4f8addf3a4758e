package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	General   GeneralConfig   `toml:"general"`
	Memory    MemoryConfig    `toml:"memory"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	WarmPool  WarmPoolConfig  `toml:"warmpool"`
	Cost      CostConfig      `toml:"cost"`
	Backend   BackendConfig   `toml:"backend"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Logging   LoggingConfig   `toml:"logging"`
}

type GeneralConfig struct {
	DataDir string `toml:"data_dir"`
	GPUID   int    `toml:"gpu_id"`
}

type MemoryConfig struct {
	TotalGB           float64 `toml:"total_gb"`
	ThresholdFraction float64 `toml:"threshold_fraction"`
}

type SchedulerConfig struct {
	Policy              string        `toml:"policy"`
	IdleEvictionMinutes int           `toml:"idle_eviction_minutes"`
	LatencyTopN         int           `toml:"latency_top_n"`
	HybridIdleMinutes   int           `toml:"hybrid_idle_minutes"`
	HybridTrafficFloor  float64       `toml:"hybrid_traffic_floor"`
	ColdStartTimeout    string        `toml:"cold_start_timeout"`
	ColdStartTimeoutD   time.Duration `toml:"-"`
}

type WarmPoolConfig struct {
	MaxWarmModels           int     `toml:"max_warm_models"`
	MinWarmModels           int     `toml:"min_warm_models"`
	WarmThresholdRPH        float64 `toml:"warm_threshold_rph"`
	PeakHours               []int   `toml:"peak_hours"`
	Strategy                string  `toml:"strategy"`
	EnablePredictiveWarming bool    `toml:"enable_predictive_warming"`
}

type CostConfig struct {
	HourlyBudgetUSD         float64       `toml:"hourly_budget_usd"`
	CostPerGBHourUSD        float64       `toml:"cost_per_gb_hour_usd"`
	ColdStartPenaltyUSD     float64       `toml:"cold_start_penalty_usd"`
	PenaltyGrace            string        `toml:"penalty_grace"`
	PeakHourMultiplier      float64       `toml:"peak_hour_multiplier"`
	PeakHours               []int         `toml:"peak_hours"`
	Strategy                string        `toml:"strategy"`
	EnableCostPrediction    bool          `toml:"enable_cost_prediction"`
	CostThresholdForWarming float64       `toml:"cost_threshold_for_warming"`
	PenaltyGraceD           time.Duration `toml:"-"`
}

type BackendConfig struct {
	// Kind selects the serving adapter: "fake", "vllm", "docker".
	Kind string `toml:"kind"`
	// VLLMBinary is the vLLM launcher used by the process adapter.
	VLLMBinary string `toml:"vllm_binary"`
	BasePort   int    `toml:"base_port"`
}

type MetricsConfig struct {
	Enabled          bool          `toml:"enabled"`
	DBPath           string        `toml:"db_path"`
	PersistInterval  string        `toml:"persist_interval"`
	PersistIntervalD time.Duration `toml:"-"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".gpusched")

	return &Config{
		General: GeneralConfig{
			DataDir: dataDir,
			GPUID:   0,
		},
		Memory: MemoryConfig{
			TotalGB:           80.0,
			ThresholdFraction: 0.8,
		},
		Scheduler: SchedulerConfig{
			Policy:              "hybrid",
			IdleEvictionMinutes: 15,
			LatencyTopN:         10,
			HybridIdleMinutes:   5,
			HybridTrafficFloor:  10.0,
			ColdStartTimeout:    "300s",
		},
		WarmPool: WarmPoolConfig{
			MaxWarmModels:           10,
			MinWarmModels:           3,
			WarmThresholdRPH:        5.0,
			PeakHours:               []int{9, 10, 11, 14, 15, 16, 17, 18},
			Strategy:                "traffic_based",
			EnablePredictiveWarming: true,
		},
		Cost: CostConfig{
			HourlyBudgetUSD:         10.0,
			CostPerGBHourUSD:        0.10,
			ColdStartPenaltyUSD:     0.05,
			PenaltyGrace:            "5m",
			PeakHourMultiplier:      1.5,
			PeakHours:               []int{9, 10, 11, 14, 15, 16, 17, 18},
			Strategy:                "balance_cost_latency",
			EnableCostPrediction:    true,
			CostThresholdForWarming: 0.5,
		},
		Backend: BackendConfig{
			Kind:       "fake",
			VLLMBinary: "vllm",
			BasePort:   8000,
		},
		Metrics: MetricsConfig{
			Enabled:         true,
			DBPath:          filepath.Join(dataDir, "gpusched.db"),
			PersistInterval: "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File:   filepath.Join(dataDir, "logs", "gpusched.log"),
		},
	}
}

func LoadFromFile(path string) (*Config, error) {
	expandedPath, err := expandPath(path)
	if err != nil {
		return nil, fmt.Errorf("expand path: %w", err)
	}

	data, err := os.ReadFile(expandedPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	return cfg, nil
}

func (c *Config) postProcess() error {
	var err error

	if c.Scheduler.ColdStartTimeoutD, err = time.ParseDuration(c.Scheduler.ColdStartTimeout); err != nil {
		return fmt.Errorf("parse scheduler.cold_start_timeout: %w", err)
	}

	if c.Cost.PenaltyGraceD, err = time.ParseDuration(c.Cost.PenaltyGrace); err != nil {
		return fmt.Errorf("parse cost.penalty_grace: %w", err)
	}

	if c.Metrics.PersistIntervalD, err = time.ParseDuration(c.Metrics.PersistInterval); err != nil {
		return fmt.Errorf("parse metrics.persist_interval: %w", err)
	}

	c.General.DataDir, err = expandPath(c.General.DataDir)
	if err != nil {
		return fmt.Errorf("expand general.data_dir: %w", err)
	}

	c.Metrics.DBPath, err = expandPath(c.Metrics.DBPath)
	if err != nil {
		return fmt.Errorf("expand metrics.db_path: %w", err)
	}

	c.Logging.File, err = expandPath(c.Logging.File)
	if err != nil {
		return fmt.Errorf("expand logging.file: %w", err)
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Memory.TotalGB <= 0 {
		return fmt.Errorf("memory.total_gb must be positive, got %.2f", c.Memory.TotalGB)
	}

	if c.Memory.ThresholdFraction <= 0 || c.Memory.ThresholdFraction > 1 {
		return fmt.Errorf("memory.threshold_fraction must be in (0, 1], got %.2f", c.Memory.ThresholdFraction)
	}

	validPolicies := map[string]bool{"billing_optimized": true, "latency_optimized": true, "hybrid": true}
	if !validPolicies[c.Scheduler.Policy] {
		return fmt.Errorf("invalid scheduler policy: %s (valid: billing_optimized, latency_optimized, hybrid)", c.Scheduler.Policy)
	}

	if c.Scheduler.LatencyTopN < 1 {
		return fmt.Errorf("scheduler.latency_top_n must be at least 1, got %d", c.Scheduler.LatencyTopN)
	}

	if c.WarmPool.MaxWarmModels < 1 {
		return fmt.Errorf("warmpool.max_warm_models must be at least 1, got %d", c.WarmPool.MaxWarmModels)
	}

	if c.WarmPool.MinWarmModels > c.WarmPool.MaxWarmModels {
		return fmt.Errorf("warmpool.min_warm_models (%d) exceeds max_warm_models (%d)",
			c.WarmPool.MinWarmModels, c.WarmPool.MaxWarmModels)
	}

	validWarmStrategies := map[string]bool{
		"traffic_based": true, "time_based": true, "priority_based": true,
		"cost_optimized": true, "latency_optimized": true,
	}
	if !validWarmStrategies[c.WarmPool.Strategy] {
		return fmt.Errorf("invalid warmpool strategy: %s (valid: traffic_based, time_based, priority_based, cost_optimized, latency_optimized)",
			c.WarmPool.Strategy)
	}

	for _, h := range c.WarmPool.PeakHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("warmpool peak hour out of range: %d", h)
		}
	}

	if c.Cost.HourlyBudgetUSD < 0 {
		return fmt.Errorf("cost.hourly_budget_usd cannot be negative, got %.2f", c.Cost.HourlyBudgetUSD)
	}

	validCostStrategies := map[string]bool{
		"minimize_cost": true, "balance_cost_latency": true, "latency_critical": true, "budget_constrained": true,
	}
	if !validCostStrategies[c.Cost.Strategy] {
		return fmt.Errorf("invalid cost strategy: %s (valid: minimize_cost, balance_cost_latency, latency_critical, budget_constrained)",
			c.Cost.Strategy)
	}

	validBackends := map[string]bool{"fake": true, "vllm": true, "docker": true}
	if !validBackends[c.Backend.Kind] {
		return fmt.Errorf("invalid backend kind: %s (valid: fake, vllm, docker)", c.Backend.Kind)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid logging level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid logging format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GPUSCHED_DATA_DIR"); v != "" {
		cfg.General.DataDir = v
	}
	if v := os.Getenv("GPUSCHED_GPU_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			cfg.General.GPUID = id
		}
	}
	if v := os.Getenv("GPUSCHED_TOTAL_MEMORY_GB"); v != "" {
		if gb, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Memory.TotalGB = gb
		}
	}
	if v := os.Getenv("GPUSCHED_POLICY"); v != "" {
		cfg.Scheduler.Policy = v
	}
	if v := os.Getenv("GPUSCHED_HOURLY_BUDGET"); v != "" {
		if usd, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Cost.HourlyBudgetUSD = usd
		}
	}
	if v := os.Getenv("GPUSCHED_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("GPUSCHED_DB_PATH"); v != "" {
		cfg.Metrics.DBPath = v
	}
	if v := os.Getenv("GPUSCHED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get user home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
	}

	return path, nil
}

func Load(configPath string) (*Config, error) {
	var cfg *Config
	var err error

	if configPath != "" {
		cfg, err = LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", configPath, err)
		}
	} else {
		cfg = Default()
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.postProcess(); err != nil {
		return nil, fmt.Errorf("post process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
