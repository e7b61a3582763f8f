package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Engine    EngineConfig    `json:"engine"`
	Salience  SalienceConfig  `json:"salience"`
	Sleep     SleepConfig     `json:"sleep"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// EngineConfig paces the waking pipeline.
type EngineConfig struct {
	CycleMillis          int     `json:"cycle_ms"`
	InterventionMillis   int     `json:"intervention_window_ms"`
	CheckpointEveryCycle int     `json:"checkpoint_every_cycles"`
	Seed                 int64   `json:"seed"`
	ForgetThreshold      float64 `json:"forget_threshold"`
	GateFloor            float64 `json:"gate_floor"`
}

// Cycle returns the waking cycle period.
func (e EngineConfig) Cycle() time.Duration {
	if e.CycleMillis <= 0 {
		return 50 * time.Millisecond
	}
	return time.Duration(e.CycleMillis) * time.Millisecond
}

// InterventionWindow returns how long a candidate stays interruptible.
func (e EngineConfig) InterventionWindow() time.Duration {
	if e.InterventionMillis <= 0 {
		return 5 * time.Second
	}
	return time.Duration(e.InterventionMillis) * time.Millisecond
}

// SalienceConfig sets the scoring weights and the connection drive.
type SalienceConfig struct {
	Emotional  float64 `json:"emotional"`
	Semantic   float64 `json:"semantic"`
	Connection float64 `json:"connection"`
	DriveLevel float64 `json:"drive_level"`
}

// SleepConfig tunes consolidation mode entry and pacing.
type SleepConfig struct {
	IdleThresholdMillis  int     `json:"idle_threshold_ms"`
	MinAwakeMillis       int     `json:"min_awake_duration_ms"`
	MinQueue             int     `json:"min_consolidation_queue"`
	LightSleepPct        float64 `json:"light_sleep_pct"`
	MaxCycles            int     `json:"max_cycles"`
	ReplayBatchSize      int     `json:"replay_batch_size"`
	ReplayPoolLimit      int     `json:"replay_pool_limit"`
	SleepCycleMillis     int     `json:"sleep_cycle_ms"`
	ConsolidateThreshold float64 `json:"consolidate_threshold"`
	ReplayStrengthDelta  float64 `json:"replay_strength_delta"`
	ReplayNovelFraction  float64 `json:"replay_novel_fraction"`
	DecayFactor          float64 `json:"decay_factor"`
	PruneThreshold       float64 `json:"prune_threshold"`
	MaxMemoryRecords     uint64  `json:"max_memory_records"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}
