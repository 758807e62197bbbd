// Package config loads dbmazzd's configuration from environment
// variables: every variable is named as a constant, required ones are
// validated up front, and optional ones fall back to a documented
// default.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	EnvDatabaseURL      = "DATABASE_URL"
	EnvSlotName         = "SLOT_NAME"
	EnvPublicationName  = "PUBLICATION_NAME"
	EnvTables           = "TABLES"
	EnvStarRocksURL     = "STARROCKS_URL"
	EnvStarRocksDB      = "STARROCKS_DB"
	EnvStarRocksUser    = "STARROCKS_USER"
	EnvStarRocksPass    = "STARROCKS_PASS"
	EnvFlushSize        = "FLUSH_SIZE"
	EnvFlushIntervalMS  = "FLUSH_INTERVAL_MS"
	EnvLogLevel         = "LOG_LEVEL"
	EnvHealthAddr       = "HEALTH_ADDR"
	EnvSinkParallelism  = "SINK_PARALLELISM"
	EnvTruncatePolicy   = "TRUNCATE_POLICY"
	EnvCheckpointTable  = "CHECKPOINT_TABLE"

	DefaultFlushSize        = 1500
	DefaultFlushIntervalMS  = 5000
	DefaultLogLevel         = "INFO"
	DefaultHealthAddr       = ":8090"
	DefaultSinkParallelism  = 1
	DefaultTruncatePolicy   = TruncatePolicyDeleteKnown
	DefaultCheckpointTable  = "dbmazz_checkpoints"

	// TruncatePolicyDeleteKnown emits a synthetic Delete per primary key
	// the decoder has observed for the truncated relation.
	TruncatePolicyDeleteKnown = "delete-known"
	// TruncatePolicySkip drops Truncate messages with a warning.
	TruncatePolicySkip = "skip"
)

// Config holds everything the daemon needs to start.
type Config struct {
	DatabaseURL     string
	SlotName        string
	PublicationName string
	Tables          []string

	StarRocksURL  string
	StarRocksDB   string
	StarRocksUser string
	StarRocksPass string

	FlushSize       int
	FlushIntervalMS int

	LogLevel        string
	HealthAddr      string
	SinkParallelism int
	TruncatePolicy  string
	CheckpointTable string
}

// Load reads and validates configuration from the environment. Missing
// required variables are reported together in a single error, naming
// each one, so an operator sees the whole problem in one run.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:     os.Getenv(EnvDatabaseURL),
		SlotName:        os.Getenv(EnvSlotName),
		PublicationName: os.Getenv(EnvPublicationName),
		StarRocksURL:    os.Getenv(EnvStarRocksURL),
		StarRocksDB:     os.Getenv(EnvStarRocksDB),
		StarRocksUser:   os.Getenv(EnvStarRocksUser),
		StarRocksPass:   os.Getenv(EnvStarRocksPass),
		LogLevel:        getOrDefault(EnvLogLevel, DefaultLogLevel),
		HealthAddr:      getOrDefault(EnvHealthAddr, DefaultHealthAddr),
		TruncatePolicy:  getOrDefault(EnvTruncatePolicy, DefaultTruncatePolicy),
		CheckpointTable: getOrDefault(EnvCheckpointTable, DefaultCheckpointTable),
	}

	if tables := os.Getenv(EnvTables); tables != "" {
		for _, t := range strings.Split(tables, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				cfg.Tables = append(cfg.Tables, t)
			}
		}
	}

	// The handful of knobs an operator plausibly wants to override for
	// one run without touching the environment take a command-line
	// flag too; the flag's own default is whatever the environment (or
	// its built-in default) already resolved to, so an unset flag
	// changes nothing.
	fs := flag.NewFlagSet("dbmazzd", flag.ExitOnError)
	healthAddr := fs.String("health-addr", cfg.HealthAddr, "HTTP address for the /health endpoint (overrides "+EnvHealthAddr+")")
	logLevel := fs.String("log-level", cfg.LogLevel, "log level: TRACE, DEBUG, INFO, WARN, ERROR (overrides "+EnvLogLevel+")")
	truncatePolicy := fs.String("truncate-policy", cfg.TruncatePolicy, "TRUNCATE handling: "+TruncatePolicyDeleteKnown+" or "+TruncatePolicySkip+" (overrides "+EnvTruncatePolicy+")")
	_ = fs.Parse(os.Args[1:])
	cfg.HealthAddr = *healthAddr
	cfg.LogLevel = *logLevel
	cfg.TruncatePolicy = *truncatePolicy

	var missing []string
	if cfg.DatabaseURL == "" {
		missing = append(missing, EnvDatabaseURL)
	}
	if cfg.SlotName == "" {
		missing = append(missing, EnvSlotName)
	}
	if cfg.PublicationName == "" {
		missing = append(missing, EnvPublicationName)
	}
	if len(cfg.Tables) == 0 {
		missing = append(missing, EnvTables)
	}
	if cfg.StarRocksURL == "" {
		missing = append(missing, EnvStarRocksURL)
	}
	if cfg.StarRocksDB == "" {
		missing = append(missing, EnvStarRocksDB)
	}
	if cfg.StarRocksUser == "" {
		missing = append(missing, EnvStarRocksUser)
	}
	if cfg.StarRocksPass == "" {
		missing = append(missing, EnvStarRocksPass)
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("config: missing required environment variables: %s", strings.Join(missing, ", "))
	}

	var err error
	cfg.FlushSize, err = getIntOrDefault(EnvFlushSize, DefaultFlushSize)
	if err != nil {
		return Config{}, err
	}
	cfg.FlushIntervalMS, err = getIntOrDefault(EnvFlushIntervalMS, DefaultFlushIntervalMS)
	if err != nil {
		return Config{}, err
	}
	cfg.SinkParallelism, err = getIntOrDefault(EnvSinkParallelism, DefaultSinkParallelism)
	if err != nil {
		return Config{}, err
	}

	if cfg.TruncatePolicy != TruncatePolicyDeleteKnown && cfg.TruncatePolicy != TruncatePolicySkip {
		return Config{}, fmt.Errorf("config: %s must be %q or %q, got %q",
			EnvTruncatePolicy, TruncatePolicyDeleteKnown, TruncatePolicySkip, cfg.TruncatePolicy)
	}

	return cfg, nil
}

func getOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getIntOrDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}
