// Package config loads runtime configuration for the hotpath/coldpath
// daemons and migration tool.
//
// The teacher (chidi150c/coinbase) hydrates a flat Config struct from
// process env vars with sane defaults (config.go/env.go: getEnv,
// getEnvFloat, getEnvBool, getEnvInt). This engine generalizes that same
// "struct of knobs with defaults" shape onto github.com/spf13/viper so a
// single YAML file or env vars can populate it — the ambient
// config concern scales up the same way the teacher's deployment grew from
// one .env file to Phase-7 toggles.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime knob for both daemons and the migration tool.
type Config struct {
	// Postgres event/snapshot store.
	PostgresDSN         string
	PostgresMaxOpenConn int

	// Redis idempotency fast-tier.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Kafka outbound streams.
	KafkaBrokers []string

	// Hotpath tuning.
	HotpathMaxRetries    int
	HotpathRetryBaseWait time.Duration
	HotpathWorkers       int

	// Coldpath tuning.
	ColdpathWorkers int

	// Contract rules cache.
	ContractRulesTTL         time.Duration
	ContractRulesHardTimeout time.Duration
	DefaultTaxLotMethod      string

	// Idempotency retention.
	IdempotencyTTL time.Duration

	// Ops.
	Port    int
	DevMode bool
}

// Load reads configuration from (in ascending priority) defaults, a config
// file at path (if non-empty and present), and SWAPENGINE_-prefixed env
// vars, mirroring the teacher's env-first-with-defaults approach.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SWAPENGINE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("postgres.dsn", "postgres://localhost:5432/swapengine?sslmode=disable")
	v.SetDefault("postgres.max_open_conn", 20)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("hotpath.max_retries", 3)
	v.SetDefault("hotpath.retry_base_wait", "20ms")
	v.SetDefault("hotpath.workers", 8)
	v.SetDefault("coldpath.workers", 4)
	v.SetDefault("contract_rules.ttl", "5m")
	v.SetDefault("contract_rules.hard_timeout", "40ms")
	v.SetDefault("contract_rules.default_method", "FIFO")
	v.SetDefault("idempotency.ttl", "2160h") // 90 days
	v.SetDefault("port", 8080)
	v.SetDefault("dev_mode", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
			}
		}
	}

	retryWait, err := time.ParseDuration(v.GetString("hotpath.retry_base_wait"))
	if err != nil {
		return Config{}, fmt.Errorf("config: hotpath.retry_base_wait: %w", err)
	}
	rulesTTL, err := time.ParseDuration(v.GetString("contract_rules.ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("config: contract_rules.ttl: %w", err)
	}
	rulesTimeout, err := time.ParseDuration(v.GetString("contract_rules.hard_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("config: contract_rules.hard_timeout: %w", err)
	}
	idemTTL, err := time.ParseDuration(v.GetString("idempotency.ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("config: idempotency.ttl: %w", err)
	}

	return Config{
		PostgresDSN:              v.GetString("postgres.dsn"),
		PostgresMaxOpenConn:      v.GetInt("postgres.max_open_conn"),
		RedisAddr:                v.GetString("redis.addr"),
		RedisPassword:            v.GetString("redis.password"),
		RedisDB:                  v.GetInt("redis.db"),
		KafkaBrokers:             v.GetStringSlice("kafka.brokers"),
		HotpathMaxRetries:        v.GetInt("hotpath.max_retries"),
		HotpathRetryBaseWait:     retryWait,
		HotpathWorkers:           v.GetInt("hotpath.workers"),
		ColdpathWorkers:          v.GetInt("coldpath.workers"),
		ContractRulesTTL:         rulesTTL,
		ContractRulesHardTimeout: rulesTimeout,
		DefaultTaxLotMethod:      v.GetString("contract_rules.default_method"),
		IdempotencyTTL:           idemTTL,
		Port:                     v.GetInt("port"),
		DevMode:                  v.GetBool("dev_mode"),
	}, nil
}
