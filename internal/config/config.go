// Package config defines the top-level configuration for econaudit and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ECONAUDIT_* environment variables.
type Config struct {
	Mode     string                 `toml:"mode"`
	Log      LogConfig              `toml:"log"`
	Chains   map[string]ChainConfig `toml:"chains"`
	Oracle   OracleConfig           `toml:"oracle"`
	Economic EconomicConfig         `toml:"economic"`
	Synth    SynthConfig            `toml:"synth"`
	Fork     ForkConfig             `toml:"fork"`
	Executor ExecutorConfig         `toml:"executor"`
	Pipeline PipelineConfig         `toml:"pipeline"`
	Source   SourceConfig           `toml:"source"`
	Postgres PostgresConfig         `toml:"postgres"`
	Redis    RedisConfig            `toml:"redis"`
	S3       S3Config               `toml:"s3"`
	Server   ServerConfig           `toml:"server"`
	Notify   NotifyConfig           `toml:"notify"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ChainConfig describes one EVM network.
type ChainConfig struct {
	RPCURL  string `toml:"rpc_url"`
	ChainID int64  `toml:"chain_id"`
	// NativeSymbol is the gas asset ("BNB", "ETH").
	NativeSymbol      string  `toml:"native_symbol"`
	NativeFallbackUSD float64 `toml:"native_fallback_usd"`
	WrappedNative     string  `toml:"wrapped_native"`
	// Router is the V2 router exploit templates swap through.
	Router      string            `toml:"router"`
	Stablecoins map[string]string `toml:"stablecoins"`
	// Factories maps venue name to V2 factory address.
	Factories    map[string]string `toml:"factories"`
	ExplorerURL  string            `toml:"explorer_url"`
	GasPriceGwei float64           `toml:"gas_price_gwei"`
}

// OracleConfig bounds market price lookups.
type OracleConfig struct {
	CallTimeout           duration `toml:"call_timeout"`
	QueryTimeout          duration `toml:"query_timeout"`
	MaxAttempts           int      `toml:"max_attempts"`
	DisagreementTolerance float64  `toml:"disagreement_tolerance"`
	SnapshotTTL           duration `toml:"snapshot_ttl"`
	RPS                   float64  `toml:"rps"`
	Burst                 int      `toml:"burst"`
}

// EconomicConfig holds the deviation threshold and arbitrage cost model.
type EconomicConfig struct {
	Threshold       float64   `toml:"threshold"`
	DEXFeeBps       float64   `toml:"dex_fee_bps"`
	FlashLoanFeeBps float64   `toml:"flash_loan_fee_bps"`
	MinProfitUSD    float64   `toml:"min_profit_usd"`
	MaxSlippage     float64   `toml:"max_slippage"`
	MaxPoolFraction float64   `toml:"max_pool_fraction"`
	DefaultVolume   float64   `toml:"default_volume"`
	Principals      []float64 `toml:"flash_loan_principals"`
	// Strategies limits modeled strategies; empty enables all.
	Strategies []string `toml:"strategies"`
	// PriceDecimals is the scale of contract price literals.
	PriceDecimals int32 `toml:"price_decimals"`
	// MinConfidence is the weakest extracted price compared with the market.
	MinConfidence string `toml:"min_confidence"`
}

// SynthConfig controls exploit synthesis and the reasoning collaborator.
type SynthConfig struct {
	Policy         string   `toml:"policy"`
	SolcPath       string   `toml:"solc_path"`
	EVMVersion     string   `toml:"evm_version"`
	CompileTimeout duration `toml:"compile_timeout"`
	LLMEndpoint    string   `toml:"llm_endpoint"`
	LLMModel       string   `toml:"llm_model"`
	Temperature    float64  `toml:"temperature"`
	NumCtx         int      `toml:"num_ctx"`
	LLMTimeout     duration `toml:"llm_timeout"`
}

// ForkConfig controls local fork nodes.
type ForkConfig struct {
	AnvilPath      string   `toml:"anvil_path"`
	Host           string   `toml:"host"`
	PortMin        int      `toml:"port_min"`
	PortMax        int      `toml:"port_max"`
	StartupTimeout duration `toml:"startup_timeout"`
	TeardownGrace  duration `toml:"teardown_grace"`
	// CheckFidelity compares a fresh fork's state against upstream.
	CheckFidelity bool `toml:"check_fidelity"`
}

// ExecutorConfig holds deployment defaults on forks.
type ExecutorConfig struct {
	GasLimit   uint64   `toml:"gas_limit"`
	Timeout    duration `toml:"timeout"`
	CapitalWei string   `toml:"capital_wei"`
	// DeployerKey is hex; empty uses the fork's first dev account.
	DeployerKey      string `toml:"deployer_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PipelineConfig bounds audits and the retention job.
type PipelineConfig struct {
	Concurrency          int      `toml:"concurrency"`
	ValidateConcurrency  int      `toml:"validate_concurrency"`
	MaxPerToken          int      `toml:"max_per_token"`
	AuditTimeout         duration `toml:"audit_timeout"`
	ResultCacheTTL       duration `toml:"result_cache_ttl"`
	ArchiveRetentionDays int      `toml:"archive_retention_days"`
	ArchiveCron          string   `toml:"archive_cron"`
}

// SourceConfig configures the verified-source fetcher.
type SourceConfig struct {
	APIKey      string   `toml:"api_key"`
	Timeout     duration `toml:"timeout"`
	MaxAttempts int      `toml:"max_attempts"`
	RPS         float64  `toml:"rps"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// Redis.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	// Namespace prefixes every key, channel and stream.
	Namespace string `toml:"namespace"`
}

// S3Config holds S3-compatible object storage parameters. An empty Bucket
// disables archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	CreateBucket   bool   `toml:"create_bucket"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	// APIKey enables bearer auth on /api when set.
	APIKey string `toml:"api_key"`
	// RateLimit is requests per minute per client; zero disables.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Mode: "audit",
		Log:  LogConfig{Level: "info", Format: "json"},
		Chains: map[string]ChainConfig{
			"bsc": {
				RPCURL:            "https://bsc-dataseed.binance.org",
				ChainID:           56,
				NativeSymbol:      "BNB",
				NativeFallbackUSD: 300,
				WrappedNative:     "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c",
				Router:            "0x10ED43C718714eb63d5aA57B78B54704E256024E",
				Stablecoins: map[string]string{
					"USDT": "0x55d398326f99059fF775485246999027B3197955",
					"BUSD": "0xe9e7CEA3DedcA5984780Bafc599bD69ADd087D56",
				},
				Factories: map[string]string{
					"pancakeswap": "0xcA143Ce32Fe78f1f7019d7d551a6402fC5350c73",
				},
				ExplorerURL:  "https://api.bscscan.com/api",
				GasPriceGwei: 5,
			},
		},
		Oracle: OracleConfig{
			CallTimeout:           duration{10 * time.Second},
			QueryTimeout:          duration{30 * time.Second},
			MaxAttempts:           3,
			DisagreementTolerance: 0.05,
			SnapshotTTL:           duration{30 * time.Second},
			RPS:                   10,
			Burst:                 5,
		},
		Economic: EconomicConfig{
			Threshold:       0.10,
			DEXFeeBps:       25,
			FlashLoanFeeBps: 9,
			MinProfitUSD:    100,
			MaxSlippage:     0.05,
			MaxPoolFraction: 0.10,
			DefaultVolume:   1000,
			Principals:      []float64{10_000, 100_000, 1_000_000},
			PriceDecimals:   18,
			MinConfidence:   "medium",
		},
		Synth: SynthConfig{
			Policy:         "template_first",
			SolcPath:       "solc",
			EVMVersion:     "paris",
			CompileTimeout: duration{60 * time.Second},
			LLMEndpoint:    "http://localhost:11434",
			LLMModel:       "qwen2.5-coder:32b-instruct",
			Temperature:    0.1,
			NumCtx:         8192,
			LLMTimeout:     duration{5 * time.Minute},
		},
		Fork: ForkConfig{
			AnvilPath:      "anvil",
			Host:           "127.0.0.1",
			PortMin:        8545,
			PortMax:        8645,
			StartupTimeout: duration{30 * time.Second},
			TeardownGrace:  duration{5 * time.Second},
		},
		Executor: ExecutorConfig{
			GasLimit:   3_000_000,
			Timeout:    duration{60 * time.Second},
			CapitalWei: "10000000000000000000",
		},
		Pipeline: PipelineConfig{
			Concurrency:          4,
			ValidateConcurrency:  2,
			MaxPerToken:          3,
			AuditTimeout:         duration{10 * time.Minute},
			ResultCacheTTL:       duration{15 * time.Minute},
			ArchiveRetentionDays: 90,
			ArchiveCron:          "0 3 * * *",
		},
		Source: SourceConfig{
			Timeout:     duration{20 * time.Second},
			MaxAttempts: 3,
			RPS:         4,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "econaudit",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			Namespace:  "econaudit",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "econaudit-artifacts",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   120,
		},
		Notify: NotifyConfig{
			Events: []string{"exploit_validated", "deviation_flagged", "error"},
		},
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"audit":  true,
	"server": true,
}

// validLogLevels enumerates the accepted values for Config.Log.Level.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validPolicies = map[string]bool{
	"template_first": true,
	"template_only":  true,
	"generated_only": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: audit, server)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	// Chains
	if len(c.Chains) == 0 {
		errs = append(errs, "chains: at least one chain must be configured")
	}
	for name, ch := range c.Chains {
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Sprintf("chains.%s: rpc_url must not be empty", name))
		}
		if ch.NativeSymbol == "" {
			errs = append(errs, fmt.Sprintf("chains.%s: native_symbol must not be empty", name))
		}
		if ch.NativeFallbackUSD < 0 {
			errs = append(errs, fmt.Sprintf("chains.%s: native_fallback_usd must be >= 0", name))
		}
		if len(ch.Factories) == 0 {
			errs = append(errs, fmt.Sprintf("chains.%s: at least one factory is required", name))
		}
		for label, addr := range ch.Factories {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("chains.%s.factories.%s: invalid address %q", name, label, addr))
			}
		}
		for sym, addr := range ch.Stablecoins {
			if !common.IsHexAddress(addr) {
				errs = append(errs, fmt.Sprintf("chains.%s.stablecoins.%s: invalid address %q", name, sym, addr))
			}
		}
		if ch.WrappedNative != "" && !common.IsHexAddress(ch.WrappedNative) {
			errs = append(errs, fmt.Sprintf("chains.%s: invalid wrapped_native %q", name, ch.WrappedNative))
		}
		if ch.Router != "" && !common.IsHexAddress(ch.Router) {
			errs = append(errs, fmt.Sprintf("chains.%s: invalid router %q", name, ch.Router))
		}
	}

	// Oracle
	if c.Oracle.MaxAttempts < 1 {
		errs = append(errs, "oracle: max_attempts must be >= 1")
	}
	if c.Oracle.DisagreementTolerance < 0 {
		errs = append(errs, "oracle: disagreement_tolerance must be >= 0")
	}

	// Economic
	if c.Economic.Threshold <= 0 {
		errs = append(errs, "economic: threshold must be > 0")
	}
	if c.Economic.DEXFeeBps < 0 || c.Economic.FlashLoanFeeBps < 0 {
		errs = append(errs, "economic: fees must be >= 0")
	}
	if c.Economic.MaxSlippage <= 0 || c.Economic.MaxSlippage >= 1 {
		errs = append(errs, "economic: max_slippage must be in (0, 1)")
	}
	if c.Economic.MaxPoolFraction <= 0 || c.Economic.MaxPoolFraction > 1 {
		errs = append(errs, "economic: max_pool_fraction must be in (0, 1]")
	}
	switch strings.ToLower(c.Economic.MinConfidence) {
	case "", "low", "medium", "high":
	default:
		errs = append(errs, fmt.Sprintf("economic: min_confidence %q must be low, medium or high", c.Economic.MinConfidence))
	}

	// Synth
	if !validPolicies[c.Synth.Policy] {
		errs = append(errs, fmt.Sprintf("synth: unknown policy %q (valid: template_first, template_only, generated_only)", c.Synth.Policy))
	}

	// Fork
	if c.Fork.PortMin <= 0 || c.Fork.PortMax < c.Fork.PortMin || c.Fork.PortMax > 65535 {
		errs = append(errs, fmt.Sprintf("fork: invalid port range %d-%d", c.Fork.PortMin, c.Fork.PortMax))
	}
	if c.Executor.DeployerKey != "" && c.Executor.EncryptedKeyPath != "" {
		errs = append(errs, "executor: set either deployer_key or encrypted_key_path, not both")
	}
	if c.Executor.EncryptedKeyPath != "" && c.Executor.KeyPassword == "" {
		errs = append(errs, "executor: key_password is required when encrypted_key_path is set")
	}

	// Pipeline
	if c.Pipeline.Concurrency < 1 {
		errs = append(errs, "pipeline: concurrency must be >= 1")
	}
	if c.Pipeline.AuditTimeout.Duration <= 0 {
		errs = append(errs, "pipeline: audit_timeout must be > 0")
	}

	// Postgres is optional in audit mode; the server needs it.
	if c.Mode == "server" && strings.TrimSpace(c.Postgres.DSN) == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: host or dsn is required for server mode")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Server
	if c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
