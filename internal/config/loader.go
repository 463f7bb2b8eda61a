package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ECONAUDIT_* environment variable overrides, and
// returns the final Config. An empty path skips the file. The returned Config
// has NOT been validated; the caller should invoke Config.Validate() after
// Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ECONAUDIT_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
// Per-chain RPC URLs use ECONAUDIT_CHAIN_<NAME>_RPC_URL.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "ECONAUDIT_MODE")
	setStr(&cfg.Log.Level, "ECONAUDIT_LOG_LEVEL")
	setStr(&cfg.Log.Format, "ECONAUDIT_LOG_FORMAT")

	// ── Chains ──
	for name, ch := range cfg.Chains {
		prefix := "ECONAUDIT_CHAIN_" + strings.ToUpper(name) + "_"
		setStr(&ch.RPCURL, prefix+"RPC_URL")
		setStr(&ch.ExplorerURL, prefix+"EXPLORER_URL")
		setFloat64(&ch.NativeFallbackUSD, prefix+"NATIVE_FALLBACK_USD")
		setFloat64(&ch.GasPriceGwei, prefix+"GAS_PRICE_GWEI")
		cfg.Chains[name] = ch
	}

	// ── Oracle ──
	setDuration(&cfg.Oracle.CallTimeout, "ECONAUDIT_ORACLE_CALL_TIMEOUT")
	setDuration(&cfg.Oracle.QueryTimeout, "ECONAUDIT_ORACLE_QUERY_TIMEOUT")
	setInt(&cfg.Oracle.MaxAttempts, "ECONAUDIT_ORACLE_MAX_ATTEMPTS")
	setFloat64(&cfg.Oracle.DisagreementTolerance, "ECONAUDIT_ORACLE_DISAGREEMENT_TOLERANCE")
	setDuration(&cfg.Oracle.SnapshotTTL, "ECONAUDIT_ORACLE_SNAPSHOT_TTL")
	setFloat64(&cfg.Oracle.RPS, "ECONAUDIT_ORACLE_RPS")

	// ── Economic ──
	setFloat64(&cfg.Economic.Threshold, "ECONAUDIT_ECONOMIC_THRESHOLD")
	setFloat64(&cfg.Economic.DEXFeeBps, "ECONAUDIT_ECONOMIC_DEX_FEE_BPS")
	setFloat64(&cfg.Economic.FlashLoanFeeBps, "ECONAUDIT_ECONOMIC_FLASH_LOAN_FEE_BPS")
	setFloat64(&cfg.Economic.MinProfitUSD, "ECONAUDIT_ECONOMIC_MIN_PROFIT_USD")
	setFloat64(&cfg.Economic.MaxSlippage, "ECONAUDIT_ECONOMIC_MAX_SLIPPAGE")
	setStringSlice(&cfg.Economic.Strategies, "ECONAUDIT_ECONOMIC_STRATEGIES")
	setStr(&cfg.Economic.MinConfidence, "ECONAUDIT_ECONOMIC_MIN_CONFIDENCE")

	// ── Synth ──
	setStr(&cfg.Synth.Policy, "ECONAUDIT_SYNTH_POLICY")
	setStr(&cfg.Synth.SolcPath, "ECONAUDIT_SYNTH_SOLC_PATH")
	setStr(&cfg.Synth.LLMEndpoint, "ECONAUDIT_SYNTH_LLM_ENDPOINT")
	setStr(&cfg.Synth.LLMModel, "ECONAUDIT_SYNTH_LLM_MODEL")
	setFloat64(&cfg.Synth.Temperature, "ECONAUDIT_SYNTH_TEMPERATURE")
	setInt(&cfg.Synth.NumCtx, "ECONAUDIT_SYNTH_NUM_CTX")

	// ── Fork ──
	setStr(&cfg.Fork.AnvilPath, "ECONAUDIT_FORK_ANVIL_PATH")
	setStr(&cfg.Fork.Host, "ECONAUDIT_FORK_HOST")
	setInt(&cfg.Fork.PortMin, "ECONAUDIT_FORK_PORT_MIN")
	setInt(&cfg.Fork.PortMax, "ECONAUDIT_FORK_PORT_MAX")
	setDuration(&cfg.Fork.StartupTimeout, "ECONAUDIT_FORK_STARTUP_TIMEOUT")
	setDuration(&cfg.Fork.TeardownGrace, "ECONAUDIT_FORK_TEARDOWN_GRACE")
	setBool(&cfg.Fork.CheckFidelity, "ECONAUDIT_FORK_CHECK_FIDELITY")

	// ── Executor ──
	setUint64(&cfg.Executor.GasLimit, "ECONAUDIT_EXECUTOR_GAS_LIMIT")
	setDuration(&cfg.Executor.Timeout, "ECONAUDIT_EXECUTOR_TIMEOUT")
	setStr(&cfg.Executor.CapitalWei, "ECONAUDIT_EXECUTOR_CAPITAL_WEI")
	setStr(&cfg.Executor.DeployerKey, "ECONAUDIT_EXECUTOR_DEPLOYER_KEY")
	setStr(&cfg.Executor.EncryptedKeyPath, "ECONAUDIT_EXECUTOR_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Executor.KeyPassword, "ECONAUDIT_EXECUTOR_KEY_PASSWORD")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Concurrency, "ECONAUDIT_PIPELINE_CONCURRENCY")
	setInt(&cfg.Pipeline.ValidateConcurrency, "ECONAUDIT_PIPELINE_VALIDATE_CONCURRENCY")
	setDuration(&cfg.Pipeline.AuditTimeout, "ECONAUDIT_PIPELINE_AUDIT_TIMEOUT")
	setInt(&cfg.Pipeline.ArchiveRetentionDays, "ECONAUDIT_PIPELINE_ARCHIVE_RETENTION_DAYS")
	setStr(&cfg.Pipeline.ArchiveCron, "ECONAUDIT_PIPELINE_ARCHIVE_CRON")

	// ── Source ──
	setStr(&cfg.Source.APIKey, "ECONAUDIT_SOURCE_API_KEY")
	setDuration(&cfg.Source.Timeout, "ECONAUDIT_SOURCE_TIMEOUT")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ECONAUDIT_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ECONAUDIT_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ECONAUDIT_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ECONAUDIT_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ECONAUDIT_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ECONAUDIT_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ECONAUDIT_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ECONAUDIT_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ECONAUDIT_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ECONAUDIT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ECONAUDIT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ECONAUDIT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ECONAUDIT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ECONAUDIT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "ECONAUDIT_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Namespace, "ECONAUDIT_REDIS_NAMESPACE")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ECONAUDIT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ECONAUDIT_S3_REGION")
	setStr(&cfg.S3.Bucket, "ECONAUDIT_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "ECONAUDIT_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "ECONAUDIT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ECONAUDIT_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ECONAUDIT_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ECONAUDIT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.CreateBucket, "ECONAUDIT_S3_CREATE_BUCKET")

	// ── Server ──
	setInt(&cfg.Server.Port, "ECONAUDIT_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ECONAUDIT_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ECONAUDIT_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ECONAUDIT_SERVER_RATE_LIMIT")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ECONAUDIT_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ECONAUDIT_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ECONAUDIT_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ECONAUDIT_NOTIFY_EVENTS")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
