package config

import "maps"

// RedactedConfig returns a copy of cfg with sensitive fields replaced by the
// placeholder "***". Use it whenever the active configuration is logged.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	// RPC URLs often embed provider keys.
	out.Chains = make(map[string]ChainConfig, len(cfg.Chains))
	for name, ch := range cfg.Chains {
		redact(&ch.RPCURL)
		ch.Stablecoins = maps.Clone(ch.Stablecoins)
		ch.Factories = maps.Clone(ch.Factories)
		out.Chains[name] = ch
	}

	redact(&out.Executor.DeployerKey)
	redact(&out.Executor.KeyPassword)
	redact(&out.Source.APIKey)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)
	out.Economic.Principals = append([]float64(nil), cfg.Economic.Principals...)
	out.Economic.Strategies = append([]string(nil), cfg.Economic.Strategies...)

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
