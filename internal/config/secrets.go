package config

import "slices"

const redacted = "***"

// RedactedConfig returns a deep enough copy of cfg to log safely: every
// credential that is set reads "***" and no slice is shared with cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	for _, s := range []*string{
		&out.SwapAPI.APIKey,
		&out.Postgres.DSN,
		&out.Postgres.Password,
		&out.Redis.Password,
		&out.S3.AccessKey,
		&out.S3.SecretKey,
		&out.Server.APIKey,
		&out.Notify.TelegramToken,
		&out.Notify.DiscordWebhookURL,
	} {
		if *s != "" {
			*s = redacted
		}
	}

	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Policy.PartialLevels = slices.Clone(cfg.Policy.PartialLevels)
	return out
}
