package config

import "slices"

// Redacted returns a copy of c with sensitive fields replaced by the
// redaction placeholder "***". Use this when logging or printing the active
// configuration so secrets are never accidentally exposed.
func (c *Config) Redacted() Config {
	out := *c

	redact(&out.Cluster.ForwardSecret)
	redact(&out.Auth.JWTSecret)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Chain.OperatorKey)
	redact(&out.Chain.KeyPassword)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices so callers cannot mutate the original through the redacted
	// copy.
	out.Auth.APIKeys = make([]APIKeyConfig, len(c.Auth.APIKeys))
	for i, k := range c.Auth.APIKeys {
		k.Tiers = slices.Clone(k.Tiers)
		redact(&k.Key)
		out.Auth.APIKeys[i] = k
	}
	out.Server.CORSOrigins = slices.Clone(c.Server.CORSOrigins)
	out.Notify.Events = slices.Clone(c.Notify.Events)
	out.Settlement.Contracts = slices.Clone(c.Settlement.Contracts)
	out.Settlement.DenyAddresses = slices.Clone(c.Settlement.DenyAddresses)
	out.Settlement.DenyIPs = slices.Clone(c.Settlement.DenyIPs)
	out.Engine.VerifyingContracts = slices.Clone(c.Engine.VerifyingContracts)
	out.Kafka.Brokers = slices.Clone(c.Kafka.Brokers)

	if c.RateLimit.Rules != nil {
		out.RateLimit.Rules = make(map[string]map[string]RuleConfig, len(c.RateLimit.Rules))
		for g, tiers := range c.RateLimit.Rules {
			m := make(map[string]RuleConfig, len(tiers))
			for t, r := range tiers {
				m[t] = r
			}
			out.RateLimit.Rules[g] = m
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
