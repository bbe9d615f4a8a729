package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foresight.toml")
	body := `
mode = "replica"

[cluster]
lease_ttl = "12s"
renew_interval = "4s"

[engine]
maker_fee_bps = 5

[ratelimit.rules.orders.trader]
limit = 900
window = "1m"

[[auth.api_keys]]
id = "ops"
key = "k-ops"
tiers = ["admin"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FORESIGHT_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("FORESIGHT_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("FORESIGHT_ENGINE_TAKER_FEE_BPS", "not-a-number")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeReplica || cfg.Cluster.LeaseTTL.Duration != 12*time.Second {
		t.Fatalf("file values not applied: mode=%s ttl=%s", cfg.Mode, cfg.Cluster.LeaseTTL)
	}
	if cfg.Cluster.RetryInterval.Duration != 5*time.Second {
		t.Fatalf("default retry interval lost: %s", cfg.Cluster.RetryInterval)
	}
	if cfg.Engine.MakerFeeBps != 5 || cfg.Engine.TakerFeeBps != 0 {
		t.Fatalf("fees %d/%d", cfg.Engine.MakerFeeBps, cfg.Engine.TakerFeeBps)
	}
	if got := cfg.RateLimit.Rules["orders"]["trader"]; got.Limit != 900 || got.Window.Duration != time.Minute {
		t.Fatalf("rule %+v", got)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Fatalf("env override not applied: %s", cfg.Redis.Addr)
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("origins %v", cfg.Server.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config invalid: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("addr %q", cfg.Server.Addr)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "leader"
	cfg.Cluster.RenewInterval.Duration = time.Minute
	cfg.Engine.MinOrderAmount = "x"
	cfg.Storage.Backend = "sqlite"
	cfg.Settlement.Gasless = true
	cfg.Auth.APIKeys = []APIKeyConfig{{ID: "a", Key: "k", Tiers: []string{"root"}}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{
		`unknown mode "leader"`,
		"renew_interval",
		"min_order_amount",
		`unknown backend "sqlite"`,
		"rpc_url is required",
		"operator_key or encrypted_key_path",
		`unknown tier "root"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in:\n%v", want, err)
		}
	}
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Chain.OperatorKey = "0xdeadbeef"
	cfg.Postgres.Password = "pw"
	cfg.Auth.APIKeys = []APIKeyConfig{{ID: "ops", Key: "k-ops", Tiers: []string{"admin"}}}

	r := cfg.Redacted()
	if r.Chain.OperatorKey != redacted || r.Postgres.Password != redacted || r.Auth.APIKeys[0].Key != redacted {
		t.Fatalf("secrets visible: %+v %+v", r.Chain, r.Auth)
	}
	if r.Auth.APIKeys[0].ID != "ops" || r.Chain.KeyPassword != "" {
		t.Fatal("non-secret or empty fields changed")
	}
	if cfg.Auth.APIKeys[0].Key != "k-ops" || cfg.Chain.OperatorKey != "0xdeadbeef" {
		t.Fatal("redaction mutated the original")
	}
}
