package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultsNeedTenantSource(t *testing.T) {
	if err := Defaults().Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid without tenant source, got %v", err)
	}
	cfg := Defaults()
	cfg.TenantFile = "tenants.yaml"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromEnv(t *testing.T) {
	cfg, err := FromEnv(envMap(map[string]string{
		"TENANT_CONFIG_TABLE":               "tenants",
		"CENTRAL_LOG_DISTRIBUTION_ROLE_ARN": "arn:aws:iam::111122223333:role/Central",
		"MAX_BATCH_SIZE":                    "500",
		"MAX_OBJECT_BYTES":                  "1048576",
		"WRITE_TIMEOUT":                     "5",
		"ASSUME_TIMEOUT":                    "1500ms",
		"DELIVERY_RATE":                     "4.5",
		"LOG_LEVEL_COMPONENTS":              "delivery=debug, orchestrator=warn",
		"LOG_FORMAT":                        "  ",
	}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.TenantTable != "tenants" || cfg.MaxBatchSize != 500 || cfg.MaxObjectBytes != 1<<20 {
		t.Errorf("cfg: %+v", cfg)
	}
	if cfg.WriteTimeout != 5*time.Second || cfg.AssumeTimeout != 1500*time.Millisecond {
		t.Errorf("timeouts: write=%v assume=%v", cfg.WriteTimeout, cfg.AssumeTimeout)
	}
	if cfg.DeliveryRate != 4.5 {
		t.Errorf("DeliveryRate: got %v", cfg.DeliveryRate)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("blank variable should keep the default, got %q", cfg.LogFormat)
	}
	levels, err := cfg.ComponentLevels()
	if err != nil || levels["delivery"] != "debug" || levels["orchestrator"] != "warn" {
		t.Errorf("ComponentLevels: %v %v", levels, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFromEnvParseErrors(t *testing.T) {
	_, err := FromEnv(envMap(map[string]string{
		"MAX_BATCH_SIZE": "lots",
		"WRITE_TIMEOUT":  "soon",
	}))
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := Defaults()
	base.TenantTable = "tenants"

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.MaxBatchSize = 0 }},
		{"batch size over cap", func(c *Config) { c.MaxBatchSize = 10001 }},
		{"batch bytes over cap", func(c *Config) { c.MaxBatchBytes = 2 << 20 }},
		{"negative object bytes", func(c *Config) { c.MaxObjectBytes = -1 }},
		{"zero concurrency", func(c *Config) { c.ItemConcurrency = 0 }},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }},
		{"negative skew", func(c *Config) { c.CredentialSkew = -time.Second }},
		{"negative rate", func(c *Config) { c.DeliveryRate = -1 }},
		{"bad central role", func(c *Config) { c.CentralRoleARN = "arn:aws:s3:::bucket" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad component level", func(c *Config) { c.LogLevelComponents = []string{"delivery"} }},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "9090" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	if err := fs.Parse([]string{
		"--max-batch-size=200",
		"--write-timeout=2s",
		"--log-level-component", "delivery=debug",
		"--log-level-component", "cloudwatch=error",
	}); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fs, envMap(map[string]string{
		"TENANT_CONFIG_FILE": "tenants.yaml",
		"MAX_BATCH_SIZE":     "700",
		"ITEM_CONCURRENCY":   "8",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxBatchSize != 200 {
		t.Errorf("flag should win: got %d", cfg.MaxBatchSize)
	}
	if cfg.ItemConcurrency != 8 {
		t.Errorf("unset flag should keep env value: got %d", cfg.ItemConcurrency)
	}
	if cfg.WriteTimeout != 2*time.Second || len(cfg.LogLevelComponents) != 2 {
		t.Errorf("cfg: %+v", cfg)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("LOGFANOUT_TEST_QUEUE=https://sqs.example/q\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOGFANOUT_TEST_QUEUE", "")
	_ = os.Unsetenv("LOGFANOUT_TEST_QUEUE")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("LOGFANOUT_TEST_QUEUE"); got != "https://sqs.example/q" {
		t.Errorf("env: got %q", got)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
	if err := LoadEnvFile(""); err != nil {
		t.Errorf("empty path: %v", err)
	}
}

func TestDeliveryConfig(t *testing.T) {
	cfg := Defaults()
	cfg.MaxBatchSize = 250
	cfg.DeliveryRate = 5
	d := cfg.Delivery()
	if d.Limits.MaxItems != 250 || d.Limits.MaxSpan != 24*time.Hour {
		t.Errorf("limits: %+v", d.Limits)
	}
	if d.Rate != rate.Limit(5) || d.Burst != 1 {
		t.Errorf("rate: %v burst %d", d.Rate, d.Burst)
	}
	if d.CredentialCapacity != 1024 {
		t.Errorf("capacity: %d", d.CredentialCapacity)
	}
	o := cfg.Orchestrator()
	if o.Concurrency != 4 || o.MaxObjectBytes != 256<<20 {
		t.Errorf("orchestrator: %+v", o)
	}
}

func TestTenantCacheOptIn(t *testing.T) {
	if ttl := Defaults().TenantCacheTTL; ttl != 0 {
		t.Fatalf("default TenantCacheTTL: got %v, want 0", ttl)
	}
	cfg, err := FromEnv(envMap(map[string]string{"TENANT_CACHE_TTL": "300"}))
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.TenantCacheTTL != 5*time.Minute {
		t.Errorf("TenantCacheTTL: got %v", cfg.TenantCacheTTL)
	}
}
