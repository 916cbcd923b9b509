// Package config holds the runtime settings of the processor.
//
// Settings come from three layers, later ones winning: built-in defaults,
// environment variables (the Lambda runtime configures the function this
// way) and command-line flags. A .env file may be loaded into the
// environment first for local runs.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"logfanout/internal/delivery"
	"logfanout/internal/logging"
	"logfanout/internal/orchestrator"
	"logfanout/internal/tenant"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the full set of runtime settings.
type Config struct {
	Region string

	// Exactly one tenant source is used; the table wins when both are set.
	TenantTable    string
	TenantFile     string
	TenantCacheTTL time.Duration

	// CentralRoleARN enables the double-hop role assumption.
	CentralRoleARN string
	QueueURL       string

	MaxBatchSize   int
	MaxBatchBytes  int
	MaxObjectBytes int64

	FetchTimeout  time.Duration
	AssumeTimeout time.Duration
	WriteTimeout  time.Duration

	CredentialCacheSize int
	CredentialTTL       time.Duration
	CredentialSkew      time.Duration

	ItemConcurrency int
	DeliveryRate    float64
	DeliveryBurst   int

	LogFormat          string
	LogLevel           string
	LogLevelComponents []string // component=level

	MetricsAddr         string
	MaintenanceInterval time.Duration
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		MaxBatchSize:        1000,
		MaxBatchBytes:       delivery.MaxBytesPerCall,
		MaxObjectBytes:      256 << 20,
		FetchTimeout:        30 * time.Second,
		AssumeTimeout:       10 * time.Second,
		WriteTimeout:        30 * time.Second,
		CredentialCacheSize: 1024,
		CredentialTTL:       50 * time.Minute,
		CredentialSkew:      time.Minute,
		ItemConcurrency:     4,
		LogFormat:           string(logging.FormatJSON),
		LogLevel:            "info",
		MaintenanceInterval: time.Minute,
	}
}

// setting binds one Config field to its environment variable and flag.
type setting struct {
	env   string
	flag  string
	usage string
	field func(c *Config) any
}

var settings = []setting{
	{"AWS_REGION", "region", "AWS region for the processor's own clients", func(c *Config) any { return &c.Region }},
	{"TENANT_CONFIG_TABLE", "tenant-table", "DynamoDB table holding tenant configurations", func(c *Config) any { return &c.TenantTable }},
	{"TENANT_CONFIG_FILE", "tenant-file", "YAML/JSON file holding tenant configurations (local runs)", func(c *Config) any { return &c.TenantFile }},
	{"TENANT_CACHE_TTL", "tenant-cache-ttl", "keep tenant configurations warm across batches for this long (0, the default, disables)", func(c *Config) any { return &c.TenantCacheTTL }},
	{"CENTRAL_LOG_DISTRIBUTION_ROLE_ARN", "central-role-arn", "role assumed before each tenant role", func(c *Config) any { return &c.CentralRoleARN }},
	{"SQS_QUEUE_URL", "queue-url", "queue polled in poll mode", func(c *Config) any { return &c.QueueURL }},
	{"MAX_BATCH_SIZE", "max-batch-size", "events per destination call", func(c *Config) any { return &c.MaxBatchSize }},
	{"MAX_BATCH_BYTES", "max-batch-bytes", "bytes per destination call", func(c *Config) any { return &c.MaxBatchBytes }},
	{"MAX_OBJECT_BYTES", "max-object-bytes", "largest object accepted, compressed or not", func(c *Config) any { return &c.MaxObjectBytes }},
	{"FETCH_TIMEOUT", "fetch-timeout", "timeout for one object fetch", func(c *Config) any { return &c.FetchTimeout }},
	{"ASSUME_TIMEOUT", "assume-timeout", "timeout for one role assumption", func(c *Config) any { return &c.AssumeTimeout }},
	{"WRITE_TIMEOUT", "write-timeout", "timeout for one destination call", func(c *Config) any { return &c.WriteTimeout }},
	{"CREDENTIAL_CACHE_SIZE", "credential-cache-size", "tenant sessions kept", func(c *Config) any { return &c.CredentialCacheSize }},
	{"CREDENTIAL_TTL", "credential-ttl", "longest a tenant session is reused", func(c *Config) any { return &c.CredentialTTL }},
	{"CREDENTIAL_SKEW", "credential-skew", "margin before credential expiry", func(c *Config) any { return &c.CredentialSkew }},
	{"ITEM_CONCURRENCY", "item-concurrency", "notification items processed in parallel", func(c *Config) any { return &c.ItemConcurrency }},
	{"DELIVERY_RATE", "delivery-rate", "destination calls per second per stream (0 disables)", func(c *Config) any { return &c.DeliveryRate }},
	{"DELIVERY_BURST", "delivery-burst", "burst for the per-stream rate limit", func(c *Config) any { return &c.DeliveryBurst }},
	{"LOG_FORMAT", "log-format", "log output format: json or text", func(c *Config) any { return &c.LogFormat }},
	{"LOG_LEVEL", "log-level", "default log level", func(c *Config) any { return &c.LogLevel }},
	{"LOG_LEVEL_COMPONENTS", "log-level-component", "per-component level override, component=level (repeatable)", func(c *Config) any { return &c.LogLevelComponents }},
	{"METRICS_ADDR", "metrics-addr", "address serving /metrics in poll mode (empty disables)", func(c *Config) any { return &c.MetricsAddr }},
	{"MAINTENANCE_INTERVAL", "maintenance-interval", "how often caches are swept in poll mode", func(c *Config) any { return &c.MaintenanceInterval }},
}

// LoadEnvFile loads KEY=value pairs from path into the process environment.
// Variables already set are not overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// FromEnv returns Defaults overlaid with the variables lookup finds.
// Pass os.LookupEnv in production.
func FromEnv(lookup func(string) (string, bool)) (Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg := Defaults()
	var errs []error
	for _, s := range settings {
		v, ok := lookup(s.env)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := parseInto(s.field(&cfg), strings.TrimSpace(v)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.env, err))
		}
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return cfg, nil
}

// BindFlags registers one flag per setting on fs, with the built-in
// defaults shown in help.
func BindFlags(fs *pflag.FlagSet) {
	def := Defaults()
	for _, s := range settings {
		usage := fmt.Sprintf("%s (env %s)", s.usage, s.env)
		switch p := s.field(&def).(type) {
		case *string:
			fs.String(s.flag, *p, usage)
		case *int:
			fs.Int(s.flag, *p, usage)
		case *int64:
			fs.Int64(s.flag, *p, usage)
		case *float64:
			fs.Float64(s.flag, *p, usage)
		case *time.Duration:
			fs.Duration(s.flag, *p, usage)
		case *[]string:
			fs.StringArray(s.flag, *p, usage)
		}
	}
}

// ApplyFlags overlays the flags the user set explicitly onto cfg.
func ApplyFlags(cfg *Config, fs *pflag.FlagSet) error {
	for _, s := range settings {
		f := fs.Lookup(s.flag)
		if f == nil || !f.Changed {
			continue
		}
		var err error
		switch p := s.field(cfg).(type) {
		case *string:
			*p, err = fs.GetString(s.flag)
		case *int:
			*p, err = fs.GetInt(s.flag)
		case *int64:
			*p, err = fs.GetInt64(s.flag)
		case *float64:
			*p, err = fs.GetFloat64(s.flag)
		case *time.Duration:
			*p, err = fs.GetDuration(s.flag)
		case *[]string:
			*p, err = fs.GetStringArray(s.flag)
		}
		if err != nil {
			return fmt.Errorf("flag --%s: %w", s.flag, err)
		}
	}
	return nil
}

// Load builds the effective configuration: defaults, then the environment,
// then explicitly set flags. The result is validated.
func Load(fs *pflag.FlagSet, lookup func(string) (string, bool)) (Config, error) {
	cfg, err := FromEnv(lookup)
	if err != nil {
		return cfg, err
	}
	if fs != nil {
		if err := ApplyFlags(&cfg, fs); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// parseInto parses v into the field p points at. Durations also accept a
// bare number of seconds.
func parseInto(p any, v string) error {
	switch p := p.(type) {
	case *string:
		*p = v
	case *int:
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
	case *int64:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		*p = n
	case *float64:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*p = f
	case *time.Duration:
		if n, err := strconv.Atoi(v); err == nil {
			*p = time.Duration(n) * time.Second
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = d
	case *[]string:
		var out []string
		for part := range strings.SplitSeq(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*p = out
	default:
		return fmt.Errorf("unsupported setting type %T", p)
	}
	return nil
}

// Validate rejects settings the processor cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("max batch size", int64(c.MaxBatchSize))
	positive("max batch bytes", int64(c.MaxBatchBytes))
	positive("max object bytes", c.MaxObjectBytes)
	positive("item concurrency", int64(c.ItemConcurrency))
	positive("credential cache size", int64(c.CredentialCacheSize))

	if c.MaxBatchSize > delivery.MaxItemsPerCall {
		errs = append(errs, fmt.Errorf("max batch size %d exceeds %d", c.MaxBatchSize, delivery.MaxItemsPerCall))
	}
	if c.MaxBatchBytes > delivery.MaxBytesPerCall {
		errs = append(errs, fmt.Errorf("max batch bytes %d exceeds %d", c.MaxBatchBytes, delivery.MaxBytesPerCall))
	}
	for name, d := range map[string]time.Duration{
		"fetch timeout":  c.FetchTimeout,
		"assume timeout": c.AssumeTimeout,
		"write timeout":  c.WriteTimeout,
		"credential ttl": c.CredentialTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.CredentialSkew < 0 || c.TenantCacheTTL < 0 {
		errs = append(errs, errors.New("credential skew and tenant cache ttl must not be negative"))
	}
	if c.DeliveryRate < 0 || c.DeliveryBurst < 0 {
		errs = append(errs, errors.New("delivery rate and burst must not be negative"))
	}
	if c.CentralRoleARN != "" {
		if err := tenant.ValidateRoleARN(c.CentralRoleARN); err != nil {
			errs = append(errs, fmt.Errorf("central role: %w", err))
		}
	}
	if c.TenantTable == "" && c.TenantFile == "" {
		errs = append(errs, errors.New("one of tenant table or tenant file is required"))
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatJSON, logging.FormatText, "":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ComponentLevels(); err != nil {
		errs = append(errs, err)
	}
	if c.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddr); err != nil {
			errs = append(errs, fmt.Errorf("metrics addr: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// ComponentLevels parses LogLevelComponents.
func (c Config) ComponentLevels() (map[string]string, error) {
	out := make(map[string]string, len(c.LogLevelComponents))
	for _, kv := range c.LogLevelComponents {
		comp, lvl, ok := strings.Cut(kv, "=")
		comp, lvl = strings.TrimSpace(comp), strings.TrimSpace(lvl)
		if !ok || comp == "" {
			return nil, fmt.Errorf("component level %q: want component=level", kv)
		}
		if _, err := logging.ParseLevel(lvl); err != nil {
			return nil, fmt.Errorf("component %s: %w", comp, err)
		}
		out[comp] = lvl
	}
	return out, nil
}

// Delivery returns the delivery client settings.
func (c Config) Delivery() delivery.Config {
	d := delivery.DefaultConfig()
	d.Limits.MaxItems = c.MaxBatchSize
	d.Limits.MaxBytes = c.MaxBatchBytes
	d.AssumeTimeout = c.AssumeTimeout
	d.WriteTimeout = c.WriteTimeout
	d.CredentialCapacity = uint64(c.CredentialCacheSize)
	d.CredentialTTL = c.CredentialTTL
	d.CredentialSkew = c.CredentialSkew
	d.Rate = rate.Limit(c.DeliveryRate)
	d.Burst = c.DeliveryBurst
	if d.Rate > 0 && d.Burst == 0 {
		d.Burst = 1
	}
	return d
}

// Orchestrator returns the orchestrator settings.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		Concurrency:    c.ItemConcurrency,
		MaxObjectBytes: c.MaxObjectBytes,
	}
}
