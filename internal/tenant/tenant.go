// Package tenant resolves object keys to tenants and looks up where each
// tenant's logs are delivered.
//
// Destinations come from a Store. Backends live in subpackages:
// dynamo (production), file (local development, hot-reloaded) and
// memory (tests). Lookups go through an invocation-scoped Cache so each
// distinct tenant is fetched once per batch; a Warm cache may be layered
// underneath to keep entries across batches in long-running processes.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/arn"
	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrNotFound is returned when no configuration exists for a tenant.
	ErrNotFound = errors.New("tenant configuration not found")
	// ErrInvalid is returned when a tenant configuration cannot be used.
	ErrInvalid = errors.New("invalid tenant configuration")
)

// Store looks up tenant configurations.
type Store interface {
	// Get returns the configuration for tenantID, or an error wrapping
	// ErrNotFound.
	Get(ctx context.Context, tenantID string) (Config, error)
}

// Config is where one tenant's logs are delivered.
type Config struct {
	TenantID string
	// RoleARN is the cross-account role assumed to write into the
	// tenant's account.
	RoleARN  string
	LogGroup string
	Region   string
	Enabled  bool
	// DesiredLogs restricts delivery to these applications. Entries are
	// case-insensitive glob patterns. Empty means all applications.
	DesiredLogs []string
}

// Clone returns a deep copy of c.
func (c Config) Clone() Config {
	c.DesiredLogs = slices.Clone(c.DesiredLogs)
	return c
}

// Validate checks that the configuration is complete enough to deliver to.
func (c Config) Validate() error {
	var missing []string
	if c.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if c.RoleARN == "" {
		missing = append(missing, "log_distribution_role_arn")
	}
	if c.LogGroup == "" {
		missing = append(missing, "log_group_name")
	}
	if c.Region == "" {
		missing = append(missing, "target_region")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: tenant %q missing %s", ErrInvalid, c.TenantID, strings.Join(missing, ", "))
	}
	if err := ValidateRoleARN(c.RoleARN); err != nil {
		return fmt.Errorf("%w: tenant %q: %w", ErrInvalid, c.TenantID, err)
	}
	return nil
}

// ValidateRoleARN checks that s is an IAM role ARN.
func ValidateRoleARN(s string) error {
	a, err := arn.Parse(s)
	if err != nil {
		return fmt.Errorf("role arn %q: %w", s, err)
	}
	if a.Service != "iam" || !strings.HasPrefix(a.Resource, "role/") {
		return fmt.Errorf("role arn %q: not an IAM role", s)
	}
	return nil
}

// Wants reports whether logs from application should be delivered.
func (c Config) Wants(application string) bool {
	if !c.Enabled {
		return false
	}
	if len(c.DesiredLogs) == 0 {
		return true
	}
	app := strings.ToLower(application)
	for _, pattern := range c.DesiredLogs {
		p := strings.ToLower(strings.TrimSpace(pattern))
		if p == app {
			return true
		}
		if ok, err := doublestar.Match(p, app); err == nil && ok {
			return true
		}
	}
	return false
}

// Record is the stored shape of a tenant configuration, shared by the
// backends. Enabled is a pointer so an absent attribute defaults to true.
type Record struct {
	TenantID    string   `json:"tenant_id" yaml:"tenant_id" dynamodbav:"tenant_id"`
	RoleARN     string   `json:"log_distribution_role_arn" yaml:"log_distribution_role_arn" dynamodbav:"log_distribution_role_arn"`
	LogGroup    string   `json:"log_group_name" yaml:"log_group_name" dynamodbav:"log_group_name"`
	Region      string   `json:"target_region" yaml:"target_region" dynamodbav:"target_region"`
	Enabled     *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" dynamodbav:"enabled,omitempty"`
	DesiredLogs []string `json:"desired_logs,omitempty" yaml:"desired_logs,omitempty" dynamodbav:"desired_logs,omitempty"`
}

// Config converts a stored record to a Config.
func (r Record) Config() Config {
	enabled := true
	if r.Enabled != nil {
		enabled = *r.Enabled
	}
	return Config{
		TenantID:    r.TenantID,
		RoleARN:     r.RoleARN,
		LogGroup:    r.LogGroup,
		Region:      r.Region,
		Enabled:     enabled,
		DesiredLogs: slices.Clone(r.DesiredLogs),
	}
}

// RecordOf converts a Config to its stored shape.
func RecordOf(c Config) Record {
	enabled := c.Enabled
	return Record{
		TenantID:    c.TenantID,
		RoleARN:     c.RoleARN,
		LogGroup:    c.LogGroup,
		Region:      c.Region,
		Enabled:     &enabled,
		DesiredLogs: slices.Clone(c.DesiredLogs),
	}
}
