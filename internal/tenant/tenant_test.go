package tenant

import (
	"errors"
	"testing"

	"logfanout/internal/logevent"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		key     string
		want    logevent.Identity
		wantErr bool
	}{
		{
			key:  "acme/cluster-1/billing/pod-42/part-0001.json.gz",
			want: logevent.Identity{TenantID: "acme", ClusterID: "cluster-1", Application: "billing", Pod: "pod-42"},
		},
		{
			key:  "acme/cluster-1/billing/pod-42/2024/01/01/part.json",
			want: logevent.Identity{TenantID: "acme", ClusterID: "cluster-1", Application: "billing", Pod: "pod-42"},
		},
		{
			key:  "acme/cluster-1/billing/pod-42",
			want: logevent.Identity{TenantID: "acme", ClusterID: "cluster-1", Application: "billing", Pod: "pod-42"},
		},
		{key: "acme/cluster-1/part-0001.json", wantErr: true},
		{key: "part-0001.json", wantErr: true},
		{key: "", wantErr: true},
		{key: "acme//billing/pod-42/part.json", wantErr: true},
		{key: "/cluster-1/billing/pod-42/part.json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := Resolve(tt.key)
			if tt.wantErr {
				if !errors.Is(err, ErrUnresolved) {
					t.Fatalf("expected ErrUnresolved, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestWants(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		desired []string
		app     string
		want    bool
	}{
		{"all apps", true, nil, "billing", true},
		{"disabled", false, nil, "billing", false},
		{"disabled with match", false, []string{"billing"}, "billing", false},
		{"exact", true, []string{"billing"}, "billing", true},
		{"case insensitive", true, []string{"Billing"}, "BILLING", true},
		{"not listed", true, []string{"billing"}, "payments", false},
		{"glob", true, []string{"payments-*"}, "payments-eu", true},
		{"glob miss", true, []string{"payments-*"}, "billing", false},
		{"whitespace", true, []string{" billing "}, "billing", true},
		{"bad pattern", true, []string{"[billing"}, "billing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{Enabled: tt.enabled, DesiredLogs: tt.desired}
			if got := c.Wants(tt.app); got != tt.want {
				t.Errorf("Wants(%q) = %v, want %v", tt.app, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		TenantID: "acme",
		RoleARN:  "arn:aws:iam::123456789012:role/LogDistribution",
		LogGroup: "/tenants/acme",
		Region:   "us-east-1",
		Enabled:  true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no role", func(c *Config) { c.RoleARN = "" }},
		{"no group", func(c *Config) { c.LogGroup = "" }},
		{"no region", func(c *Config) { c.Region = "" }},
		{"bad arn", func(c *Config) { c.RoleARN = "not-an-arn" }},
		{"not iam", func(c *Config) { c.RoleARN = "arn:aws:s3:::bucket" }},
		{"not a role", func(c *Config) { c.RoleARN = "arn:aws:iam::123456789012:user/alice" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid.Clone()
			tt.mutate(&c)
			if err := c.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestRecordRoundTrip(t *testing.T) {
	c := Config{
		TenantID:    "acme",
		RoleARN:     "arn:aws:iam::123456789012:role/LogDistribution",
		LogGroup:    "/tenants/acme",
		Region:      "us-east-1",
		Enabled:     false,
		DesiredLogs: []string{"billing"},
	}
	got := RecordOf(c).Config()
	if got.Enabled != c.Enabled || got.TenantID != c.TenantID || len(got.DesiredLogs) != 1 {
		t.Errorf("round trip: got %+v, want %+v", got, c)
	}

	if !(Record{TenantID: "acme"}).Config().Enabled {
		t.Error("absent enabled must default to true")
	}
}
