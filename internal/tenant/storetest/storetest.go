// Package storetest provides a shared conformance test suite for
// tenant.Store implementations. Each backend (memory, file, dynamo) wires
// this suite to verify it satisfies the Store contract.
package storetest

import (
	"context"
	"errors"
	"testing"

	"logfanout/internal/tenant"
)

// Fixtures are the tenants every backend is seeded with.
var Fixtures = []tenant.Config{
	{
		TenantID:    "acme",
		RoleARN:     "arn:aws:iam::123456789012:role/LogDistribution",
		LogGroup:    "/tenants/acme",
		Region:      "us-east-1",
		Enabled:     true,
		DesiredLogs: []string{"billing", "payments-*"},
	},
	{
		TenantID: "globex",
		RoleARN:  "arn:aws:iam::210987654321:role/LogDistribution",
		LogGroup: "/tenants/globex",
		Region:   "eu-west-1",
		Enabled:  false,
	},
}

// TestStore runs the conformance suite. newStore must return a store
// holding exactly the given tenants.
func TestStore(t *testing.T, newStore func(t *testing.T, seed []tenant.Config) tenant.Store) {
	t.Run("GetExisting", func(t *testing.T) {
		s := newStore(t, Fixtures)
		got, err := s.Get(context.Background(), "acme")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		want := Fixtures[0]
		if got.TenantID != want.TenantID {
			t.Errorf("TenantID: got %q, want %q", got.TenantID, want.TenantID)
		}
		if got.RoleARN != want.RoleARN {
			t.Errorf("RoleARN: got %q, want %q", got.RoleARN, want.RoleARN)
		}
		if got.LogGroup != want.LogGroup {
			t.Errorf("LogGroup: got %q, want %q", got.LogGroup, want.LogGroup)
		}
		if got.Region != want.Region {
			t.Errorf("Region: got %q, want %q", got.Region, want.Region)
		}
		if !got.Enabled {
			t.Error("Enabled: got false, want true")
		}
		if len(got.DesiredLogs) != 2 || got.DesiredLogs[0] != "billing" || got.DesiredLogs[1] != "payments-*" {
			t.Errorf("DesiredLogs: got %v", got.DesiredLogs)
		}
	})

	t.Run("GetDisabled", func(t *testing.T) {
		s := newStore(t, Fixtures)
		got, err := s.Get(context.Background(), "globex")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Enabled {
			t.Error("Enabled: got true, want false")
		}
		if len(got.DesiredLogs) != 0 {
			t.Errorf("DesiredLogs: got %v, want empty", got.DesiredLogs)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t, Fixtures)
		_, err := s.Get(context.Background(), "initech")
		if !errors.Is(err, tenant.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("GetFromEmpty", func(t *testing.T) {
		s := newStore(t, nil)
		_, err := s.Get(context.Background(), "acme")
		if !errors.Is(err, tenant.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ReturnedValueIsACopy", func(t *testing.T) {
		s := newStore(t, Fixtures)
		first, err := s.Get(context.Background(), "acme")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		first.DesiredLogs[0] = "mutated"
		second, err := s.Get(context.Background(), "acme")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if second.DesiredLogs[0] != "billing" {
			t.Errorf("store shares DesiredLogs with callers: got %q", second.DesiredLogs[0])
		}
	})
}
