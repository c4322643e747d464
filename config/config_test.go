package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromMapDefaults(t *testing.T) {
	cfg, err := FromMap(map[string]string{"GATEWAY_TOKEN": "secret"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.MaxSessionsPerUser != 1 {
		t.Fatalf("expected max sessions 1, got %d", cfg.MaxSessionsPerUser)
	}
	if cfg.SandboxMaxLifetime != time.Hour {
		t.Fatalf("expected 1h lifetime, got %s", cfg.SandboxMaxLifetime)
	}
	if cfg.SandboxMemoryMB != 40 || cfg.SandboxCPUFraction != 0.1 {
		t.Fatalf("unexpected resource defaults: %d MB %.2f cpu", cfg.SandboxMemoryMB, cfg.SandboxCPUFraction)
	}
	if cfg.CompetitionEnabled {
		t.Fatal("competition should default to disabled")
	}
	if cfg.InstanceID == "" {
		t.Fatal("instance id should fall back to hostname")
	}
}

func TestFromMapAdmins(t *testing.T) {
	cfg, err := FromMap(map[string]string{
		"GATEWAY_TOKEN": "secret",
		"ADMIN_IDS":     " bob@example.com,alice@example.com ,,",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.IsAdmin("alice@example.com") || !cfg.IsAdmin("bob@example.com") {
		t.Fatalf("expected both admins, got %v", cfg.Admins())
	}
	if cfg.IsAdmin("") {
		t.Fatal("empty id must not be admin")
	}
	got := strings.Join(cfg.Admins(), ",")
	if got != "alice@example.com,bob@example.com" {
		t.Fatalf("unexpected sorted admins %q", got)
	}

	admins := cfg.Admins()
	admins[0] = "mallory"
	if cfg.IsAdmin("mallory") {
		t.Fatal("Admins must return a copy")
	}
}

func TestWithAdminsDoesNotMutateOriginal(t *testing.T) {
	base := Default()
	derived := base.WithAdmins("root")
	if base.IsAdmin("root") {
		t.Fatal("original config mutated")
	}
	if !derived.IsAdmin("root") {
		t.Fatal("derived config missing admin")
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"missing token", map[string]string{}, "GATEWAY_TOKEN"},
		{"bad runtime", map[string]string{"GATEWAY_AUTH_DISABLED": "true", "SANDBOX_RUNTIME": "vm"}, "SANDBOX_RUNTIME"},
		{"bad store", map[string]string{"GATEWAY_AUTH_DISABLED": "true", "STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"zero sessions", map[string]string{"GATEWAY_AUTH_DISABLED": "true", "MAX_SESSIONS_PER_USER": "0"}, "MAX_SESSIONS_PER_USER"},
		{"bad duration", map[string]string{"GATEWAY_AUTH_DISABLED": "true", "SANDBOX_STOP_GRACE": "soon"}, "SandboxStopGrace"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromMap(tc.vars)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}
