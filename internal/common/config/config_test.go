package config

import (
	"testing"
)

func TestParseSyncScope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		all     bool
		orgs    []string
		wantErr bool
	}{
		{name: "empty", raw: ""},
		{name: "none", raw: "none"},
		{name: "none mixed case", raw: "NONE"},
		{name: "all", raw: "all"},
		{name: "single org", raw: "org:3a6f9c1e-8d2b-4a7e-9f10-2b8c4d5e6f70", orgs: []string{"3a6f9c1e-8d2b-4a7e-9f10-2b8c4d5e6f70"}},
		{name: "org list", raw: "org:a1, org:b2", orgs: []string{"a1", "b2"}},
		{name: "missing prefix", raw: "a1,b2", wantErr: true},
		{name: "empty org id", raw: "org:", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := ParseSyncScope(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q, got none", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if scope.All != tt.all {
				t.Errorf("All = %v, want %v", scope.All, tt.all)
			}
			if len(scope.OrgIDs) != len(tt.orgs) {
				t.Fatalf("OrgIDs = %v, want %v", scope.OrgIDs, tt.orgs)
			}
			for i, id := range tt.orgs {
				if scope.OrgIDs[i] != id {
					t.Errorf("OrgIDs[%d] = %q, want %q", i, scope.OrgIDs[i], id)
				}
			}
		})
	}
}

func TestSyncScopeEnabled(t *testing.T) {
	if (SyncScope{}).Enabled() {
		t.Error("empty scope should be disabled")
	}
	if !(SyncScope{All: true}).Enabled() {
		t.Error("all scope should be enabled")
	}
	if !(SyncScope{OrgIDs: []string{"a"}}).Enabled() {
		t.Error("org scope should be enabled")
	}
}

func TestLoadDefaults(t *testing.T) {
	// Load from a directory with no config file so only defaults and env apply.
	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Graph.DefaultID != "agent" {
		t.Errorf("graph.defaultId = %q, want agent", cfg.Graph.DefaultID)
	}
	if cfg.Sync.Scope != "none" {
		t.Errorf("sync.scope = %q, want none", cfg.Sync.Scope)
	}
	if cfg.Cron.GraceSeconds != 60 {
		t.Errorf("cron.graceSeconds = %d, want 60", cfg.Cron.GraceSeconds)
	}
}

func TestDatabaseDSNPrecedence(t *testing.T) {
	d := DatabaseConfig{
		URL:  "postgres://u:p@db.example.com:5432/app",
		Host: "localhost", Port: 5432, User: "loom", DBName: "loom", SSLMode: "disable",
	}
	if got := d.DSN(); got != d.URL {
		t.Errorf("DSN = %q, want explicit URL", got)
	}

	d.URL = ""
	want := "host=localhost port=5432 user=loom password= dbname=loom sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN = %q, want %q", got, want)
	}

	d.Host = ""
	if got := d.DSN(); got != "" {
		t.Errorf("DSN = %q, want empty when unconfigured", got)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env:pw@envhost:5432/envdb")
	t.Setenv("AGENT_SYNC_SCOPE", "all")
	t.Setenv("SUPABASE_JWT_SECRET", "shhh")
	t.Setenv("RAG_DEFAULT_TOP_K", "9")

	cfg, err := LoadWithPath(t.TempDir())
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	if cfg.Database.URL != "postgres://env:pw@envhost:5432/envdb" {
		t.Errorf("database.url = %q, want env value", cfg.Database.URL)
	}
	if cfg.Sync.Scope != "all" {
		t.Errorf("sync.scope = %q, want all", cfg.Sync.Scope)
	}
	if cfg.Auth.SupabaseJWTSecret != "shhh" {
		t.Errorf("auth secret not bound from SUPABASE_JWT_SECRET")
	}
	if cfg.Graph.RagDefaultTopK != 9 {
		t.Errorf("graph.ragDefaultTopK = %d, want 9", cfg.Graph.RagDefaultTopK)
	}
}
