package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/security"
)

func initTestDB(t *testing.T) {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "sandboxd.db")); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	t.Cleanup(func() {
		if err := CloseDB(); err != nil {
			t.Fatalf("CloseDB() error = %v", err)
		}
	})
}

func testCipher(t *testing.T) *security.SecretCipher {
	t.Helper()
	c, err := security.NewSecretCipher([]byte("0123456789abcdef0123456789abcdef"), "test")
	if err != nil {
		t.Fatalf("NewSecretCipher() error = %v", err)
	}
	return c
}

func TestServerStoreCreateGetDeleteFlow(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewServerStore(testCipher(t))

	cfg := &model.ServerConfig{
		ID:      "slack",
		Name:    "Slack",
		Command: "npx",
		Args:    []string{"-y", "@modelcontextprotocol/server-slack"},
		Env:     map[string]string{"SLACK_TEAM_ID": "T123"},
		Secrets: map[string]string{"SLACK_BOT_TOKEN": "xoxb-secret"},
		UserConfig: map[string]string{
			"channel": "#general",
		},
	}
	if err := s.Create(ctx, cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.GetByID(ctx, "slack")
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got == nil {
		t.Fatalf("GetByID() returned nil")
	}
	if got.Command != "npx" || len(got.Args) != 2 {
		t.Fatalf("unexpected config: %+v", got)
	}
	if got.Secrets["SLACK_BOT_TOKEN"] != "xoxb-secret" {
		t.Fatalf("secrets did not round-trip: %+v", got.Secrets)
	}
	if got.UserConfig["channel"] != "#general" {
		t.Fatalf("user config did not round-trip: %+v", got.UserConfig)
	}

	// secrets must not be stored in the clear
	var raw string
	if err := DB.QueryRow(`SELECT secrets_ciphertext FROM installed_servers WHERE id = 'slack'`).Scan(&raw); err != nil {
		t.Fatalf("raw query error = %v", err)
	}
	if raw == "" {
		t.Fatalf("expected sealed secrets ciphertext")
	}

	exists, err := s.Exists(ctx, "slack")
	if err != nil || !exists {
		t.Fatalf("Exists() = %v, %v; want true, nil", exists, err)
	}

	if err := s.Delete(ctx, "slack"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	got, err = s.GetByID(ctx, "slack")
	if err != nil {
		t.Fatalf("GetByID() after delete error = %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestServerStoreDuplicateIDRejected(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewServerStore(testCipher(t))

	cfg := &model.ServerConfig{ID: "filesystem", Command: "mcp-server-filesystem"}
	if err := s.Create(ctx, cfg); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := s.Create(ctx, cfg); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
}

func TestServerStoreListOrderAndNilFields(t *testing.T) {
	initTestDB(t)
	ctx := context.Background()
	s := NewServerStore(testCipher(t))

	if err := s.Create(ctx, &model.ServerConfig{ID: "a", Command: "cmd-a"}); err != nil {
		t.Fatalf("Create(a) error = %v", err)
	}
	if err := s.Create(ctx, &model.ServerConfig{ID: "b", Command: "cmd-b"}); err != nil {
		t.Fatalf("Create(b) error = %v", err)
	}

	configs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(configs) != 2 {
		t.Fatalf("List() len = %d, want 2", len(configs))
	}
	if configs[0].Args == nil || configs[0].Env == nil || configs[0].Secrets == nil {
		t.Fatalf("nil fields should come back as empty collections: %+v", configs[0])
	}

	if err := s.Delete(ctx, "missing"); err != nil {
		t.Fatalf("Delete(missing) should be a no-op, got %v", err)
	}
}
