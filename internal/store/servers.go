package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/archestra/sandboxd/internal/model"
	"github.com/archestra/sandboxd/internal/security"
)

// ServerRecord persists one installed MCP server's configuration. Secret env
// values are stored sealed; everything else is plain JSON columns.
type ServerRecord struct {
	ID                string
	Name              string
	Command           string
	ArgsJSON          string
	EnvJSON           string
	UserConfigJSON    string
	SecretsCiphertext string
	SecretsNonce      string
	SecretsKeyID      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ServerStore handles installed-server persistence.
type ServerStore struct {
	db     *sql.DB
	cipher *security.SecretCipher
}

func NewServerStore(cipher *security.SecretCipher) *ServerStore {
	return &ServerStore{db: DB, cipher: cipher}
}

// Create inserts a new installed server. The config's Secrets map is sealed
// before it touches disk.
func (s *ServerStore) Create(ctx context.Context, cfg *model.ServerConfig) error {
	argsJSON, err := json.Marshal(orEmptySlice(cfg.Args))
	if err != nil {
		return fmt.Errorf("failed to marshal args: %w", err)
	}
	envJSON, err := json.Marshal(orEmptyMap(cfg.Env))
	if err != nil {
		return fmt.Errorf("failed to marshal env: %w", err)
	}
	userConfigJSON, err := json.Marshal(orEmptyMap(cfg.UserConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}
	ciphertext, nonce, keyID, err := s.cipher.EncryptEnv(cfg.Secrets)
	if err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO installed_servers (
			id, name, command, args_json, env_json, user_config_json,
			secrets_ciphertext, secrets_nonce, secrets_key_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, cfg.ID, cfg.Name, cfg.Command, string(argsJSON), string(envJSON), string(userConfigJSON),
		ciphertext, nonce, keyID, now, now)
	if err != nil {
		return fmt.Errorf("failed to insert server %q: %w", cfg.ID, err)
	}
	return nil
}

// GetByID returns the decrypted config for one server, or nil if absent.
func (s *ServerStore) GetByID(ctx context.Context, id string) (*model.ServerConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, command, args_json, env_json, user_config_json,
			secrets_ciphertext, secrets_nonce, secrets_key_id, created_at, updated_at
		FROM installed_servers WHERE id = ?
	`, id)

	rec, err := scanServer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.recordToConfig(rec)
}

// List returns decrypted configs for every installed server.
func (s *ServerStore) List(ctx context.Context) ([]model.ServerConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, command, args_json, env_json, user_config_json,
			secrets_ciphertext, secrets_nonce, secrets_key_id, created_at, updated_at
		FROM installed_servers ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	configs := make([]model.ServerConfig, 0)
	for rows.Next() {
		rec, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		cfg, err := s.recordToConfig(rec)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// Delete removes one installed server. Deleting an unknown id is not an error.
func (s *ServerStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM installed_servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete server %q: %w", id, err)
	}
	return nil
}

// Exists reports whether a server id is already installed.
func (s *ServerStore) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM installed_servers WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check server %q: %w", id, err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row rowScanner) (*ServerRecord, error) {
	var rec ServerRecord
	err := row.Scan(
		&rec.ID, &rec.Name, &rec.Command, &rec.ArgsJSON, &rec.EnvJSON, &rec.UserConfigJSON,
		&rec.SecretsCiphertext, &rec.SecretsNonce, &rec.SecretsKeyID,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *ServerStore) recordToConfig(rec *ServerRecord) (*model.ServerConfig, error) {
	var args []string
	if err := json.Unmarshal([]byte(rec.ArgsJSON), &args); err != nil {
		return nil, fmt.Errorf("failed to unmarshal args for %q: %w", rec.ID, err)
	}
	var env map[string]string
	if err := json.Unmarshal([]byte(rec.EnvJSON), &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal env for %q: %w", rec.ID, err)
	}
	var userConfig map[string]string
	if err := json.Unmarshal([]byte(rec.UserConfigJSON), &userConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user config for %q: %w", rec.ID, err)
	}
	secrets, err := s.cipher.DecryptEnv(rec.SecretsCiphertext, rec.SecretsNonce)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets for %q: %w", rec.ID, err)
	}

	return &model.ServerConfig{
		ID:         rec.ID,
		Name:       rec.Name,
		Command:    rec.Command,
		Args:       args,
		Env:        env,
		Secrets:    secrets,
		UserConfig: userConfig,
	}, nil
}

func orEmptySlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func orEmptyMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}
