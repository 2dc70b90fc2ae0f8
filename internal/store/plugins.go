package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// GetPluginConfig returns the stored JSON config blob for a plugin
// name, or ErrNotFound if none has been saved yet — callers fall back
// to config.DefaultPluginSettings in that case.
func (s *Store) GetPluginConfig(name string) (json.RawMessage, error) {
	var raw string
	err := s.db.QueryRow(`SELECT config FROM plugin_configs WHERE name = ?`, name).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get plugin config: %v", ErrUnavailable, err)
	}
	return json.RawMessage(raw), nil
}

// SetPluginConfig persists the JSON config blob for a plugin,
// overwriting whatever was there before.
func (s *Store) SetPluginConfig(name string, cfg json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_configs (name, config) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET config = excluded.config`,
		name, string(cfg),
	)
	if err != nil {
		return fmt.Errorf("%w: set plugin config: %v", ErrUnavailable, err)
	}
	return nil
}

// ListPluginConfigs returns every stored plugin config keyed by name.
func (s *Store) ListPluginConfigs() (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`SELECT name, config FROM plugin_configs`)
	if err != nil {
		return nil, fmt.Errorf("%w: list plugin configs: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		out[name] = json.RawMessage(raw)
	}
	return out, rows.Err()
}
