package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mimosa/internal/model"
)

func scanFirewall(row interface{ Scan(...any) error }) (*model.FirewallConfig, error) {
	var f model.FirewallConfig
	var apiKey, apiSecret, natTarget sql.NullString
	var verifySSL, enabled, applyChanges int
	if err := row.Scan(&f.ID, &f.Name, &f.Type, &f.BaseURL, &apiKey, &apiSecret,
		&verifySSL, &f.TimeoutSeconds, &enabled, &applyChanges, &natTarget); err != nil {
		return nil, err
	}
	f.APIKey = apiKey.String
	f.APISecret = apiSecret.String
	f.VerifySSL = verifySSL != 0
	f.Enabled = enabled != 0
	f.ApplyChanges = applyChanges != 0
	f.NATTarget = natTarget.String
	return &f, nil
}

const firewallColumns = `id, name, type, base_url, api_key, api_secret, verify_ssl, timeout_seconds, enabled, apply_changes, nat_target`

// InsertFirewall adds a firewall config and returns it with its ID.
func (s *Store) InsertFirewall(f *model.FirewallConfig) (*model.FirewallConfig, error) {
	verifySSL, enabled, applyChanges := 0, 0, 0
	if f.VerifySSL {
		verifySSL = 1
	}
	if f.Enabled {
		enabled = 1
	}
	if f.ApplyChanges {
		applyChanges = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO firewalls (name, type, base_url, api_key, api_secret, verify_ssl, timeout_seconds, enabled, apply_changes, nat_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Name, string(f.Type), f.BaseURL, f.APIKey, f.APISecret, verifySSL, f.TimeoutSeconds, enabled, applyChanges, f.NATTarget,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert firewall: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: firewall id: %v", ErrUnavailable, err)
	}
	out := *f
	out.ID = uint64(id)
	return &out, nil
}

// UpdateFirewall replaces a firewall config's fields by ID.
func (s *Store) UpdateFirewall(f *model.FirewallConfig) error {
	verifySSL, enabled, applyChanges := 0, 0, 0
	if f.VerifySSL {
		verifySSL = 1
	}
	if f.Enabled {
		enabled = 1
	}
	if f.ApplyChanges {
		applyChanges = 1
	}
	res, err := s.db.Exec(`
		UPDATE firewalls SET name=?, type=?, base_url=?, api_key=?, api_secret=?,
			verify_ssl=?, timeout_seconds=?, enabled=?, apply_changes=?, nat_target=?
		WHERE id = ?`,
		f.Name, string(f.Type), f.BaseURL, f.APIKey, f.APISecret, verifySSL, f.TimeoutSeconds, enabled, applyChanges, f.NATTarget, f.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update firewall: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: firewall rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFirewall removes a firewall config by ID.
func (s *Store) DeleteFirewall(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM firewalls WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete firewall: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: firewall rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFirewall fetches a firewall config by ID.
func (s *Store) GetFirewall(id uint64) (*model.FirewallConfig, error) {
	row := s.db.QueryRow(`SELECT `+firewallColumns+` FROM firewalls WHERE id = ?`, id)
	f, err := scanFirewall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get firewall: %v", ErrUnavailable, err)
	}
	return f, nil
}

// ListFirewalls returns every configured firewall.
func (s *Store) ListFirewalls() ([]*model.FirewallConfig, error) {
	rows, err := s.db.Query(`SELECT ` + firewallColumns + ` FROM firewalls ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list firewalls: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*model.FirewallConfig
	for rows.Next() {
		f, err := scanFirewall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// ListEnabledFirewalls returns only firewalls with enabled=1, the set
// the reconciler iterates on every tick.
func (s *Store) ListEnabledFirewalls() ([]*model.FirewallConfig, error) {
	rows, err := s.db.Query(`SELECT ` + firewallColumns + ` FROM firewalls WHERE enabled = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list enabled firewalls: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*model.FirewallConfig
	for rows.Next() {
		f, err := scanFirewall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RecordSyncResult upserts the last-attempt bookkeeping row for a
// firewall. The reconciler writes it after every attempt; nothing in
// this module reads it back.
func (s *Store) RecordSyncResult(firewallID uint64, at time.Time, syncErr error) error {
	var errText sql.NullString
	if syncErr != nil {
		errText = sql.NullString{String: syncErr.Error(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO sync_state (firewall_id, last_diff_at, last_error) VALUES (?, ?, ?)
		ON CONFLICT(firewall_id) DO UPDATE SET last_diff_at=excluded.last_diff_at, last_error=excluded.last_error`,
		firewallID, at, errText,
	)
	if err != nil {
		return fmt.Errorf("%w: record sync result: %v", ErrUnavailable, err)
	}
	return nil
}
