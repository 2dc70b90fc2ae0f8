package store

import (
	"database/sql"
	"errors"
	"fmt"

	"mimosa/internal/model"
)

func scanRule(row interface{ Scan(...any) error }) (*model.Rule, error) {
	var r model.Rule
	var blockMinutes sql.NullInt64
	if err := row.Scan(&r.ID, &r.Plugin, &r.EventID, &r.Severity, &r.Description,
		&r.MinLastHour, &r.MinTotal, &r.MinBlocksTotal, &blockMinutes); err != nil {
		return nil, err
	}
	if blockMinutes.Valid {
		v := uint32(blockMinutes.Int64)
		r.BlockMinutes = &v
	}
	return &r, nil
}

const ruleColumns = `id, plugin, event_id, severity, description, min_last_hour, min_total, min_blocks_total, block_minutes`

// InsertRule adds a new escalation rule and returns it with its ID.
func (s *Store) InsertRule(r *model.Rule) (*model.Rule, error) {
	res, err := s.db.Exec(`
		INSERT INTO rules (plugin, event_id, severity, description, min_last_hour, min_total, min_blocks_total, block_minutes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Plugin, r.EventID, r.Severity, r.Description, r.MinLastHour, r.MinTotal, r.MinBlocksTotal, r.BlockMinutes,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert rule: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: rule id: %v", ErrUnavailable, err)
	}
	out := *r
	out.ID = uint64(id)
	return &out, nil
}

// UpdateRule replaces a rule's fields by ID.
func (s *Store) UpdateRule(r *model.Rule) error {
	res, err := s.db.Exec(`
		UPDATE rules SET plugin=?, event_id=?, severity=?, description=?,
			min_last_hour=?, min_total=?, min_blocks_total=?, block_minutes=?
		WHERE id = ?`,
		r.Plugin, r.EventID, r.Severity, r.Description, r.MinLastHour, r.MinTotal, r.MinBlocksTotal, r.BlockMinutes, r.ID,
	)
	if err != nil {
		return fmt.Errorf("%w: update rule: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rule rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule by ID.
func (s *Store) DeleteRule(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete rule: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rule rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRule fetches a rule by ID.
func (s *Store) GetRule(id uint64) (*model.Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get rule: %v", ErrUnavailable, err)
	}
	return r, nil
}

// ListRules returns every rule ordered by ID ascending — the order the
// rule engine evaluates them in, first match wins.
func (s *Store) ListRules() ([]*model.Rule, error) {
	rows, err := s.db.Query(`SELECT ` + ruleColumns + ` FROM rules ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list rules: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
