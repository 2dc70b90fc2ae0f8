package store

import (
	"database/sql"
	"errors"
	"fmt"

	"mimosa/internal/model"
)

// InsertWhitelistEntry adds a CIDR/host entry and returns it with its
// assigned ID.
func (s *Store) InsertWhitelistEntry(e *model.WhitelistEntry) (*model.WhitelistEntry, error) {
	res, err := s.db.Exec(`INSERT INTO whitelist (cidr, note, created_at) VALUES (?, ?, ?)`, e.CIDR, e.Note, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: insert whitelist entry: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: whitelist entry id: %v", ErrUnavailable, err)
	}
	out := *e
	out.ID = uint64(id)
	return &out, nil
}

// DeleteWhitelistEntry removes an entry by ID. Returns ErrNotFound if
// no row matched.
func (s *Store) DeleteWhitelistEntry(id uint64) error {
	res, err := s.db.Exec(`DELETE FROM whitelist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: delete whitelist entry: %v", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: whitelist rows affected: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWhitelist returns every whitelist entry. Called by
// internal/whitelist.Evaluator on a refresh interval and on demand.
func (s *Store) ListWhitelist() ([]*model.WhitelistEntry, error) {
	rows, err := s.db.Query(`SELECT id, cidr, note, created_at FROM whitelist ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list whitelist: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*model.WhitelistEntry
	for rows.Next() {
		var e model.WhitelistEntry
		var note sql.NullString
		if err := rows.Scan(&e.ID, &e.CIDR, &note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Note = note.String
		out = append(out, &e)
	}
	return out, rows.Err()
}

// GetWhitelistEntry fetches one entry by ID.
func (s *Store) GetWhitelistEntry(id uint64) (*model.WhitelistEntry, error) {
	var e model.WhitelistEntry
	var note sql.NullString
	err := s.db.QueryRow(`SELECT id, cidr, note, created_at FROM whitelist WHERE id = ?`, id).
		Scan(&e.ID, &e.CIDR, &note, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get whitelist entry: %v", ErrUnavailable, err)
	}
	e.Note = note.String
	return &e, nil
}
