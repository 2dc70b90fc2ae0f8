package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mimosa/internal/model"
)

// OffenseFilter constrains ListOffenses. Zero values are "no filter".
type OffenseFilter struct {
	IP       string
	Plugin   string
	Severity model.Severity
	Since    *time.Time
}

// InsertOffense persists an offense row and returns it with its
// assigned ID. The offense store is the only caller — this
// package does not re-derive description_clean or event_id, it just
// persists whatever it is given.
func (s *Store) InsertOffense(o *model.Offense) (*model.Offense, error) {
	ctxJSON, err := json.Marshal(o.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}

	res, err := s.db.Exec(`
		INSERT INTO offenses (source_ip, description, description_clean, plugin, severity, host, path, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.SourceIP, o.Description, o.DescriptionClean, o.Plugin, string(o.Severity), o.Host, o.Path, string(ctxJSON), o.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert offense: %v", ErrUnavailable, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("%w: offense id: %v", ErrUnavailable, err)
	}
	out := *o
	out.ID = uint64(id)
	return &out, nil
}

func scanOffense(row interface{ Scan(...any) error }) (*model.Offense, error) {
	var o model.Offense
	var plugin, severity, host, path, ctxStr sql.NullString
	if err := row.Scan(&o.ID, &o.SourceIP, &o.Description, &o.DescriptionClean, &plugin, &severity, &host, &path, &ctxStr, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Plugin = plugin.String
	o.Severity = model.Severity(severity.String)
	o.Host = host.String
	o.Path = path.String
	if ctxStr.Valid && ctxStr.String != "" {
		_ = json.Unmarshal([]byte(ctxStr.String), &o.Context)
	}
	return &o, nil
}

// GetOffense fetches a single offense by ID.
func (s *Store) GetOffense(id uint64) (*model.Offense, error) {
	row := s.db.QueryRow(`
		SELECT id, source_ip, description, description_clean, plugin, severity, host, path, context, created_at
		FROM offenses WHERE id = ?`, id)
	o, err := scanOffense(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get offense: %v", ErrUnavailable, err)
	}
	return o, nil
}

// ListOffenses returns offenses matching filter, most recent first,
// capped at limit.
func (s *Store) ListOffenses(f OffenseFilter, limit int) ([]*model.Offense, error) {
	query := `SELECT id, source_ip, description, description_clean, plugin, severity, host, path, context, created_at FROM offenses WHERE 1=1`
	var args []any
	if f.IP != "" {
		query += " AND source_ip = ?"
		args = append(args, f.IP)
	}
	if f.Plugin != "" {
		query += " AND plugin = ?"
		args = append(args, f.Plugin)
	}
	if f.Severity != "" {
		query += " AND severity = ?"
		args = append(args, string(f.Severity))
	}
	if f.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, *f.Since)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list offenses: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []*model.Offense
	for rows.Next() {
		o, err := scanOffense(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offense: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountOffensesSince returns the number of offenses for ip created at
// or after `since`. Used by the rule engine for min_last_hour.
func (s *Store) CountOffensesSince(ip string, since time.Time) (uint64, error) {
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM offenses WHERE source_ip = ? AND created_at >= ?`, ip, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count offenses since: %v", ErrUnavailable, err)
	}
	return n, nil
}

// CountOffensesTotal returns the all-time offense count for ip.
func (s *Store) CountOffensesTotal(ip string) (uint64, error) {
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM offenses WHERE source_ip = ?`, ip).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count offenses total: %v", ErrUnavailable, err)
	}
	return n, nil
}

// OffenseBucket is one bucketed count in a stats window.
type OffenseBucket struct {
	BucketStart time.Time
	Count       int64
}

// BucketedOffenseStats aggregates offense counts into fixed-size
// buckets (minute/hour/day) over the given window, modeled on the
// storage.SQLiteStore.GetStats COALESCE-aggregate style,
// extended with a strftime bucketing column.
func (s *Store) BucketedOffenseStats(since time.Time, bucket string) ([]OffenseBucket, error) {
	var format string
	switch bucket {
	case "minute":
		format = "%Y-%m-%dT%H:%M:00Z"
	case "hour":
		format = "%Y-%m-%dT%H:00:00Z"
	case "day":
		format = "%Y-%m-%dT00:00:00Z"
	default:
		return nil, fmt.Errorf("%w: unknown bucket size %q", ErrInvalidInput, bucket)
	}

	rows, err := s.db.Query(`
		SELECT strftime(?, created_at) AS bucket, COUNT(*)
		FROM offenses
		WHERE created_at >= ?
		GROUP BY bucket
		ORDER BY bucket ASC`, format, since)
	if err != nil {
		return nil, fmt.Errorf("%w: bucketed offense stats: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []OffenseBucket
	for rows.Next() {
		var bucketStr string
		var count int64
		if err := rows.Scan(&bucketStr, &count); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, bucketStr)
		if err != nil {
			continue
		}
		out = append(out, OffenseBucket{BucketStart: t, Count: count})
	}
	return out, rows.Err()
}
