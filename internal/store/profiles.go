package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mimosa/internal/model"
)

func scanProfile(row interface{ Scan(...any) error }) (*model.IPProfile, error) {
	var p model.IPProfile
	var geo, rdns sql.NullString
	var enrichedAt sql.NullTime
	var isProxy, isMobile, isHosting int
	if err := row.Scan(&p.IP, &geo, &rdns, &p.Classification, &isProxy, &isMobile, &isHosting,
		&p.FirstSeen, &p.LastSeen, &enrichedAt, &p.OffensesTotal, &p.BlocksTotal); err != nil {
		return nil, err
	}
	p.GeoJSON = geo.String
	p.ReverseDNS = rdns.String
	p.IsProxy = isProxy != 0
	p.IsMobile = isMobile != 0
	p.IsHosting = isHosting != 0
	if enrichedAt.Valid {
		t := enrichedAt.Time
		p.EnrichedAt = &t
	}
	return &p, nil
}

const profileColumns = `ip, geo_json, reverse_dns, classification, is_proxy, is_mobile, is_hosting, first_seen, last_seen, enriched_at, offenses_total, blocks_total`

// GetProfile fetches the IP profile for ip, or ErrNotFound.
func (s *Store) GetProfile(ip string) (*model.IPProfile, error) {
	row := s.db.QueryRow(`SELECT `+profileColumns+` FROM ip_profiles WHERE ip = ?`, ip)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get profile: %v", ErrUnavailable, err)
	}
	return p, nil
}

// EnsureProfile creates a profile row with first_seen=now if one does
// not already exist, and always bumps last_seen and offenses_total by
// one via a single-statement increment — the lost-update-avoidance
// idiom every ip_profile counter needs to stay race-free under
// concurrent offenses.
func (s *Store) EnsureProfile(ip string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO ip_profiles (ip, classification, first_seen, last_seen, offenses_total, blocks_total)
		VALUES (?, 'unknown', ?, ?, 1, 0)
		ON CONFLICT(ip) DO UPDATE SET
			last_seen = excluded.last_seen,
			offenses_total = ip_profiles.offenses_total + 1`,
		ip, now, now,
	)
	if err != nil {
		return fmt.Errorf("%w: ensure profile: %v", ErrUnavailable, err)
	}
	return nil
}

// SaveEnrichment persists the enrichment fields computed by internal/geoip
// without touching the offense/block counters it doesn't own.
func (s *Store) SaveEnrichment(p *model.IPProfile) error {
	isProxy, isMobile, isHosting := 0, 0, 0
	if p.IsProxy {
		isProxy = 1
	}
	if p.IsMobile {
		isMobile = 1
	}
	if p.IsHosting {
		isHosting = 1
	}
	_, err := s.db.Exec(`
		UPDATE ip_profiles SET geo_json = ?, reverse_dns = ?, classification = ?,
			is_proxy = ?, is_mobile = ?, is_hosting = ?, enriched_at = ?
		WHERE ip = ?`,
		p.GeoJSON, p.ReverseDNS, string(p.Classification), isProxy, isMobile, isHosting, p.EnrichedAt, p.IP,
	)
	if err != nil {
		return fmt.Errorf("%w: save enrichment: %v", ErrUnavailable, err)
	}
	return nil
}

// ListProfiles returns up to limit profiles, most recently seen first.
func (s *Store) ListProfiles(limit int) ([]*model.IPProfile, error) {
	query := `SELECT ` + profileColumns + ` FROM ip_profiles ORDER BY last_seen DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list profiles: %v", ErrUnavailable, err)
	}
	defer rows.Close()
	var out []*model.IPProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
