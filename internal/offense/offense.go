// Package offense is the single writer for offense rows: it
// persists each incoming offense, keeps IpProfile.offenses_total and
// last_seen current, and derives the clean description and event ID
// the rule engine matches against. Grounded on
// storage.SQLiteStore.RecordEvent, which does the same
// persist-then-upsert-profile two-step for connection events.
package offense

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"mimosa/internal/model"
	"mimosa/internal/redaction"
	"mimosa/internal/store"
)

// Store is the subset of internal/store.Store the offense recorder needs.
type Store interface {
	InsertOffense(o *model.Offense) (*model.Offense, error)
	EnsureProfile(ip string, now time.Time) error
	ListOffenses(f store.OffenseFilter, limit int) ([]*model.Offense, error)
	CountOffensesSince(ip string, since time.Time) (uint64, error)
	CountOffensesTotal(ip string) (uint64, error)
	BucketedOffenseStats(since time.Time, bucket string) ([]store.OffenseBucket, error)
}

// Redactor scrubs secrets and PII out of a free-text description
// before it is stored. A nil Redactor on Recorder disables scrubbing.
type Redactor interface {
	Redact(content string) string
}

// Recorder wraps Store with the derivation logic (clean description,
// event ID) the offense ingestion path needs before a row is persisted.
type Recorder struct {
	store    Store
	now      func() time.Time
	redactor Redactor
}

// New builds a Recorder with no redaction.
func New(s Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// WithRedactor enables scrubbing of offense descriptions through r
// before they are persisted. Returns the same Recorder for chaining.
func (rec *Recorder) WithRedactor(r Redactor) *Recorder {
	rec.redactor = r
	return rec
}

// bracketedSuffix strips a trailing "[...]" technical annotation (e.g.
// "Unauthorized login attempt [ip=1.2.3.4 port=22]") so rule matching
// and the UI see the human-readable sentence only.
var bracketedSuffix = regexp.MustCompile(`\s*\[[^\]]*\]\s*$`)

func cleanDescription(raw string) string {
	cleaned := bracketedSuffix.ReplaceAllString(raw, "")
	return strings.TrimSpace(cleaned)
}

// deriveEventID picks an event id by precedence: context.event_id,
// else context.alert_type, else the first token after a ':' in the
// description.
func deriveEventID(description string, ctx map[string]any) string {
	if v, ok := ctx["event_id"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if v, ok := ctx["alert_type"]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if idx := strings.IndexByte(description, ':'); idx >= 0 {
		rest := strings.TrimSpace(description[idx+1:])
		if fields := strings.Fields(rest); len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

// Record persists o, deriving description_clean if unset, and upserts
// the source IP's profile. It is the only path that writes offense
// rows — rule evaluation and broadcast happen downstream of this call
// in internal/ingest, never here.
func (r *Recorder) Record(o *model.Offense) (*model.Offense, error) {
	if o.SourceIP == "" {
		return nil, fmt.Errorf("offense: source_ip is required")
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now()
	}
	if r.redactor != nil {
		o.Description = r.redactor.Redact(o.Description)
	}
	if o.DescriptionClean == "" {
		o.DescriptionClean = cleanDescription(o.Description)
	}
	if o.Context == nil {
		o.Context = map[string]any{}
	}
	if _, ok := o.Context["event_id"]; !ok {
		if id := deriveEventID(o.Description, o.Context); id != "" {
			o.Context["event_id"] = id
		}
	}

	saved, err := r.store.InsertOffense(o)
	if err != nil {
		return nil, err
	}
	if err := r.store.EnsureProfile(o.SourceIP, o.CreatedAt); err != nil {
		return nil, err
	}
	return saved, nil
}

// List returns offenses matching f, most recent first.
func (r *Recorder) List(f store.OffenseFilter, limit int) ([]*model.Offense, error) {
	return r.store.ListOffenses(f, limit)
}

// Counts returns the offense counts the rule engine gates on.
func (r *Recorder) Counts(ip string) (model.IPCounts, error) {
	lastHour, err := r.store.CountOffensesSince(ip, r.now().Add(-time.Hour))
	if err != nil {
		return model.IPCounts{}, err
	}
	total, err := r.store.CountOffensesTotal(ip)
	if err != nil {
		return model.IPCounts{}, err
	}
	return model.IPCounts{OffensesLastHour: lastHour, OffensesTotal: total}, nil
}

// StatsWindow is one of the fixed aggregation windows the stats endpoint reports.
type StatsWindow struct {
	Label  string
	Since  time.Duration
	Bucket string
}

// StandardWindows are the 1h/24h/7d windows the stats endpoint reports,
// each bucketed at a grain coarse enough to keep the series readable.
var StandardWindows = []StatsWindow{
	{Label: "1h", Since: time.Hour, Bucket: "minute"},
	{Label: "24h", Since: 24 * time.Hour, Bucket: "hour"},
	{Label: "7d", Since: 7 * 24 * time.Hour, Bucket: "day"},
}

// Stats returns bucketed offense counts for every standard window.
func (r *Recorder) Stats() (map[string][]store.OffenseBucket, error) {
	out := make(map[string][]store.OffenseBucket, len(StandardWindows))
	now := r.now()
	for _, w := range StandardWindows {
		buckets, err := r.store.BucketedOffenseStats(now.Add(-w.Since), w.Bucket)
		if err != nil {
			return nil, err
		}
		out[w.Label] = buckets
	}
	return out, nil
}
