// Package block is the block lifecycle manager: a single-mutex
// in-memory mirror of the store's active blocks, implementing
// extend-never-shorten semantics and severity-gated reason
// replacement. Modeled on session.Manager, which holds
// the same kind of "store is the source of truth, memory is a fast
// cache of the active subset" relationship behind one RWMutex.
package block

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"mimosa/internal/model"
	"mimosa/internal/store"
)

// ErrNotFound is returned by Remove for an IP with no block row.
// Callers log it and move on; it is never raised as an operational error.
var ErrNotFound = errors.New("block: not found")

// ErrInvalidIP is returned by Add for a source_ip that fails strict
// IP parsing.
var ErrInvalidIP = errors.New("block: invalid ip")

// Store is the subset of internal/store.Store the manager needs.
type Store interface {
	GetBlock(ip string) (*model.Block, error)
	UpsertBlock(b *model.Block) error
	AppendBlockHistory(h *model.BlockHistoryEntry) error
	WithBlockTx(fn func(tx store.BlockWriter) error) error
	ListActiveBlocks() ([]*model.Block, error)
	ListBlocks(includeExpired bool, limit int) ([]*model.Block, error)
	ListBlockHistory(ip string, limit int) ([]*model.BlockHistoryEntry, error)
	IncrementProfileBlocksTotal(ip string, now time.Time) error
}

// Whitelist is the subset of internal/whitelist.Evaluator the manager
// needs for ShouldSync's fail-safe gating.
type Whitelist interface {
	ShouldSync(ctx context.Context, ip string) bool
}

// Manager is the single writer of block state. Every mutation holds
// mu; the active map always mirrors exactly the set of
// active=true, expires_at>now rows the store holds.
type Manager struct {
	store     Store
	whitelist Whitelist
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*model.Block
}

// New builds a Manager. Call LoadActive once at startup to seed the
// in-memory map from the store before serving traffic.
func New(s Store, wl Whitelist) *Manager {
	return &Manager{
		store:     s,
		whitelist: wl,
		now:       time.Now,
		active:    make(map[string]*model.Block),
	}
}

// LoadActive seeds the in-memory map from every active row the store
// currently holds. cmd/mimosad runs it once at startup; the reconciler
// does not call it, so the map is not reloaded from the store while the
// process runs.
func (m *Manager) LoadActive() error {
	rows, err := m.store.ListActiveBlocks()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = make(map[string]*model.Block, len(rows))
	for _, b := range rows {
		m.active[b.IP] = b
	}
	return nil
}

func validateIP(ip string) error {
	if net.ParseIP(ip) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return nil
}

// AddParams carries the fields Add needs beyond ip/source/duration.
// Severity drives the reason-replacement gate on an extend.
type AddParams struct {
	Reason       string
	ReasonText   string
	ReasonPlugin string
	Severity     model.Severity
	Source       string
	Duration     *uint32 // minutes; nil means permanent
}

// Add creates or extends a block for ip. If an active block already
// exists: a permanent existing block is a no-op (nothing to extend,
// nothing shorter to guard against, no history row — extending a
// permanent block would be a mutation with no effect); otherwise
// expires_at becomes max(existing, now+duration), the reason is
// replaced only if the new offense's severity outranks the block's
// current severity, and an "extend" history row is appended.
// Otherwise a new Block is persisted, cached, and an "add" history row
// is appended.
func (m *Manager) Add(ip string, p AddParams) (*model.Block, error) {
	if err := validateIP(ip); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var requestedExpiry *time.Time
	if p.Duration != nil {
		t := now.Add(time.Duration(*p.Duration) * time.Minute)
		requestedExpiry = &t
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, hasExisting := m.active[ip]
	if !hasExisting {
		row, err := m.store.GetBlock(ip)
		if err == nil && row.Active {
			existing = row
			hasExisting = true
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	if hasExisting {
		if existing.IsPermanent() {
			return existing, nil
		}

		updated := *existing
		updated.ExpiresAt = laterExpiry(existing.ExpiresAt, requestedExpiry)
		if p.Severity.Rank() > existing.Severity.Rank() {
			updated.Reason = p.Reason
			updated.ReasonText = p.ReasonText
			updated.ReasonPlugin = p.ReasonPlugin
			updated.Severity = p.Severity
		}

		if err := m.persistAndHistory(&updated, p.Source, now, model.HistoryExtend); err != nil {
			return nil, err
		}
		m.active[ip] = &updated
		return &updated, nil
	}

	b := &model.Block{
		IP:               ip,
		Reason:           p.Reason,
		ReasonText:       p.ReasonText,
		ReasonPlugin:     p.ReasonPlugin,
		Severity:         p.Severity,
		Source:           p.Source,
		CreatedAt:        now,
		ExpiresAt:        requestedExpiry,
		Active:           true,
		SyncWithFirewall: true,
	}
	if err := m.persistAndHistory(b, p.Source, now, model.HistoryAdd); err != nil {
		return nil, err
	}
	if err := m.store.IncrementProfileBlocksTotal(ip, now); err != nil {
		slog.Warn("failed to increment profile blocks_total", "ip", ip, "error", err)
	}
	m.active[ip] = b
	return b, nil
}

// laterExpiry implements "extend never shorten": nil represents
// permanent and always wins; otherwise the later of the two times wins.
func laterExpiry(existing, requested *time.Time) *time.Time {
	if existing == nil || requested == nil {
		return nil
	}
	if requested.After(*existing) {
		return requested
	}
	return existing
}

// persistAndHistory writes b and an audit row in one transaction.
func (m *Manager) persistAndHistory(b *model.Block, src string, at time.Time, action model.HistoryAction) error {
	return m.store.WithBlockTx(func(tx store.BlockWriter) error {
		if err := tx.UpsertBlock(b); err != nil {
			return err
		}
		return tx.AppendBlockHistory(&model.BlockHistoryEntry{
			IP:     b.IP,
			Reason: b.Reason,
			Action: action,
			At:     at,
			Source: src,
		})
	})
}

// Remove marks ip's block inactive, sets expires_at=now, and appends a
// "remove" history row. A missing IP is a soft error: logged by the
// caller, never raised as an operational failure.
func (m *Manager) Remove(ip, source string) error {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.active[ip]
	if !ok {
		row, err := m.store.GetBlock(ip)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !row.Active) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		existing = row
	}

	updated := *existing
	updated.Active = false
	updated.ExpiresAt = &now

	if err := m.persistAndHistory(&updated, source, now, model.HistoryRemove); err != nil {
		return err
	}
	delete(m.active, ip)
	return nil
}

// GetActive returns the active block for ip, if any, under the lock —
// the only public way to read a single active block.
func (m *Manager) GetActive(ip string) (*model.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.active[ip]
	return b, ok
}

// List returns blocks sorted by created_at descending, optionally
// including expired/inactive rows.
func (m *Manager) List(includeExpired bool, limit int) ([]*model.Block, error) {
	if !includeExpired {
		m.mu.Lock()
		out := make([]*model.Block, 0, len(m.active))
		for _, b := range m.active {
			out = append(out, b)
		}
		m.mu.Unlock()
		sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}
	return m.store.ListBlocks(true, limit)
}

// History returns the audit trail for ip, newest first.
func (m *Manager) History(ip string, limit int) ([]*model.BlockHistoryEntry, error) {
	return m.store.ListBlockHistory(ip, limit)
}

// PurgeExpired promotes every block whose expires_at has passed to
// inactive, appending an "expire" history row for each, and returns
// the purged set. Called by the reconciler on every tick.
func (m *Manager) PurgeExpired(now time.Time) ([]*model.Block, error) {
	m.mu.Lock()
	var expired []*model.Block
	for ip, b := range m.active {
		if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			expired = append(expired, b)
			delete(m.active, ip)
		}
	}
	m.mu.Unlock()

	for _, b := range expired {
		updated := *b
		updated.Active = false
		if err := m.persistAndHistory(&updated, "reconciler", now, model.HistoryExpire); err != nil {
			slog.Error("failed to persist expired block", "ip", b.IP, "error", err)
		}
	}
	return expired, nil
}

// ShouldSync reports whether ip's block should be projected onto a
// firewall: false if whitelisted or if the whitelist evaluator itself
// failed (fail-safe), true otherwise.
func (m *Manager) ShouldSync(ctx context.Context, ip string) bool {
	return m.whitelist.ShouldSync(ctx, ip)
}
