// Package whitelist answers "is this IP protected from blocking?"
// Fail-safe throughout: any error evaluating a single entry skips that
// entry with a warning, and any error reaching the store at all makes
// the whole answer "do not sync" rather than risk exposing a protected
// IP. Grounded on session.Manager's read-through-cache
// idiom, adapted to a periodically refreshed snapshot instead of a
// per-key TTL.
package whitelist

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mimosa/internal/cache"
	"mimosa/internal/model"
)

// Store is the subset of internal/store.Store the evaluator needs.
type Store interface {
	ListWhitelist() ([]*model.WhitelistEntry, error)
}

// Resolver resolves an FQDN whitelist entry to its current addresses.
// A small interface so tests can stub it without a real network.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

type compiledEntry struct {
	raw     model.WhitelistEntry
	network *net.IPNet // set when entry is a CIDR or bare IP (as /32 or /128)
	fqdn    string     // set when entry is an FQDN, resolved lazily
}

// Evaluator holds a refreshed-on-interval snapshot of whitelist
// entries compiled into matchable form. FQDN resolutions are cached in
// internal/cache for fqdnTTL and deduplicated across concurrent
// callers via singleflight, the same read-through idiom
// internal/geoip.Enricher uses for classification lookups, so a burst
// of traffic checked against the same whitelisted hostname never
// triggers more than one outbound DNS lookup per refresh window.
type Evaluator struct {
	store    Store
	resolver Resolver
	cache    cache.Cache
	fqdnTTL  time.Duration

	mu      sync.RWMutex
	entries []compiledEntry
	loadErr error

	sf singleflight.Group
}

type fqdnCacheValue struct {
	IPs []string `json:"ips"`
}

// New builds an Evaluator. c caches FQDN resolutions across refresh
// windows; a nil c falls back to an in-memory cache so the evaluator
// is still usable without a shared backend configured. Call Refresh
// once before first use (or rely on the first Refresh scheduled by the
// caller's ticker loop) — until then IsWhitelisted fails safe and
// returns false.
func New(store Store, resolver Resolver, c cache.Cache, fqdnTTL time.Duration) *Evaluator {
	if resolver == nil {
		resolver = netResolver{}
	}
	if c == nil {
		c = cache.NewMemoryCache()
	}
	if fqdnTTL <= 0 {
		fqdnTTL = 5 * time.Minute
	}
	return &Evaluator{
		store:    store,
		resolver: resolver,
		cache:    c,
		fqdnTTL:  fqdnTTL,
		loadErr:  errors.New("whitelist: not yet loaded"),
	}
}

// Refresh reloads entries from the store and recompiles them. Called
// on startup and on a timer; a failed refresh leaves the previous
// snapshot in place for IsWhitelisted but records the error, so
// ShouldSync returns false until the next successful refresh.
func (e *Evaluator) Refresh() error {
	rows, err := e.store.ListWhitelist()
	if err != nil {
		e.mu.Lock()
		e.loadErr = err
		e.mu.Unlock()
		return err
	}

	compiled := make([]compiledEntry, 0, len(rows))
	for _, row := range rows {
		ce, ok := compileEntry(*row)
		if !ok {
			slog.Warn("invalid whitelist entry ignored", "cidr", row.CIDR, "id", row.ID)
			continue
		}
		compiled = append(compiled, ce)
	}

	e.mu.Lock()
	e.entries = compiled
	e.loadErr = nil
	e.mu.Unlock()
	return nil
}

func compileEntry(row model.WhitelistEntry) (compiledEntry, bool) {
	raw := strings.TrimSpace(row.CIDR)
	if raw == "" {
		return compiledEntry{}, false
	}

	if _, network, err := net.ParseCIDR(raw); err == nil {
		return compiledEntry{raw: row, network: network}, true
	}
	if ip := net.ParseIP(raw); ip != nil {
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		_, network, _ := net.ParseCIDR(ip.String() + "/" + itoa(bits))
		return compiledEntry{raw: row, network: network}, true
	}
	// Not an IP or CIDR; treat as an FQDN candidate. A bare hostname
	// validation failure here would require a DNS round trip, so any
	// string that isn't an IP/CIDR is accepted and resolved lazily.
	return compiledEntry{raw: row, fqdn: strings.ToLower(raw)}, true
}

func itoa(n int) string {
	if n == 32 {
		return "32"
	}
	return "128"
}

// IsWhitelisted reports whether ip is covered by any whitelist entry.
// Fails safe to false (not whitelisted, so the caller proceeds as if
// unprotected is wrong — see ShouldSync, which is the fail-safe
// direction callers actually want) when the store has never
// successfully loaded.
func (e *Evaluator) IsWhitelisted(ctx context.Context, ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	e.mu.RLock()
	entries := e.entries
	e.mu.RUnlock()

	for _, entry := range entries {
		if entry.network != nil {
			if entry.network.Contains(parsed) {
				return true
			}
			continue
		}
		if entry.fqdn != "" {
			ips := e.resolveFQDN(ctx, entry.fqdn)
			for _, candidate := range ips {
				if candidate.Equal(parsed) {
					return true
				}
			}
		}
	}
	return false
}

// ResolvedEntries returns the current whitelist snapshot as a flat
// list of IPs/CIDRs suitable for a firewall alias: CIDR and bare-IP
// entries pass through as stored, and FQDN entries are expanded to
// every address the configured resolver currently returns for them.
// Used by the reconciler to populate the whitelist alias every tick so
// the firewall's own pass-before-block rule can match a real
// whitelisted address, not just the evaluator's in-process decision.
func (e *Evaluator) ResolvedEntries(ctx context.Context) []string {
	e.mu.RLock()
	entries := e.entries
	e.mu.RUnlock()

	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.network != nil {
			out = append(out, strings.TrimSpace(entry.raw.CIDR))
			continue
		}
		if entry.fqdn != "" {
			for _, ip := range e.resolveFQDN(ctx, entry.fqdn) {
				out = append(out, ip.String())
			}
		}
	}
	return out
}

// ShouldSync is the fail-safe entry point block.Manager and the
// reconciler use: it returns false (do not sync to the firewall) both
// when the IP is whitelisted and when the whitelist itself could not
// be evaluated. Withholding a block is always safer than risking a
// whitelisted IP getting blocked.
func (e *Evaluator) ShouldSync(ctx context.Context, ip string) bool {
	e.mu.RLock()
	loadErr := e.loadErr
	e.mu.RUnlock()
	if loadErr != nil {
		slog.Warn("whitelist unavailable, withholding sync", "ip", ip, "error", loadErr)
		return false
	}
	return !e.IsWhitelisted(ctx, ip)
}

func (e *Evaluator) resolveFQDN(ctx context.Context, fqdn string) []net.IP {
	cacheKey := "whitelist:fqdn:" + fqdn

	var cached fqdnCacheValue
	if found, err := e.cache.Get(cacheKey, &cached); err == nil && found {
		return parseIPs(cached.IPs)
	}

	v, err, _ := e.sf.Do(cacheKey, func() (any, error) {
		var cached fqdnCacheValue
		if found, err := e.cache.Get(cacheKey, &cached); err == nil && found {
			return &cached, nil
		}

		lookupCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		hosts, err := e.resolver.LookupHost(lookupCtx, fqdn)
		if err != nil {
			slog.Warn("whitelist fqdn resolution failed, entry skipped", "fqdn", fqdn, "error", err)
			return &fqdnCacheValue{}, nil
		}

		result := &fqdnCacheValue{IPs: hosts}
		_ = e.cache.Set(cacheKey, result, e.fqdnTTL)
		return result, nil
	})
	if err != nil {
		return nil
	}
	return parseIPs(v.(*fqdnCacheValue).IPs)
}

func parseIPs(hosts []string) []net.IP {
	ips := make([]net.IP, 0, len(hosts))
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
