// Package reconcile is the synchronizer loop: one ticker that drives
// every enabled firewall back to the state the block manager and
// whitelist evaluator say it should be in. Modeled on
// session.Manager's single Run(ctx) background goroutine rather than
// one goroutine per remote target — serialization is one lock held for
// the whole of each tick, so the ticker and an on-demand TickNow never
// sync the same firewall at the same time.
package reconcile

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mimosa/internal/firewall"
	"mimosa/internal/model"
	"mimosa/internal/telemetry"
)

// BlockSource is the subset of block.Manager the reconciler needs.
type BlockSource interface {
	PurgeExpired(now time.Time) ([]*model.Block, error)
	List(includeExpired bool, limit int) ([]*model.Block, error)
	ShouldSync(ctx context.Context, ip string) bool
}

// FirewallStore is the subset of internal/store.Store the reconciler
// needs to discover which appliances to sync and record tick outcomes.
type FirewallStore interface {
	ListEnabledFirewalls() ([]*model.FirewallConfig, error)
	RecordSyncResult(firewallID uint64, at time.Time, syncErr error) error
}

// WhitelistSource is the subset of whitelist.Evaluator the reconciler
// needs to push the desired whitelist alias contents every tick.
type WhitelistSource interface {
	ResolvedEntries(ctx context.Context) []string
}

// GatewayBuilder constructs the driver for one firewall config. Kept
// as a function value (rather than a direct import of the opnsense/
// pfsense packages) so tests can substitute a fake gateway.
type GatewayBuilder func(cfg model.FirewallConfig) (firewall.Gateway, error)

type firewallHealth struct {
	consecutiveFailures int
	degradedUntil       time.Time
}

// Reconciler owns the ticker loop. One instance per process.
type Reconciler struct {
	store     FirewallStore
	blocks    BlockSource
	whitelist WhitelistSource
	build     GatewayBuilder
	interval  time.Duration
	now       func() time.Time
	telemetry *telemetry.Provider

	mu     sync.Mutex
	health map[uint64]*firewallHealth

	tickMu sync.Mutex // held for a whole tick, so Run and TickNow never overlap

	tickDone chan struct{} // signaled after every completed tick, for tests
}

// New builds a Reconciler. interval <= 0 defaults to 5 minutes.
func New(store FirewallStore, blocks BlockSource, whitelist WhitelistSource, build GatewayBuilder, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reconciler{
		store:     store,
		blocks:    blocks,
		whitelist: whitelist,
		build:     build,
		interval:  interval,
		now:       time.Now,
		health:    make(map[uint64]*firewallHealth),
		tickDone:  make(chan struct{}, 1),
	}
}

// WithTelemetry attaches a telemetry provider, wrapping every
// per-firewall sync in a span. Returns the receiver for chaining.
func (r *Reconciler) WithTelemetry(tp *telemetry.Provider) *Reconciler {
	r.telemetry = tp
	return r
}

// Run blocks, ticking every interval until ctx is canceled. Each tick
// purges expired blocks once, then reconciles every enabled firewall
// in turn, skipping any still inside its backoff window.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler stopping")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// TickNow runs one reconciliation pass immediately, outside the
// regular ticker — used for the on-demand resync the admin facade
// triggers after a whitelist or firewall config mutation.
func (r *Reconciler) TickNow(ctx context.Context) {
	r.tick(ctx)
}

func (r *Reconciler) tick(ctx context.Context) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	now := r.now()
	if _, err := r.blocks.PurgeExpired(now); err != nil {
		slog.Error("reconciler: purge expired blocks failed", "error", err)
	}

	firewalls, err := r.store.ListEnabledFirewalls()
	if err != nil {
		slog.Error("reconciler: list enabled firewalls failed", "error", err)
		r.signalTickDone()
		return
	}

	for _, cfg := range firewalls {
		if r.isDegraded(cfg.ID, now) {
			slog.Debug("reconciler: firewall still in backoff, skipping", "firewall_id", cfg.ID)
			continue
		}
		syncErr := r.syncFirewall(ctx, cfg)
		if syncErr != nil {
			r.markDegraded(cfg.ID, now)
			slog.Error("reconciler: firewall sync failed", "firewall_id", cfg.ID, "name", cfg.Name, "error", syncErr)
		} else {
			r.markHealthy(cfg.ID)
		}
		if err := r.store.RecordSyncResult(cfg.ID, now, syncErr); err != nil {
			slog.Error("reconciler: record sync result failed", "firewall_id", cfg.ID, "error", err)
		}
	}
	r.signalTickDone()
}

func (r *Reconciler) signalTickDone() {
	select {
	case r.tickDone <- struct{}{}:
	default:
	}
}

// syncFirewall drives one appliance through the full reconcile
// sequence: ensure the canonical aliases and rule chain exist, then
// push the desired whitelist/blacklist/temporal member sets. If cfg
// carries a NAT target, mimosa_host is synced too, and on drivers that
// support it (pfSense) the associated port-forward is reconciled
// alongside the alias.
func (r *Reconciler) syncFirewall(ctx context.Context, cfg *model.FirewallConfig) (err error) {
	var blockCount int
	if r.telemetry != nil {
		var span trace.Span
		ctx, span = r.telemetry.StartFirewallSpan(ctx, cfg.ID, cfg.Name, string(cfg.Type))
		defer func() { r.telemetry.EndFirewallSpan(span, blockCount, err) }()
	}

	gw, err := r.build(*cfg)
	if err != nil {
		return err
	}

	if err = gw.EnsureAliases(ctx); err != nil {
		return err
	}
	if err = gw.InstallMimosaRules(ctx); err != nil {
		return err
	}

	blocks, err := r.blocks.List(false, 0)
	if err != nil {
		return err
	}

	var temporal, permanent []string
	for _, b := range blocks {
		if !b.SyncWithFirewall {
			continue
		}
		if !r.blocks.ShouldSync(ctx, b.IP) {
			continue
		}
		if b.IsPermanent() {
			permanent = append(permanent, b.IP)
		} else {
			temporal = append(temporal, b.IP)
		}
	}
	blockCount = len(temporal) + len(permanent)

	if _, err = gw.SetAliasContents(ctx, firewall.AliasTemporal, temporal); err != nil {
		return err
	}
	if _, err = gw.SetAliasContents(ctx, firewall.AliasBlacklist, permanent); err != nil {
		return err
	}

	var whitelisted []string
	if r.whitelist != nil {
		whitelisted = r.whitelist.ResolvedEntries(ctx)
	}
	if _, err = gw.SetAliasContents(ctx, firewall.AliasWhitelist, whitelisted); err != nil {
		return err
	}

	if cfg.NATTarget != "" {
		if _, err = gw.SetAliasContents(ctx, firewall.AliasHost, []string{cfg.NATTarget}); err != nil {
			return err
		}
		if syncer, ok := gw.(firewall.HostNATSyncer); ok {
			if err = syncer.SyncHostNAT(ctx, cfg.NATTarget); err != nil {
				return err
			}
		}
	}

	if cfg.ApplyChanges {
		if err = gw.Apply(ctx); err != nil {
			return err
		}
	}
	return nil
}

// isDegraded reports whether firewallID is still inside its backoff
// window as of now.
func (r *Reconciler) isDegraded(firewallID uint64, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[firewallID]
	if !ok {
		return false
	}
	return now.Before(h.degradedUntil)
}

// markDegraded records a failed sync and extends the backoff window
// exponentially, capped at the tick interval — the same "count
// consecutive failures, widen the window" shape as
// proxy.FailoverController.MarkBackendUnhealthy, generalized from a
// boolean healthy flag to a growing cooldown.
func (r *Reconciler) markDegraded(firewallID uint64, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.health[firewallID]
	if !ok {
		h = &firewallHealth{}
		r.health[firewallID] = h
	}
	h.consecutiveFailures++
	backoff := time.Duration(math.Pow(2, float64(h.consecutiveFailures-1))) * time.Second
	if backoff > r.interval {
		backoff = r.interval
	}
	h.degradedUntil = now.Add(backoff)
}

// markHealthy clears a firewall's backoff state after a successful sync.
func (r *Reconciler) markHealthy(firewallID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.health, firewallID)
}
