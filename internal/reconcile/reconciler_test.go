package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mimosa/internal/firewall"
	"mimosa/internal/model"
)

type fakeGateway struct {
	mu              sync.Mutex
	ensureCalls     int
	installCalls    int
	applyCalls      int
	aliasContents   map[string][]string
	failEnsure      bool
	failSetContents bool
	natTargets      []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{aliasContents: make(map[string][]string)}
}

func (g *fakeGateway) EnsureAliases(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureCalls++
	if g.failEnsure {
		return errors.New("ensure aliases failed")
	}
	return nil
}

func (g *fakeGateway) InstallMimosaRules(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.installCalls++
	return nil
}

func (g *fakeGateway) ListRules(ctx context.Context) ([]firewall.Rule, error) { return nil, nil }
func (g *fakeGateway) GetRule(ctx context.Context, id string) (*firewall.Rule, error) {
	return nil, nil
}
func (g *fakeGateway) ToggleRule(ctx context.Context, id string, enabled bool) error { return nil }
func (g *fakeGateway) DeleteRule(ctx context.Context, id string) error               { return nil }

func (g *fakeGateway) AddToAlias(ctx context.Context, alias, entry string) error { return nil }
func (g *fakeGateway) AddBulk(ctx context.Context, alias string, entries []string) (*firewall.SyncResult, error) {
	return &firewall.SyncResult{}, nil
}
func (g *fakeGateway) RemoveFromAlias(ctx context.Context, alias, entry string) error { return nil }

func (g *fakeGateway) SetAliasContents(ctx context.Context, alias string, desired []string) (*firewall.SyncResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failSetContents {
		return nil, errors.New("set alias contents failed")
	}
	g.aliasContents[alias] = desired
	return &firewall.SyncResult{}, nil
}

func (g *fakeGateway) PortsAliasSync(ctx context.Context, protocol string, ports []int) (*firewall.SyncResult, error) {
	return &firewall.SyncResult{}, nil
}

func (g *fakeGateway) SyncHostNAT(ctx context.Context, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.natTargets = append(g.natTargets, target)
	return nil
}

var _ firewall.HostNATSyncer = (*fakeGateway)(nil)

func (g *fakeGateway) Apply(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.applyCalls++
	return nil
}

func (g *fakeGateway) TestConnectivity(ctx context.Context) (*firewall.ConnectivityReport, error) {
	return &firewall.ConnectivityReport{Online: true}, nil
}

var _ firewall.Gateway = (*fakeGateway)(nil)

type fakeFirewallStore struct {
	mu         sync.Mutex
	firewalls  []*model.FirewallConfig
	syncedAt   map[uint64]time.Time
	syncErrors map[uint64]error
}

func newFakeFirewallStore(fw ...*model.FirewallConfig) *fakeFirewallStore {
	return &fakeFirewallStore{firewalls: fw, syncedAt: make(map[uint64]time.Time), syncErrors: make(map[uint64]error)}
}

func (s *fakeFirewallStore) ListEnabledFirewalls() ([]*model.FirewallConfig, error) {
	return s.firewalls, nil
}

func (s *fakeFirewallStore) RecordSyncResult(firewallID uint64, at time.Time, syncErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncedAt[firewallID] = at
	s.syncErrors[firewallID] = syncErr
	return nil
}

type fakeBlockSource struct {
	blocks      []*model.Block
	purgeCalls  int
	whitelisted map[string]bool
}

func (b *fakeBlockSource) PurgeExpired(now time.Time) ([]*model.Block, error) {
	b.purgeCalls++
	return nil, nil
}

func (b *fakeBlockSource) List(includeExpired bool, limit int) ([]*model.Block, error) {
	return b.blocks, nil
}

func (b *fakeBlockSource) ShouldSync(ctx context.Context, ip string) bool {
	if b.whitelisted == nil {
		return true
	}
	return !b.whitelisted[ip]
}

type fakeWhitelistSource struct {
	entries []string
}

func (w *fakeWhitelistSource) ResolvedEntries(ctx context.Context) []string {
	return w.entries
}

func TestTickSyncsEnabledFirewalls(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Name: "home", Enabled: true, ApplyChanges: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{blocks: []*model.Block{
		{IP: "10.0.0.1", Active: true, SyncWithFirewall: true},
		{IP: "10.0.0.2", Active: true, SyncWithFirewall: true, ExpiresAt: nil},
	}}

	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Minute)
	r.tick(context.Background())

	if gw.ensureCalls != 1 || gw.installCalls != 1 || gw.applyCalls != 1 {
		t.Fatalf("expected one ensure/install/apply call, got ensure=%d install=%d apply=%d", gw.ensureCalls, gw.installCalls, gw.applyCalls)
	}
	if blocks.purgeCalls != 1 {
		t.Fatalf("expected PurgeExpired to be called once, got %d", blocks.purgeCalls)
	}
	if err := store.syncErrors[1]; err != nil {
		t.Fatalf("expected nil sync error, got %v", err)
	}
}

func TestTickSkipsWhitelistedBlocks(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Name: "home", Enabled: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{
		blocks:      []*model.Block{{IP: "10.0.0.1", Active: true, SyncWithFirewall: true}},
		whitelisted: map[string]bool{"10.0.0.1": true},
	}

	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Minute)
	r.tick(context.Background())

	if len(gw.aliasContents[firewall.AliasTemporal]) != 0 {
		t.Fatalf("expected whitelisted IP to be excluded, got %v", gw.aliasContents[firewall.AliasTemporal])
	}
}

func TestTickPopulatesWhitelistAlias(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Name: "home", Enabled: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{}
	wl := &fakeWhitelistSource{entries: []string{"203.0.113.0/24", "192.0.2.5"}}

	r := New(store, blocks, wl, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Minute)
	r.tick(context.Background())

	got := gw.aliasContents[firewall.AliasWhitelist]
	if len(got) != 2 || got[0] != "203.0.113.0/24" || got[1] != "192.0.2.5" {
		t.Fatalf("expected whitelist alias populated with resolved entries, got %v", got)
	}
}

func TestTickSyncsHostNATWhenTargetConfigured(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Name: "home", Enabled: true, NATTarget: "10.0.0.50"}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{}

	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Minute)
	r.tick(context.Background())

	if got := gw.aliasContents[firewall.AliasHost]; len(got) != 1 || got[0] != "10.0.0.50" {
		t.Fatalf("expected mimosa_host alias populated with the NAT target, got %v", got)
	}
	if len(gw.natTargets) != 1 || gw.natTargets[0] != "10.0.0.50" {
		t.Fatalf("expected SyncHostNAT called with the configured target, got %v", gw.natTargets)
	}
}

func TestTickSkipsHostNATWhenNoTargetConfigured(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Name: "home", Enabled: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{}

	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Minute)
	r.tick(context.Background())

	if _, ok := gw.aliasContents[firewall.AliasHost]; ok {
		t.Fatalf("expected mimosa_host alias to be left untouched with no NAT target configured")
	}
	if len(gw.natTargets) != 0 {
		t.Fatalf("expected SyncHostNAT not to be called, got %v", gw.natTargets)
	}
}

func TestTickBacksOffAfterFailureAndRecovers(t *testing.T) {
	gw := newFakeGateway()
	gw.failEnsure = true
	fwCfg := &model.FirewallConfig{ID: 7, Name: "edge", Enabled: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{}

	fakeNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, time.Hour)
	r.now = func() time.Time { return fakeNow }

	r.tick(context.Background())
	if store.syncErrors[7] == nil {
		t.Fatal("expected a recorded sync error after a failed ensure_aliases")
	}
	if !r.isDegraded(7, fakeNow) {
		t.Fatal("expected firewall to be in backoff immediately after a failure")
	}

	// A tick while still degraded must not call the gateway again.
	calls := gw.ensureCalls
	r.tick(context.Background())
	if gw.ensureCalls != calls {
		t.Fatalf("expected degraded firewall to be skipped, ensure calls grew from %d to %d", calls, gw.ensureCalls)
	}

	// Advance past the backoff window and fix the gateway: it should recover.
	fakeNow = fakeNow.Add(10 * time.Second)
	gw.failEnsure = false
	r.tick(context.Background())
	if store.syncErrors[7] != nil {
		t.Fatalf("expected nil sync error after recovery, got %v", store.syncErrors[7])
	}
	if r.isDegraded(7, fakeNow) {
		t.Fatal("expected firewall to no longer be degraded after a successful tick")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	gw := newFakeGateway()
	fwCfg := &model.FirewallConfig{ID: 1, Enabled: true}
	store := newFakeFirewallStore(fwCfg)
	blocks := &fakeBlockSource{}

	r := New(store, blocks, &fakeWhitelistSource{}, func(cfg model.FirewallConfig) (firewall.Gateway, error) { return gw, nil }, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	select {
	case <-r.tickDone:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first tick")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
