package whitelist

import (
	"context"
	"errors"
	"testing"
	"time"

	"mimosa/internal/model"
)

type stubStore struct {
	entries []*model.WhitelistEntry
	err     error
}

func (s *stubStore) ListWhitelist() ([]*model.WhitelistEntry, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.entries, nil
}

type stubResolver struct {
	hosts map[string][]string
	err   error
	calls int
}

func (r *stubResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.hosts[host], nil
}

func TestIsWhitelistedCIDR(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{
		{ID: 1, CIDR: "203.0.113.0/24"},
	}}
	e := New(store, nil, nil, time.Minute)
	if err := e.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if !e.IsWhitelisted(context.Background(), "203.0.113.10") {
		t.Fatal("expected 203.0.113.10 to be whitelisted by CIDR")
	}
	if e.IsWhitelisted(context.Background(), "198.51.100.1") {
		t.Fatal("expected 198.51.100.1 to not be whitelisted")
	}
}

func TestIsWhitelistedBareIP(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: "10.0.0.5"}}}
	e := New(store, nil, nil, time.Minute)
	_ = e.Refresh()

	if !e.IsWhitelisted(context.Background(), "10.0.0.5") {
		t.Fatal("expected bare IP entry to match exactly")
	}
	if e.IsWhitelisted(context.Background(), "10.0.0.6") {
		t.Fatal("bare IP entry must not match a neighboring address")
	}
}

func TestIsWhitelistedFQDN(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: "trusted.example.com"}}}
	resolver := &stubResolver{hosts: map[string][]string{"trusted.example.com": {"192.0.2.5"}}}
	e := New(store, resolver, nil, time.Minute)
	_ = e.Refresh()

	if !e.IsWhitelisted(context.Background(), "192.0.2.5") {
		t.Fatal("expected FQDN entry to resolve and match")
	}
}

func TestResolveFQDNCachedAcrossCalls(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: "trusted.example.com"}}}
	resolver := &stubResolver{hosts: map[string][]string{"trusted.example.com": {"192.0.2.5"}}}
	e := New(store, resolver, nil, time.Minute)
	_ = e.Refresh()

	for i := 0; i < 5; i++ {
		if !e.IsWhitelisted(context.Background(), "192.0.2.5") {
			t.Fatal("expected FQDN entry to resolve and match")
		}
	}
	if resolver.calls != 1 {
		t.Fatalf("expected a single resolver call across repeated lookups, got %d", resolver.calls)
	}
}

func TestResolvedEntriesIncludesCIDRAndResolvedFQDN(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{
		{ID: 1, CIDR: "203.0.113.0/24"},
		{ID: 2, CIDR: "trusted.example.com"},
	}}
	resolver := &stubResolver{hosts: map[string][]string{"trusted.example.com": {"192.0.2.5"}}}
	e := New(store, resolver, nil, time.Minute)
	_ = e.Refresh()

	got := e.ResolvedEntries(context.Background())
	want := map[string]bool{"203.0.113.0/24": true, "192.0.2.5": true}
	if len(got) != len(want) {
		t.Fatalf("expected %d resolved entries, got %v", len(want), got)
	}
	for _, entry := range got {
		if !want[entry] {
			t.Fatalf("unexpected resolved entry %q", entry)
		}
	}
}

func TestIsWhitelistedFQDNResolutionFailureSkipsEntry(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: "broken.example.com"}}}
	resolver := &stubResolver{err: errors.New("no such host")}
	e := New(store, resolver, nil, time.Minute)
	_ = e.Refresh()

	if e.IsWhitelisted(context.Background(), "192.0.2.5") {
		t.Fatal("resolution failure must skip the entry, not match everything")
	}
}

func TestShouldSyncFailSafeBeforeFirstLoad(t *testing.T) {
	store := &stubStore{}
	e := New(store, nil, nil, time.Minute)

	if e.ShouldSync(context.Background(), "192.0.2.5") {
		t.Fatal("expected ShouldSync to fail safe to false before any successful Refresh")
	}
}

func TestShouldSyncFailSafeOnStoreError(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: "10.0.0.0/8"}}}
	e := New(store, nil, nil, time.Minute)
	if err := e.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	store.err = errors.New("database unavailable")
	if err := e.Refresh(); err == nil {
		t.Fatal("expected Refresh to surface the store error")
	}

	// A later failed refresh must not corrupt the prior good snapshot's
	// matching behavior, but ShouldSync should now report the load error.
	if e.ShouldSync(context.Background(), "192.0.2.5") {
		t.Fatal("expected ShouldSync to fail safe to false once the store is unavailable")
	}
}

func TestInvalidWhitelistEntryIgnored(t *testing.T) {
	store := &stubStore{entries: []*model.WhitelistEntry{{ID: 1, CIDR: ""}}}
	e := New(store, nil, nil, time.Minute)
	if err := e.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if e.IsWhitelisted(context.Background(), "10.0.0.1") {
		t.Fatal("blank entry must not match anything")
	}
}
