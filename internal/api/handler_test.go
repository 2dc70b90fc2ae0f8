package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"mimosa/internal/auth"
	"mimosa/internal/block"
	"mimosa/internal/firewall"
	"mimosa/internal/model"
	"mimosa/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	whitelist map[uint64]*model.WhitelistEntry
	firewalls map[uint64]*model.FirewallConfig
	rules     map[uint64]*model.Rule
	nextID    uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		whitelist: make(map[uint64]*model.WhitelistEntry),
		firewalls: make(map[uint64]*model.FirewallConfig),
		rules:     make(map[uint64]*model.Rule),
	}
}

func (f *fakeStore) id() uint64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) InsertWhitelistEntry(e *model.WhitelistEntry) (*model.WhitelistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *e
	cp.ID = f.id()
	f.whitelist[cp.ID] = &cp
	return &cp, nil
}
func (f *fakeStore) DeleteWhitelistEntry(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.whitelist, id)
	return nil
}
func (f *fakeStore) ListWhitelist() ([]*model.WhitelistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.WhitelistEntry
	for _, e := range f.whitelist {
		out = append(out, e)
	}
	return out, nil
}
func (f *fakeStore) GetWhitelistEntry(id uint64) (*model.WhitelistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.whitelist[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

func (f *fakeStore) InsertFirewall(c *model.FirewallConfig) (*model.FirewallConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	cp.ID = f.id()
	f.firewalls[cp.ID] = &cp
	return &cp, nil
}
func (f *fakeStore) UpdateFirewall(c *model.FirewallConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.firewalls[c.ID] = c
	return nil
}
func (f *fakeStore) DeleteFirewall(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.firewalls, id)
	return nil
}
func (f *fakeStore) GetFirewall(id uint64) (*model.FirewallConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.firewalls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}
func (f *fakeStore) ListFirewalls() ([]*model.FirewallConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.FirewallConfig
	for _, c := range f.firewalls {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeStore) InsertRule(r *model.Rule) (*model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *r
	cp.ID = f.id()
	f.rules[cp.ID] = &cp
	return &cp, nil
}
func (f *fakeStore) UpdateRule(r *model.Rule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[r.ID] = r
	return nil
}
func (f *fakeStore) DeleteRule(id uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, id)
	return nil
}
func (f *fakeStore) GetRule(id uint64) (*model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}
func (f *fakeStore) ListRules() ([]*model.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.Rule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}
func (f *fakeStore) ListProfiles(limit int) ([]*model.IPProfile, error) {
	return nil, nil
}

type fakeBlocks struct {
	added   []block.AddParams
	removed []string
	active  map[string]*model.Block
}

func (f *fakeBlocks) List(includeExpired bool, limit int) ([]*model.Block, error) { return nil, nil }
func (f *fakeBlocks) GetActive(ip string) (*model.Block, bool) {
	b, ok := f.active[ip]
	return b, ok
}
func (f *fakeBlocks) History(ip string, limit int) ([]*model.BlockHistoryEntry, error) {
	return nil, nil
}
func (f *fakeBlocks) Remove(ip, source string) error {
	f.removed = append(f.removed, ip)
	return nil
}
func (f *fakeBlocks) Add(ip string, p block.AddParams) (*model.Block, error) {
	f.added = append(f.added, p)
	return &model.Block{IP: ip, Reason: p.Reason, Severity: p.Severity}, nil
}

type fakeWhitelistRefresher struct{ calls int }

func (f *fakeWhitelistRefresher) Refresh() error {
	f.calls++
	return nil
}

type fakeReconciler struct{ ticks int }

func (f *fakeReconciler) TickNow(ctx context.Context) { f.ticks++ }

func newHandler() (*Handler, *fakeStore, *fakeBlocks) {
	s := newFakeStore()
	b := &fakeBlocks{active: make(map[string]*model.Block)}
	h := New(s, b, &fakeWhitelistRefresher{}, &fakeReconciler{}, nil)
	return h, s, b
}

func doJSON(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		buf, _ := json.Marshal(body)
		r = httptest.NewRequest(method, path, bytes.NewReader(buf))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestWhitelistCreateAndList(t *testing.T) {
	h, _, _ := newHandler()

	w := doJSON(h, http.MethodPost, "/api/whitelist", model.WhitelistEntry{CIDR: "10.0.0.0/8", Note: "lan"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(h, http.MethodGet, "/api/whitelist", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var entries []model.WhitelistEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].CIDR != "10.0.0.0/8" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestWhitelistDeleteRefreshesWhitelist(t *testing.T) {
	s := newFakeStore()
	b := &fakeBlocks{active: make(map[string]*model.Block)}
	wl := &fakeWhitelistRefresher{}
	rec := &fakeReconciler{}
	h := New(s, b, wl, rec, nil)

	saved, _ := s.InsertWhitelistEntry(&model.WhitelistEntry{CIDR: "1.2.3.4/32"})

	w := doJSON(h, http.MethodDelete, "/api/whitelist/"+strconv.FormatUint(saved.ID, 10), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if wl.calls != 1 {
		t.Fatalf("expected one whitelist refresh, got %d", wl.calls)
	}
}

func TestFirewallResponsesRedactSecrets(t *testing.T) {
	h, _, _ := newHandler()

	w := doJSON(h, http.MethodPost, "/api/firewalls", model.FirewallConfig{
		Name: "opnsense-main", Type: model.FirewallOPNsense, BaseURL: "https://fw.local",
		APIKey: "secret-key", APISecret: "secret-secret", Enabled: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var fc model.FirewallConfig
	if err := json.Unmarshal(w.Body.Bytes(), &fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.APIKey != "" || fc.APISecret != "" {
		t.Fatalf("expected secrets redacted, got %+v", fc)
	}
}

func TestFirewallTestUsesGatewayBuilder(t *testing.T) {
	s := newFakeStore()
	b := &fakeBlocks{active: make(map[string]*model.Block)}
	h := New(s, b, &fakeWhitelistRefresher{}, &fakeReconciler{}, nil)
	h.build = func(cfg model.FirewallConfig) (firewall.Gateway, error) {
		return fakeGateway{report: &firewall.ConnectivityReport{Online: true, Message: "ok"}}, nil
	}

	saved, _ := s.InsertFirewall(&model.FirewallConfig{Name: "fw1", Type: model.FirewallOPNsense})

	w := doJSON(h, http.MethodPost, "/api/firewalls/"+strconv.FormatUint(saved.ID, 10)+"/test", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var report firewall.ConnectivityReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Online {
		t.Fatalf("expected online report, got %+v", report)
	}
}

func TestRuleCRUD(t *testing.T) {
	h, _, _ := newHandler()

	w := doJSON(h, http.MethodPost, "/api/rules", model.Rule{Plugin: "portdetector", EventID: "tcp_connect", Severity: "alto"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var rule model.Rule
	_ = json.Unmarshal(w.Body.Bytes(), &rule)

	w = doJSON(h, http.MethodDelete, "/api/rules/"+strconv.FormatUint(rule.ID, 10), nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestBlockUnblockRemovesBlock(t *testing.T) {
	s := newFakeStore()
	b := &fakeBlocks{active: map[string]*model.Block{"5.5.5.5": {IP: "5.5.5.5"}}}
	rec := &fakeReconciler{}
	h := New(s, b, &fakeWhitelistRefresher{}, rec, nil)

	w := doJSON(h, http.MethodDelete, "/api/blocks/5.5.5.5", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if len(b.removed) != 1 || b.removed[0] != "5.5.5.5" {
		t.Fatalf("expected removal recorded, got %+v", b.removed)
	}
}

func TestUnauthenticatedRequestRejectedWhenAuthWired(t *testing.T) {
	authStore := newFakeAuthStore()
	svc := auth.New(authStore, time.Hour)
	if err := svc.Bootstrap("admin", "correct horse battery staple"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	s := newFakeStore()
	b := &fakeBlocks{active: make(map[string]*model.Block)}
	h := New(s, b, &fakeWhitelistRefresher{}, &fakeReconciler{}, svc)

	w := doJSON(h, http.MethodGet, "/api/whitelist", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", w.Code)
	}

	loginW := doJSON(h, http.MethodPost, "/api/auth/login", map[string]string{
		"Username": "admin", "Password": "correct horse battery staple",
	})
	if loginW.Code != http.StatusOK {
		t.Fatalf("expected login to succeed, got %d: %s", loginW.Code, loginW.Body.String())
	}
	var resp map[string]any
	_ = json.Unmarshal(loginW.Body.Bytes(), &resp)
	token, _ := resp["token"].(string)
	if token == "" {
		t.Fatal("expected a token in the login response")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/whitelist", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid token, got %d", rec.Code)
	}
}

type fakeGateway struct {
	firewall.Gateway
	report *firewall.ConnectivityReport
}

func (f fakeGateway) TestConnectivity(ctx context.Context) (*firewall.ConnectivityReport, error) {
	return f.report, nil
}

type fakeAuthStore struct {
	mu       sync.Mutex
	users    map[string]*store.User
	sessions map[string]*store.Session
	nextID   uint64
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{users: make(map[string]*store.User), sessions: make(map[string]*store.Session)}
}

func (f *fakeAuthStore) InsertUser(u *store.User) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	cp := *u
	cp.ID = f.nextID
	f.users[cp.Username] = &cp
	return &cp, nil
}
func (f *fakeAuthStore) GetUserByUsername(username string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}
func (f *fakeAuthStore) CountUsers() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}
func (f *fakeAuthStore) InsertSession(sess *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *sess
	f.sessions[cp.TokenHash] = &cp
	return nil
}
func (f *fakeAuthStore) GetSession(tokenHash string) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[tokenHash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}
func (f *fakeAuthStore) DeleteSession(tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}
func (f *fakeAuthStore) PurgeExpiredSessions(now time.Time) error { return nil }

