package opnsense

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"mimosa/internal/firewall"
	"mimosa/internal/model"
)

// fakeAlias is one alias tracked by the stub server.
type fakeAlias struct {
	uuid    string
	name    string
	typ     string
	content string
}

type stubServer struct {
	aliases map[string]*fakeAlias // keyed by name
	nextID  int
	reqLog  []string
}

func newStubServer() *stubServer {
	return &stubServer{aliases: make(map[string]*fakeAlias)}
}

func (s *stubServer) newUUID() string {
	s.nextID++
	return "uuid-" + itoa(s.nextID)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func (s *stubServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.reqLog = append(s.reqLog, r.Method+" "+r.URL.Path)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		switch {
		case r.URL.Path == "/api/firewall/alias/searchItem":
			phrase := r.URL.Query().Get("searchPhrase")
			rows := []map[string]string{}
			for _, a := range s.aliases {
				if phrase == "" || a.name == phrase {
					rows = append(rows, map[string]string{"uuid": a.uuid, "name": a.name})
				}
			}
			writeJSON(w, map[string]any{"rows": rows})

		case r.URL.Path == "/api/firewall/alias/addItem":
			var req aliasSetRequest
			json.NewDecoder(r.Body).Decode(&req)
			uuid := s.newUUID()
			s.aliases[req.Alias.Name] = &fakeAlias{uuid: uuid, name: req.Alias.Name, typ: req.Alias.Type}
			writeJSON(w, map[string]any{"result": "saved", "uuid": uuid})

		case len(r.URL.Path) > len("/api/firewall/alias/getItem/") && r.URL.Path[:len("/api/firewall/alias/getItem/")] == "/api/firewall/alias/getItem/":
			uuid := r.URL.Path[len("/api/firewall/alias/getItem/"):]
			var found *fakeAlias
			for _, a := range s.aliases {
				if a.uuid == uuid {
					found = a
				}
			}
			if found == nil {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeJSON(w, map[string]any{"alias": map[string]string{"content": found.content}})

		case len(r.URL.Path) > len("/api/firewall/alias/setItem/") && r.URL.Path[:len("/api/firewall/alias/setItem/")] == "/api/firewall/alias/setItem/":
			uuid := r.URL.Path[len("/api/firewall/alias/setItem/"):]
			var req aliasSetRequest
			json.NewDecoder(r.Body).Decode(&req)
			for _, a := range s.aliases {
				if a.uuid == uuid {
					a.content = req.Alias.Content
				}
			}
			writeJSON(w, map[string]any{"result": "saved"})

		case r.URL.Path == "/api/firewall/alias/reconfigure":
			writeJSON(w, map[string]any{"result": "ok"})

		case r.URL.Path == "/api/firewall/filter/searchRule":
			writeJSON(w, map[string]any{"rows": []map[string]string{}})

		case r.URL.Path == "/api/firewall/filter/addRule":
			writeJSON(w, map[string]any{"result": "saved", "uuid": s.newUUID()})

		case r.URL.Path == "/api/firewall/filter/apply":
			writeJSON(w, map[string]any{"result": "ok"})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newTestDriver(t *testing.T, ts *httptest.Server) *Driver {
	t.Helper()
	cfg := model.FirewallConfig{
		Name: "home", Type: model.FirewallOPNsense, BaseURL: ts.URL,
		APIKey: "key", APISecret: "secret", VerifySSL: false,
		TimeoutSeconds: 5, Enabled: true, ApplyChanges: true,
	}
	return New(cfg)
}

func TestEnsureAliasesCreatesAllSix(t *testing.T) {
	stub := newStubServer()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	d := newTestDriver(t, ts)

	if err := d.EnsureAliases(context.Background()); err != nil {
		t.Fatalf("EnsureAliases: %v", err)
	}
	if len(stub.aliases) != 6 {
		t.Fatalf("expected 6 aliases created, got %d", len(stub.aliases))
	}

	// A second call must not recreate anything.
	before := len(stub.reqLog)
	if err := d.EnsureAliases(context.Background()); err != nil {
		t.Fatalf("second EnsureAliases: %v", err)
	}
	for _, call := range stub.reqLog[before:] {
		if call != "GET /api/firewall/alias/searchItem" {
			t.Fatalf("expected only searchItem calls on the idempotent path, got %q", call)
		}
	}
}

func TestSetAliasContentsDiffAndIdempotent(t *testing.T) {
	stub := newStubServer()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	d := newTestDriver(t, ts)

	ctx := context.Background()
	result, err := d.SetAliasContents(ctx, firewall.AliasBlacklist, []string{"203.0.113.1", "203.0.113.2"})
	if err != nil {
		t.Fatalf("SetAliasContents: %v", err)
	}
	if len(result.Added) != 2 {
		t.Fatalf("expected 2 additions, got %+v", result)
	}

	// A second call with the same desired set must issue zero content mutations.
	result2, err := d.SetAliasContents(ctx, firewall.AliasBlacklist, []string{"203.0.113.1", "203.0.113.2"})
	if err != nil {
		t.Fatalf("second SetAliasContents: %v", err)
	}
	if len(result2.Added) != 0 || len(result2.Removed) != 0 {
		t.Fatalf("expected no-op diff on second call, got %+v", result2)
	}
}

func TestAddToAliasDoesNotDeadlock(t *testing.T) {
	stub := newStubServer()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	d := newTestDriver(t, ts)

	ctx := context.Background()
	if err := d.AddToAlias(ctx, firewall.AliasWhitelist, "198.51.100.9"); err != nil {
		t.Fatalf("AddToAlias: %v", err)
	}
	current, err := d.currentAliasMembersLocked(ctx, firewall.AliasWhitelist)
	if err != nil {
		t.Fatalf("read back members: %v", err)
	}
	if len(current) != 1 || current[0] != "198.51.100.9" {
		t.Fatalf("expected the alias to contain the added entry, got %v", current)
	}
}

func TestInstallMimosaRulesCreatesThreeInOrder(t *testing.T) {
	stub := newStubServer()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	d := newTestDriver(t, ts)

	if err := d.InstallMimosaRules(context.Background()); err != nil {
		t.Fatalf("InstallMimosaRules: %v", err)
	}
	var ruleCreates int
	for _, call := range stub.reqLog {
		if call == "POST /api/firewall/filter/addRule" {
			ruleCreates++
		}
	}
	if ruleCreates != 3 {
		t.Fatalf("expected 3 rule creations, got %d", ruleCreates)
	}
}

func TestTestConnectivityReportsCredentialsFailure(t *testing.T) {
	stub := newStubServer()
	ts := httptest.NewServer(stub.handler())
	defer ts.Close()
	cfg := model.FirewallConfig{
		Name: "home", Type: model.FirewallOPNsense, BaseURL: ts.URL,
		APIKey: "wrong", APISecret: "wrong", VerifySSL: false, TimeoutSeconds: 5,
	}
	d := New(cfg)

	report, err := d.TestConnectivity(context.Background())
	if err != nil {
		t.Fatalf("TestConnectivity returned error instead of a report: %v", err)
	}
	if report.Online {
		t.Fatal("expected Online=false for bad credentials")
	}
	if report.Message != "credentials lack permission" {
		t.Fatalf("expected credentials message, got %q", report.Message)
	}
}
