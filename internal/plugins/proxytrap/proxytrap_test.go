package proxytrap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"mimosa/internal/model"
)

type fakeSubmitter struct {
	offenses []*model.Offense
}

func (f *fakeSubmitter) Submit(ctx context.Context, o *model.Offense) (*model.Offense, error) {
	f.offenses = append(f.offenses, o)
	return o, nil
}

func TestServeHTTPRecordsOffenseWithPluginName(t *testing.T) {
	sub := &fakeSubmitter{}
	trap := New(Config{DefaultSeverity: "medio", ResponseType: "404"}, sub)

	req := httptest.NewRequest(http.MethodGet, "/wp-login.php", nil)
	req.RemoteAddr = "203.0.113.7:54321"
	w := httptest.NewRecorder()

	trap.ServeHTTP(w, req)

	if len(sub.offenses) != 1 {
		t.Fatalf("expected 1 offense recorded, got %d", len(sub.offenses))
	}
	o := sub.offenses[0]
	if o.Plugin != "proxytrap" {
		t.Fatalf("expected plugin proxytrap, got %q", o.Plugin)
	}
	if o.SourceIP != "203.0.113.7" {
		t.Fatalf("expected source ip 203.0.113.7, got %q", o.SourceIP)
	}
	if o.Path != "/wp-login.php" {
		t.Fatalf("expected path /wp-login.php, got %q", o.Path)
	}
	if o.Severity != "medio" {
		t.Fatalf("expected default severity medio, got %q", o.Severity)
	}
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %d", w.Code)
	}
}

func TestServeHTTPAppliesDomainPolicySeverity(t *testing.T) {
	sub := &fakeSubmitter{}
	trap := New(Config{
		DefaultSeverity: "bajo",
		ResponseType:    "404",
		DomainPolicies:  []DomainPolicy{{Pattern: "*.internal.example.com", Severity: "alto"}},
	}, sub)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "db.internal.example.com"
	req.RemoteAddr = "198.51.100.9:1111"
	w := httptest.NewRecorder()

	trap.ServeHTTP(w, req)

	if sub.offenses[0].Severity != "alto" {
		t.Fatalf("expected policy-matched severity alto, got %q", sub.offenses[0].Severity)
	}
}

func TestServeHTTPFallsBackToDefaultSeverityWhenNoPolicyMatches(t *testing.T) {
	sub := &fakeSubmitter{}
	trap := New(Config{
		DefaultSeverity: "bajo",
		ResponseType:    "404",
		DomainPolicies:  []DomainPolicy{{Pattern: "*.internal.example.com", Severity: "alto"}},
	}, sub)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "public.example.com"
	req.RemoteAddr = "198.51.100.9:1111"
	w := httptest.NewRecorder()

	trap.ServeHTTP(w, req)

	if sub.offenses[0].Severity != "bajo" {
		t.Fatalf("expected default severity bajo, got %q", sub.offenses[0].Severity)
	}
}

func TestServeHTTPCustomResponseWritesHTML(t *testing.T) {
	sub := &fakeSubmitter{}
	trap := New(Config{DefaultSeverity: "bajo", ResponseType: "custom", CustomHTML: "<h1>nothing here</h1>"}, sub)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:1111"
	w := httptest.NewRecorder()

	trap.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for custom response, got %d", w.Code)
	}
	if w.Body.String() != "<h1>nothing here</h1>" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
}
