// Package proxytrap is the HTTP honeypot producer: any request that
// reaches it is itself the signal, since nothing legitimate should
// ever address this listener directly. Modeled structurally on
// proxy.Proxy's ServeHTTP request lifecycle (body capture, then act),
// but serving a trap response instead of forwarding upstream.
package proxytrap

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"mimosa/internal/model"
)

// DomainPolicy maps a wildcard host pattern to a severity, checked in
// order; the first match wins.
type DomainPolicy struct {
	Pattern  string
	Severity string
}

// Config configures the trap.
type Config struct {
	Listen          string
	DefaultSeverity string
	ResponseType    string // "silence", "404", "custom"
	CustomHTML      string
	TrapHosts       []string
	DomainPolicies  []DomainPolicy
}

// Submitter is the subset of internal/ingest.Pipeline the trap needs.
type Submitter interface {
	Submit(ctx context.Context, o *model.Offense) (*model.Offense, error)
}

// Trap is the honeypot's http.Handler plus its own *http.Server.
type Trap struct {
	cfg      Config
	submit   Submitter
	policies []compiledPolicy
	srv      *http.Server
}

type compiledPolicy struct {
	pattern  *regexp.Regexp
	severity string
}

// New builds a Trap. Call ListenAndServe to start it.
func New(cfg Config, submit Submitter) *Trap {
	t := &Trap{cfg: cfg, submit: submit}
	for _, p := range cfg.DomainPolicies {
		t.policies = append(t.policies, compiledPolicy{pattern: compileHostWildcard(p.Pattern), severity: p.Severity})
	}
	t.srv = &http.Server{Addr: cfg.Listen, Handler: t}
	return t
}

func compileHostWildcard(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// ListenAndServe starts the trap's HTTP listener. Blocks until the
// server is shut down or fails to bind.
func (t *Trap) ListenAndServe() error {
	err := t.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (t *Trap) Shutdown(ctx context.Context) error {
	return t.srv.Shutdown(ctx)
}

func (t *Trap) severityFor(host string) string {
	for _, p := range t.policies {
		if p.pattern.MatchString(host) {
			return p.severity
		}
	}
	return t.cfg.DefaultSeverity
}

// ServeHTTP records the hit as an offense, then responds per
// cfg.ResponseType — the honeypot's only job is to look uninteresting
// to whatever just touched it, after logging the attempt.
func (t *Trap) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(r.Body, 4096))
	}

	host := r.Host
	severity := t.severityFor(host)

	o := &model.Offense{
		SourceIP:    clientIP(r),
		Description: fmt.Sprintf("ProxyTrap hit: %s %s [host=%s]", r.Method, r.URL.Path, host),
		Plugin:      "proxytrap",
		Severity:    model.Severity(severity),
		Host:        host,
		Path:        r.URL.Path,
		Context: map[string]any{
			"method":     r.Method,
			"user_agent": r.UserAgent(),
			"body_size":  len(body),
		},
	}

	if _, err := t.submit.Submit(r.Context(), o); err != nil {
		// Even a failed submit must not reveal anything to the caller;
		// the response below is identical either way.
		_ = err
	}

	t.respond(w)
}

func (t *Trap) respond(w http.ResponseWriter) {
	switch t.cfg.ResponseType {
	case "custom":
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(t.cfg.CustomHTML))
	case "silence":
		// No response at all, just hang up — hijack the connection if
		// possible, otherwise fall back to a bodyless 408 Request Timeout.
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusRequestTimeout)
	default: // "404" and anything unrecognized
		http.NotFound(w, &http.Request{})
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	return strings.Trim(host, "[]")
}
