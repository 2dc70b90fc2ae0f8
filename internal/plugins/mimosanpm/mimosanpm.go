// Package mimosanpm receives signed webhooks from a reverse proxy
// (nginx proxy manager or similar) describing requests it rejected or
// found suspicious, and turns matching ones into offenses. Every
// request must carry a valid HMAC-SHA256 signature over its raw body;
// the verification itself is grounded on state.computeMAC/verifyMAC's
// hmac.New(sha256.New, secret)/hmac.Equal pattern, adapted from a
// nonce challenge-response to a per-request body signature.
package mimosanpm

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"mimosa/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Mimosa-Signature"

// Rule matches a host/path/status triple to a severity.
type Rule struct {
	Host     string
	Path     string
	Status   string
	Severity string
}

// Ignore is a wildcard host/path/status triple to short-circuit.
type Ignore struct {
	Host   string
	Path   string
	Status string
}

// Config configures the webhook receiver.
type Config struct {
	DefaultSeverity         string
	FallbackSeverity        string
	SharedSecret            string
	Rules                   []Rule
	IgnoreList              []Ignore
	AlertFallback           bool
	AlertUnregisteredDomain bool
	AlertSuspiciousPath     bool
}

// Submitter is the subset of internal/ingest.Pipeline the plugin needs.
type Submitter interface {
	Submit(ctx context.Context, o *model.Offense) (*model.Offense, error)
}

// webhookPayload is the body shape the upstream proxy posts.
type webhookPayload struct {
	SourceIP string `json:"source_ip"`
	Host     string `json:"host"`
	Path     string `json:"path"`
	Status   string `json:"status"`
	Reason   string `json:"reason"`
}

// Receiver is the webhook's http.Handler.
type Receiver struct {
	cfg    Config
	submit Submitter
}

// New builds a Receiver.
func New(cfg Config, submit Submitter) *Receiver {
	return &Receiver{cfg: cfg, submit: submit}
}

func (rc *Receiver) verify(body []byte, signature string) bool {
	if rc.cfg.SharedSecret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(rc.cfg.SharedSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ServeHTTP validates the request signature, then evaluates the
// payload against the ignore list and rules before recording an
// offense.
func (rc *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if !rc.verify(body, r.Header.Get(SignatureHeader)) {
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if rc.ignored(payload) {
		w.WriteHeader(http.StatusOK)
		return
	}

	severity, alert := rc.decide(payload)
	if !alert {
		w.WriteHeader(http.StatusOK)
		return
	}
	if severity == "" {
		severity = rc.cfg.DefaultSeverity
	}

	o := &model.Offense{
		SourceIP:    payload.SourceIP,
		Description: describe(payload),
		Plugin:      "mimosanpm",
		Severity:    model.Severity(severity),
		Host:        payload.Host,
		Path:        payload.Path,
		Context: map[string]any{
			"status": payload.Status,
			"reason": payload.Reason,
		},
	}

	if _, err := rc.submit.Submit(r.Context(), o); err != nil {
		http.Error(w, "failed to record offense", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func describe(p webhookPayload) string {
	var b strings.Builder
	b.WriteString("NPM webhook: ")
	b.WriteString(p.Status)
	b.WriteString(" ")
	b.WriteString(p.Host)
	b.WriteString(p.Path)
	if p.Reason != "" {
		b.WriteString(" (")
		b.WriteString(p.Reason)
		b.WriteString(")")
	}
	return b.String()
}

func (rc *Receiver) ignored(p webhookPayload) bool {
	for _, ig := range rc.cfg.IgnoreList {
		if matchWildcard(ig.Host, p.Host) && matchWildcard(ig.Path, p.Path) && matchWildcard(ig.Status, p.Status) {
			return true
		}
	}
	return false
}

// decide evaluates the payload against the configured rules and alert
// toggles, in order of specificity: an explicit rule match always
// wins, then an unrecognized host, then a suspicious path, then the
// general fallback toggle.
func (rc *Receiver) decide(p webhookPayload) (severity string, alert bool) {
	for _, rule := range rc.cfg.Rules {
		if matchWildcard(rule.Host, p.Host) && matchWildcard(rule.Path, p.Path) && matchWildcard(rule.Status, p.Status) {
			return rule.Severity, true
		}
	}
	if rc.cfg.AlertUnregisteredDomain && !rc.hostRegistered(p.Host) {
		return rc.cfg.FallbackSeverity, true
	}
	if rc.cfg.AlertSuspiciousPath && suspiciousPath(p.Path) {
		return rc.cfg.FallbackSeverity, true
	}
	if rc.cfg.AlertFallback {
		return rc.cfg.FallbackSeverity, true
	}
	return "", false
}

func (rc *Receiver) hostRegistered(host string) bool {
	for _, rule := range rc.cfg.Rules {
		if matchWildcard(rule.Host, host) {
			return true
		}
	}
	return false
}

var suspiciousPathMarkers = []string{"../", "/.env", "/wp-admin", "/.git", "/.ssh", "/phpmyadmin"}

func suspiciousPath(path string) bool {
	lower := strings.ToLower(path)
	for _, marker := range suspiciousPathMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// matchWildcard reports whether value matches pattern, where pattern
// may contain "*" wildcards and an empty pattern matches anything.
func matchWildcard(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return strings.EqualFold(pattern, value)
	}
	parts := strings.Split(pattern, "*")
	lower := strings.ToLower(value)
	pos := 0
	for i, part := range parts {
		p := strings.ToLower(part)
		if p == "" {
			continue
		}
		idx := strings.Index(lower[pos:], p)
		if idx < 0 {
			return false
		}
		if i == 0 && idx != 0 {
			return false
		}
		pos += idx + len(p)
	}
	last := parts[len(parts)-1]
	if last != "" && !strings.HasSuffix(lower, strings.ToLower(last)) {
		return false
	}
	return true
}
