// Package pfsense implements firewall.Gateway against pfSense's pfRest
// API (/api/v2/*). Unlike OPNsense's uuid-addressed objects, pfRest
// identifies rows by position in a list; ids are never cached across
// calls, every list-oriented operation re-resolves by a name filter
// first. Grounded on the same router.Backend per-remote *http.Client
// idiom and failover.go error-classification style as
// internal/firewall/opnsense.
package pfsense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"mimosa/internal/firewall"
	"mimosa/internal/model"
)

// Resolver resolves an FQDN whitelist/blacklist entry to addresses
// before it is synchronized. Unresolved entries are skipped and
// warned rather than aborting the whole reconciliation. Defaults to
// net.DefaultResolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

type netResolver struct{}

func (netResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return net.DefaultResolver.LookupHost(ctx, host)
}

// Driver is one pfSense appliance.
type Driver struct {
	cfg      model.FirewallConfig
	http     *http.Client
	resolver Resolver

	mu sync.Mutex
}

// New builds a Driver for cfg.
func New(cfg model.FirewallConfig) *Driver {
	return &Driver{cfg: cfg, http: firewall.NewHTTPClient(cfg), resolver: netResolver{}}
}

// WithResolver overrides the FQDN resolver (used by tests).
func (d *Driver) WithResolver(r Resolver) *Driver {
	d.resolver = r
	return d
}

var _ firewall.Gateway = (*Driver)(nil)
var _ firewall.HostNATSyncer = (*Driver)(nil)

type apiEnvelope struct {
	Code    int             `json:"code"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (d *Driver) do(ctx context.Context, method, path string, body any, out *apiEnvelope) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return &firewall.Error{Kind: firewall.FailureTransport, Op: path, Message: "encode request", Err: err}
		}
		reader = bytes.NewReader(b)
	}

	u := strings.TrimRight(d.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &firewall.Error{Kind: firewall.FailureTransport, Op: path, Message: "build request", Err: err}
	}
	req.SetBasicAuth(d.cfg.APIKey, d.cfg.APISecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	kind := firewall.ClassifyResponse(resp, err)
	if err != nil {
		return &firewall.Error{Kind: kind, Op: path, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if kind != firewall.FailureNone {
		data, _ := io.ReadAll(resp.Body)
		return &firewall.Error{Kind: kind, Op: path, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(data))}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type pfAlias struct {
	ID      int      `json:"id"`
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Address []string `json:"address"`
}

// findAlias re-resolves alias by name on every call — pfRest ids are
// positional and shift as other rows are added/removed, so nothing is
// cached across calls.
func (d *Driver) findAlias(ctx context.Context, name string) (*pfAlias, bool, error) {
	var env apiEnvelope
	if err := d.do(ctx, http.MethodGet, "/api/v2/firewall/aliases?limit=0", nil, &env); err != nil {
		return nil, false, err
	}
	var aliases []pfAlias
	if err := json.Unmarshal(env.Data, &aliases); err != nil {
		return nil, false, &firewall.Error{Kind: firewall.FailureTransport, Op: "findAlias", Message: "decode aliases", Err: err}
	}
	for i := range aliases {
		if aliases[i].Name == name {
			return &aliases[i], true, nil
		}
	}
	return nil, false, nil
}

func (d *Driver) createAlias(ctx context.Context, name, aliasType string, addresses []string) error {
	req := pfAlias{Name: name, Type: aliasType, Address: addresses}
	var env apiEnvelope
	return d.do(ctx, http.MethodPost, "/api/v2/firewall/alias", req, &env)
}

func (d *Driver) updateAlias(ctx context.Context, id int, addresses []string) error {
	req := map[string]any{"id": id, "address": addresses}
	var env apiEnvelope
	return d.do(ctx, http.MethodPatch, "/api/v2/firewall/alias", req, &env)
}

// EnsureAliases idempotently creates the six canonical aliases.
func (d *Driver) EnsureAliases(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	aliasType := map[string]string{
		firewall.AliasTemporal:  "network",
		firewall.AliasBlacklist: "network",
		firewall.AliasWhitelist: "network",
		firewall.AliasPortsTCP:  "port",
		firewall.AliasPortsUDP:  "port",
		firewall.AliasHost:      "host",
	}
	names := []string{
		firewall.AliasTemporal, firewall.AliasBlacklist, firewall.AliasWhitelist,
		firewall.AliasPortsTCP, firewall.AliasPortsUDP, firewall.AliasHost,
	}
	for _, name := range names {
		_, ok, err := d.findAlias(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if err := d.createAlias(ctx, name, aliasType[name], nil); err != nil {
			return err
		}
	}
	return nil
}

// resolveFQDNs resolves any non-IP, non-CIDR entry to its addresses.
// An entry that fails to resolve is skipped and warned rather than
// aborting the whole reconciliation.
func (d *Driver) resolveFQDNs(ctx context.Context, entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if net.ParseIP(e) != nil || strings.Contains(e, "/") {
			out = append(out, e)
			continue
		}
		addrs, err := d.resolver.LookupHost(ctx, e)
		if err != nil || len(addrs) == 0 {
			slog.Warn("pfsense: FQDN entry did not resolve, skipping", "entry", e, "error", err)
			continue
		}
		out = append(out, addrs...)
	}
	return out
}

// SetAliasContents reconciles alias to exactly desired (after FQDN
// resolution), issuing the firewall.DiffSet diff as a single address
// array PATCH — pfRest replaces an alias's whole address list per
// call, so again the diff only gates whether the call fires.
func (d *Driver) SetAliasContents(ctx context.Context, alias string, desired []string) (*firewall.SyncResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconcileAliasLocked(ctx, alias, desired)
}

func (d *Driver) reconcileAliasLocked(ctx context.Context, alias string, desired []string) (*firewall.SyncResult, error) {
	resolved := d.resolveFQDNs(ctx, desired)

	existing, ok, err := d.findAlias(ctx, alias)
	if err != nil {
		return nil, err
	}
	var current []string
	if ok {
		current = existing.Address
	}
	toAdd, toRemove := firewall.DiffSet(current, resolved)
	result := &firewall.SyncResult{Added: toAdd, Removed: toRemove}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return result, nil
	}

	if !ok {
		aliasType := "network"
		if alias == firewall.AliasPortsTCP || alias == firewall.AliasPortsUDP {
			aliasType = "port"
		} else if alias == firewall.AliasHost {
			aliasType = "host"
		}
		if err := d.createAlias(ctx, alias, aliasType, resolved); err != nil {
			return nil, err
		}
	} else if err := d.updateAlias(ctx, existing.ID, resolved); err != nil {
		return nil, err
	}
	if d.cfg.ApplyChanges {
		if err := d.applyLocked(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (d *Driver) currentAliasMembersLocked(ctx context.Context, alias string) ([]string, error) {
	existing, ok, err := d.findAlias(ctx, alias)
	if err != nil || !ok {
		return nil, err
	}
	return existing.Address, nil
}

// AddToAlias appends one entry to alias.
func (d *Driver) AddToAlias(ctx context.Context, alias, entry string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.currentAliasMembersLocked(ctx, alias)
	if err != nil {
		return err
	}
	_, err = d.reconcileAliasLocked(ctx, alias, append(current, entry))
	return err
}

// AddBulk appends entries to alias in one reconciliation call.
func (d *Driver) AddBulk(ctx context.Context, alias string, entries []string) (*firewall.SyncResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.currentAliasMembersLocked(ctx, alias)
	if err != nil {
		return nil, err
	}
	return d.reconcileAliasLocked(ctx, alias, append(current, entries...))
}

// RemoveFromAlias drops one entry from alias.
func (d *Driver) RemoveFromAlias(ctx context.Context, alias, entry string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, err := d.currentAliasMembersLocked(ctx, alias)
	if err != nil {
		return err
	}
	desired := make([]string, 0, len(current))
	for _, e := range current {
		if e != entry {
			desired = append(desired, e)
		}
	}
	_, err = d.reconcileAliasLocked(ctx, alias, desired)
	return err
}

// PortsAliasSync reconciles mimosa_ports_tcp or mimosa_ports_udp.
func (d *Driver) PortsAliasSync(ctx context.Context, protocol string, ports []int) (*firewall.SyncResult, error) {
	alias := firewall.AliasPortsTCP
	if strings.EqualFold(protocol, "udp") {
		alias = firewall.AliasPortsUDP
	}
	entries := make([]string, 0, len(ports))
	var itemErrs []firewall.ItemError
	for _, p := range ports {
		if p < 1 || p > 65535 {
			itemErrs = append(itemErrs, firewall.ItemError{Item: fmt.Sprintf("%d", p), Err: fmt.Errorf("port out of range")})
			continue
		}
		entries = append(entries, fmt.Sprintf("%d", p))
	}
	result, err := d.SetAliasContents(ctx, alias, entries)
	if err != nil {
		return result, err
	}
	result.Errors = itemErrs
	return result, nil
}

type pfRule struct {
	ID             int    `json:"id"`
	Descr          string `json:"descr"`
	Disabled       bool   `json:"disabled"`
	Source         string `json:"source"`
	Type           string `json:"type"`
	AssociatedRule int    `json:"associated_rule_id,omitempty"`
}

func (d *Driver) listRulesRaw(ctx context.Context) ([]pfRule, error) {
	var env apiEnvelope
	if err := d.do(ctx, http.MethodGet, "/api/v2/firewall/rules?limit=0", nil, &env); err != nil {
		return nil, err
	}
	var rules []pfRule
	if err := json.Unmarshal(env.Data, &rules); err != nil {
		return nil, &firewall.Error{Kind: firewall.FailureTransport, Op: "listRulesRaw", Message: "decode rules", Err: err}
	}
	return rules, nil
}

func (d *Driver) ListRules(ctx context.Context) ([]firewall.Rule, error) {
	raw, err := d.listRulesRaw(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]firewall.Rule, 0, len(raw))
	for _, r := range raw {
		out = append(out, firewall.Rule{
			ID:          fmt.Sprintf("%d", r.ID),
			Description: r.Descr,
			Enabled:     !r.Disabled,
			Alias:       r.Source,
			Kind:        ruleKindFor(r.Source),
		})
	}
	return out, nil
}

func ruleKindFor(alias string) firewall.RuleKind {
	switch alias {
	case firewall.AliasWhitelist:
		return firewall.RuleWhitelistPass
	case firewall.AliasTemporal:
		return firewall.RuleTemporalBlock
	case firewall.AliasBlacklist:
		return firewall.RuleBlacklistBlock
	default:
		return ""
	}
}

func (d *Driver) GetRule(ctx context.Context, id string) (*firewall.Rule, error) {
	rules, err := d.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, firewall.ErrNotFound
}

func (d *Driver) ToggleRule(ctx context.Context, id string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	req := map[string]any{"id": id, "disabled": !enabled}
	var env apiEnvelope
	if err := d.do(ctx, http.MethodPatch, "/api/v2/firewall/rule", req, &env); err != nil {
		return err
	}
	return d.applyLocked(ctx)
}

func (d *Driver) DeleteRule(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var env apiEnvelope
	if err := d.do(ctx, http.MethodDelete, "/api/v2/firewall/rule?id="+id, nil, &env); err != nil {
		return err
	}
	return d.applyLocked(ctx)
}

// InstallMimosaRules idempotently installs the three-rule chain in
// position order, never re-enabling a rule the operator disabled.
func (d *Driver) InstallMimosaRules(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, err := d.listRulesRaw(ctx)
	if err != nil {
		return err
	}
	have := make(map[firewall.RuleKind]bool, len(existing))
	for _, r := range existing {
		have[ruleKindFor(r.Source)] = true
	}

	chain := []struct {
		kind   firewall.RuleKind
		typ    string
		source string
		descr  string
	}{
		{firewall.RuleWhitelistPass, "pass", firewall.AliasWhitelist, "mimosa whitelist pass"},
		{firewall.RuleTemporalBlock, "block", firewall.AliasTemporal, "mimosa temporal block"},
		{firewall.RuleBlacklistBlock, "block", firewall.AliasBlacklist, "mimosa blacklist block"},
	}

	var created bool
	for _, step := range chain {
		if have[step.kind] {
			continue
		}
		req := pfRule{Type: step.typ, Source: step.source, Descr: step.descr, Disabled: true}
		var env apiEnvelope
		if err := d.do(ctx, http.MethodPost, "/api/v2/firewall/rule", req, &env); err != nil {
			return err
		}
		created = true
	}
	if created {
		return d.applyLocked(ctx)
	}
	return nil
}

// NAT associated-rule preservation for the optional mimosa_host alias:
// on update the driver must carry forward the existing associated
// filter rule id rather than overwrite it with a stale or zero value,
// and must recreate the filter rule first if it has gone missing,
// before reapplying the NAT entry.
type pfNATRule struct {
	ID             int    `json:"id,omitempty"`
	Descr          string `json:"descr"`
	Target         string `json:"target"`
	AssociatedRule int    `json:"associated_rule_id"`
}

func (d *Driver) findNATRule(ctx context.Context, descr string) (*pfNATRule, bool, error) {
	var env apiEnvelope
	if err := d.do(ctx, http.MethodGet, "/api/v2/firewall/nat/port_forwards?limit=0", nil, &env); err != nil {
		return nil, false, err
	}
	var rows []pfNATRule
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, false, &firewall.Error{Kind: firewall.FailureTransport, Op: "findNATRule", Message: "decode NAT rules", Err: err}
	}
	for i := range rows {
		if rows[i].Descr == descr {
			return &rows[i], true, nil
		}
	}
	return nil, false, nil
}

// SyncHostNAT reconciles the NAT entry backing mimosa_host, preserving
// its associated filter rule id across updates and recreating the
// associated rule first if it has disappeared.
func (d *Driver) SyncHostNAT(ctx context.Context, target string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	const descr = "mimosa host NAT"
	existing, ok, err := d.findNATRule(ctx, descr)
	if err != nil {
		return err
	}

	associatedID := 0
	if ok {
		associatedID = existing.AssociatedRule
	}

	rules, err := d.listRulesRaw(ctx)
	if err != nil {
		return err
	}
	var stillPresent bool
	for _, r := range rules {
		if associatedID != 0 && r.ID == associatedID {
			stillPresent = true
			break
		}
	}
	// No NAT row yet, or its associated rule has gone missing: (re)create
	// the filter rule before writing the NAT entry — a NAT row must
	// never point at an associated_rule_id that doesn't resolve.
	if !stillPresent {
		req := pfRule{Type: "pass", Source: firewall.AliasHost, Descr: descr + " filter", Disabled: true}
		var env apiEnvelope
		if err := d.do(ctx, http.MethodPost, "/api/v2/firewall/rule", req, &env); err != nil {
			return err
		}
		var created pfRule
		_ = json.Unmarshal(env.Data, &created)
		associatedID = created.ID
	}

	req := pfNATRule{Descr: descr, Target: target, AssociatedRule: associatedID}
	var env apiEnvelope
	method := http.MethodPost
	if ok {
		req.ID = existing.ID
		method = http.MethodPatch
	}
	if err := d.do(ctx, method, "/api/v2/firewall/nat/port_forward", req, &env); err != nil {
		return err
	}
	return d.applyLocked(ctx)
}

func (d *Driver) applyLocked(ctx context.Context) error {
	if !d.cfg.ApplyChanges {
		return nil
	}
	var env apiEnvelope
	return d.do(ctx, http.MethodPost, "/api/v2/firewall/apply", nil, &env)
}

// Apply commits pending changes via pfRest's apply endpoint.
func (d *Driver) Apply(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applyLocked(ctx)
}

func (d *Driver) TestConnectivity(ctx context.Context) (*firewall.ConnectivityReport, error) {
	start := time.Now()
	var env apiEnvelope
	err := d.do(ctx, http.MethodGet, "/api/v2/firewall/aliases?limit=1", nil, &env)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		msg := "unreachable"
		var fwErr *firewall.Error
		if errors.As(err, &fwErr) && fwErr.Kind == firewall.FailureCredentials {
			msg = "credentials lack permission"
		}
		return &firewall.ConnectivityReport{Online: false, Message: msg, LatencyMS: latency}, nil
	}
	return &firewall.ConnectivityReport{Online: true, Message: "ok", LatencyMS: latency}, nil
}
