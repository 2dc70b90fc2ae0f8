// Package opnsense implements firewall.Gateway against the OPNsense
// REST API (/api/firewall/alias/*, /api/firewall/filter/*), basic-auth
// with api_key:api_secret. Grounded on router.Backend for
// the one-*http.Client-per-remote idiom and on internal/proxy/failover.go
// for error classification, here driven off OPNsense's
// {"result":"failed"}-style envelope instead of LLM-backend heuristics.
package opnsense

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mimosa/internal/firewall"
	"mimosa/internal/model"
)

// Driver is one OPNsense appliance. Every mutation is serialized by mu
// so alias reconciliation, rule install, and apply cannot interleave.
type Driver struct {
	cfg  model.FirewallConfig
	http *http.Client

	mu sync.Mutex
}

// New builds a Driver for cfg. cfg.Type is expected to be
// model.FirewallOPNsense; callers pick the driver via cfg.Type before
// constructing it.
func New(cfg model.FirewallConfig) *Driver {
	return &Driver{cfg: cfg, http: firewall.NewHTTPClient(cfg)}
}

var _ firewall.Gateway = (*Driver)(nil)

type apiResult struct {
	Result string `json:"result"`
}

// do issues one OPNsense REST call and decodes the JSON response into
// out (if non-nil). Basic auth is set per request, never cached on the
// transport.
func (d *Driver) do(ctx context.Context, method, path string, body any, out any) error {
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

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &firewall.Error{Kind: firewall.FailureTransport, Op: path, Message: "decode response", Err: err}
	}
	return nil
}

type aliasSearchResponse struct {
	Rows []struct {
		UUID string `json:"uuid"`
		Name string `json:"name"`
	} `json:"rows"`
}

// findAliasUUID resolves an alias's uuid by name. Never cached across
// calls — every list-oriented lookup re-resolves by name so a remote
// recreate doesn't leave the driver holding a stale uuid.
func (d *Driver) findAliasUUID(ctx context.Context, name string) (string, bool, error) {
	var out aliasSearchResponse
	path := "/api/firewall/alias/searchItem?searchPhrase=" + url.QueryEscape(name)
	if err := d.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return "", false, err
	}
	for _, row := range out.Rows {
		if row.Name == name {
			return row.UUID, true, nil
		}
	}
	return "", false, nil
}

type aliasSetRequest struct {
	Alias aliasPayload `json:"alias"`
}

type aliasPayload struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Enabled string `json:"enabled"`
}

type addItemResponse struct {
	Result string `json:"result"`
	UUID   string `json:"uuid"`
}

func (d *Driver) createAlias(ctx context.Context, name, aliasType string) (string, error) {
	req := aliasSetRequest{Alias: aliasPayload{Name: name, Type: aliasType, Content: "", Enabled: "1"}}
	var out addItemResponse
	if err := d.do(ctx, http.MethodPost, "/api/firewall/alias/addItem", req, &out); err != nil {
		return "", err
	}
	if out.Result != "saved" {
		return "", &firewall.Error{Kind: firewall.FailureServer, Op: "createAlias", Message: "unexpected result: " + out.Result}
	}
	return out.UUID, nil
}

// EnsureAliases idempotently creates the six canonical aliases. A
// fast-path no-op for any that already exist.
func (d *Driver) EnsureAliases(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := []string{
		firewall.AliasTemporal, firewall.AliasBlacklist, firewall.AliasWhitelist,
		firewall.AliasPortsTCP, firewall.AliasPortsUDP, firewall.AliasHost,
	}
	aliasType := map[string]string{
		firewall.AliasTemporal:  "network",
		firewall.AliasBlacklist: "network",
		firewall.AliasWhitelist: "network",
		firewall.AliasPortsTCP:  "port",
		firewall.AliasPortsUDP:  "port",
		firewall.AliasHost:      "host",
	}
	var created bool
	for _, name := range names {
		_, ok, err := d.findAliasUUID(ctx, name)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := d.createAlias(ctx, name, aliasType[name]); err != nil {
			return err
		}
		created = true
	}
	if created && d.cfg.ApplyChanges {
		return d.reconfigureAliasesLocked(ctx)
	}
	return nil
}

// aliasContents returns the current newline-delimited member set of
// alias, split into individual entries.
func (d *Driver) aliasContents(ctx context.Context, uuid string) ([]string, error) {
	var out struct {
		Alias struct {
			Content string `json:"content"`
		} `json:"alias"`
	}
	if err := d.do(ctx, http.MethodGet, "/api/firewall/alias/getItem/"+uuid, nil, &out); err != nil {
		return nil, err
	}
	return splitLines(out.Alias.Content), nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func (d *Driver) setAliasContents(ctx context.Context, name, uuid string, entries []string) error {
	req := aliasSetRequest{Alias: aliasPayload{
		Name:    name,
		Content: strings.Join(entries, "\n"),
		Enabled: "1",
	}}
	var out apiResult
	if err := d.do(ctx, http.MethodPost, "/api/firewall/alias/setItem/"+uuid, req, &out); err != nil {
		return err
	}
	if out.Result != "saved" {
		return &firewall.Error{Kind: firewall.FailureServer, Op: "setAliasContents", Message: "unexpected result: " + out.Result}
	}
	return nil
}

// SetAliasContents reconciles alias to contain exactly desired,
// computing the diff via firewall.DiffSet and issuing a single
// setItem call with the full resulting content (OPNsense's alias
// content is replace-whole-set, not add/remove-per-item, so the diff
// only gates whether a call is issued at all).
func (d *Driver) SetAliasContents(ctx context.Context, alias string, desired []string) (*firewall.SyncResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconcileAliasLocked(ctx, alias, desired)
}

// reconcileAliasLocked is SetAliasContents's body, factored out so
// AddToAlias/AddBulk/RemoveFromAlias can read-then-write under a
// single lock acquisition instead of calling SetAliasContents and
// self-deadlocking on d.mu (sync.Mutex is not reentrant).
func (d *Driver) reconcileAliasLocked(ctx context.Context, alias string, desired []string) (*firewall.SyncResult, error) {
	uuid, ok, err := d.findAliasUUID(ctx, alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		aliasType := "network"
		if alias == firewall.AliasPortsTCP || alias == firewall.AliasPortsUDP {
			aliasType = "port"
		} else if alias == firewall.AliasHost {
			aliasType = "host"
		}
		uuid, err = d.createAlias(ctx, alias, aliasType)
		if err != nil {
			return nil, err
		}
	}

	current, err := d.aliasContents(ctx, uuid)
	if err != nil {
		return nil, err
	}
	toAdd, toRemove := firewall.DiffSet(current, desired)
	result := &firewall.SyncResult{Added: toAdd, Removed: toRemove}
	if len(toAdd) == 0 && len(toRemove) == 0 {
		return result, nil
	}
	if err := d.setAliasContents(ctx, alias, uuid, desired); err != nil {
		return nil, err
	}
	if d.cfg.ApplyChanges {
		if err := d.reconfigureAliasesLocked(ctx); err != nil {
			return result, err
		}
	}
	return result, nil
}

// AddToAlias appends one entry via the same diff machinery as
// SetAliasContents, reading the current set first under one lock hold.
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

// RemoveFromAlias drops one entry via the same diff machinery as
// SetAliasContents.
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

func (d *Driver) currentAliasMembersLocked(ctx context.Context, alias string) ([]string, error) {
	uuid, ok, err := d.findAliasUUID(ctx, alias)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return d.aliasContents(ctx, uuid)
}

// PortsAliasSync reconciles mimosa_ports_tcp or mimosa_ports_udp.
// Per-port formatting errors are collected into the result as a
// partial failure rather than aborting the whole batch.
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

type ruleSearchResponse struct {
	Rows []struct {
		UUID        string `json:"uuid"`
		Description string `json:"description"`
		Enabled     string `json:"enabled"`
		Source      string `json:"source_net"`
	} `json:"rows"`
}

func (d *Driver) ListRules(ctx context.Context) ([]firewall.Rule, error) {
	var out ruleSearchResponse
	if err := d.do(ctx, http.MethodGet, "/api/firewall/filter/searchRule", nil, &out); err != nil {
		return nil, err
	}
	rules := make([]firewall.Rule, 0, len(out.Rows))
	for _, row := range out.Rows {
		rules = append(rules, firewall.Rule{
			ID:          row.UUID,
			Description: row.Description,
			Enabled:     row.Enabled == "1",
			Alias:       row.Source,
			Kind:        ruleKindFor(row.Source),
		})
	}
	return rules, nil
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
	enabledVal := "0"
	if enabled {
		enabledVal = "1"
	}
	var out apiResult
	req := map[string]any{"rule": map[string]string{"enabled": enabledVal}}
	if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/setRule/"+id, req, &out); err != nil {
		return err
	}
	if out.Result != "saved" {
		return &firewall.Error{Kind: firewall.FailureServer, Op: "ToggleRule", Message: "unexpected result: " + out.Result}
	}
	return d.applyFilterLocked(ctx)
}

func (d *Driver) DeleteRule(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out apiResult
	if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/delRule/"+id, nil, &out); err != nil {
		return err
	}
	if out.Result != "deleted" {
		return &firewall.Error{Kind: firewall.FailureServer, Op: "DeleteRule", Message: "unexpected result: " + out.Result}
	}
	return d.applyFilterLocked(ctx)
}

// InstallMimosaRules idempotently installs the three-rule chain in
// position order: whitelist pass (1), temporal block (2), blacklist
// block (3). Operator-created rules default to disabled on OPNsense;
// a rule already present keeps whatever enabled state the remote
// holds — this never re-enables a rule the operator disabled.
func (d *Driver) InstallMimosaRules(ctx context.Context) error {
	existing, err := d.ListRules(ctx)
	if err != nil {
		return err
	}
	have := make(map[firewall.RuleKind]bool, len(existing))
	for _, r := range existing {
		have[r.Kind] = true
	}

	chain := []struct {
		kind   firewall.RuleKind
		action string
		alias  string
		descr  string
	}{
		{firewall.RuleWhitelistPass, "pass", firewall.AliasWhitelist, "mimosa whitelist pass"},
		{firewall.RuleTemporalBlock, "block", firewall.AliasTemporal, "mimosa temporal block"},
		{firewall.RuleBlacklistBlock, "block", firewall.AliasBlacklist, "mimosa blacklist block"},
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var created bool
	for _, step := range chain {
		if have[step.kind] {
			continue
		}
		req := map[string]any{"rule": map[string]string{
			"action":      step.action,
			"source_net":  step.alias,
			"description": step.descr,
			"enabled":     "0",
		}}
		var out addItemResponse
		if err := d.do(ctx, http.MethodPost, "/api/firewall/filter/addRule", req, &out); err != nil {
			return err
		}
		if out.Result != "saved" {
			return &firewall.Error{Kind: firewall.FailureServer, Op: "InstallMimosaRules", Message: "unexpected result: " + out.Result}
		}
		created = true
	}
	if created {
		return d.applyFilterLocked(ctx)
	}
	return nil
}

func (d *Driver) reconfigureAliasesLocked(ctx context.Context) error {
	var out apiResult
	if err := d.do(ctx, http.MethodPost, "/api/firewall/alias/reconfigure", nil, &out); err != nil {
		return err
	}
	if out.Result != "ok" && out.Result != "saved" {
		slog.Warn("opnsense alias reconfigure returned unexpected result", "result", out.Result)
	}
	return nil
}

func (d *Driver) applyFilterLocked(ctx context.Context) error {
	if !d.cfg.ApplyChanges {
		return nil
	}
	var out apiResult
	return d.do(ctx, http.MethodPost, "/api/firewall/filter/apply", nil, &out)
}

// Apply commits pending alias and filter changes via OPNsense's
// reconfigure calls.
func (d *Driver) Apply(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.reconfigureAliasesLocked(ctx); err != nil {
		return err
	}
	return d.applyFilterLocked(ctx)
}

func (d *Driver) TestConnectivity(ctx context.Context) (*firewall.ConnectivityReport, error) {
	start := time.Now()
	var out apiResult
	err := d.do(ctx, http.MethodGet, "/api/firewall/alias/searchItem", nil, &out)
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
