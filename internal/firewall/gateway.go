// Package firewall is the firewall gateway: a
// polymorphic interface over OPNsense and pfSense implemented by
// internal/firewall/opnsense and internal/firewall/pfsense, plus the
// pieces both drivers share (DiffSet, FailureKind classification, the
// canonical alias names). Grounded on internal/router's
// per-backend *http.Transport idiom and internal/proxy/failover.go's
// FailureType classification, generalized from LLM-backend heuristics
// to firewall REST responses.
package firewall

import "context"

// Canonical alias names. Every driver and every caller (reconcile,
// api) references these constants, never the string literal.
const (
	AliasTemporal  = "mimosa_temporal_list"
	AliasBlacklist = "mimosa_blacklist"
	AliasWhitelist = "mimosa_whitelist"
	AliasPortsTCP  = "mimosa_ports_tcp"
	AliasPortsUDP  = "mimosa_ports_udp"
	AliasHost      = "mimosa_host"
)

// RuleKind distinguishes the three rules install_mimosa_rules creates,
// in the fixed position order the driver always installs: whitelist pass
// first, then the two block rules.
type RuleKind string

const (
	RuleWhitelistPass RuleKind = "whitelist_pass"
	RuleTemporalBlock RuleKind = "temporal_block"
	RuleBlacklistBlock RuleKind = "blacklist_block"
)

// Rule is a filter rule as reported back by a driver's list_rules.
type Rule struct {
	ID          string
	Kind        RuleKind
	Description string
	Enabled     bool
	Alias       string // the source alias this rule references
}

// ConnectivityReport is test_connectivity's result.
type ConnectivityReport struct {
	Online    bool
	Message   string
	LatencyMS int64
}

// SyncResult reports what a mutating call actually changed, so a
// partial failure (ports_alias_sync's per-port errors) can be surfaced
// alongside what committed rather than as an opaque error.
type SyncResult struct {
	Added     []string
	Removed   []string
	Errors    []ItemError
}

// ItemError pairs one item from a batch call with the error it hit.
type ItemError struct {
	Item string
	Err  error
}

// Gateway is the capability interface every firewall driver
// implements. Method names mirror the driver capability names used
// across both appliances so the mapping needs no translation table.
type Gateway interface {
	// EnsureAliases idempotently creates the six canonical aliases if
	// they do not already exist. A fast-path no-op when they do.
	EnsureAliases(ctx context.Context) error

	// InstallMimosaRules idempotently installs the three-rule chain in
	// position order, never re-enabling a rule the operator disabled.
	InstallMimosaRules(ctx context.Context) error

	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id string) (*Rule, error)
	ToggleRule(ctx context.Context, id string, enabled bool) error
	DeleteRule(ctx context.Context, id string) error

	AddToAlias(ctx context.Context, alias, entry string) error
	AddBulk(ctx context.Context, alias string, entries []string) (*SyncResult, error)
	RemoveFromAlias(ctx context.Context, alias, entry string) error

	// SetAliasContents reconciles alias to contain exactly desired,
	// issuing only the (current, desired) diff. Idempotent: a second
	// call with the same desired set issues zero remote mutations.
	SetAliasContents(ctx context.Context, alias string, desired []string) (*SyncResult, error)

	// PortsAliasSync reconciles the TCP or UDP ports alias. Per-port
	// failures are collected as a partial failure; the rest of the
	// batch still commits.
	PortsAliasSync(ctx context.Context, protocol string, ports []int) (*SyncResult, error)

	// Apply commits pending changes: pf-style commit on pfSense,
	// reconfigure on OPNsense.
	Apply(ctx context.Context) error

	TestConnectivity(ctx context.Context) (*ConnectivityReport, error)
}

// HostNATSyncer is an optional capability: pfSense backs the mimosa_host
// alias with a NAT port-forward plus an associated filter rule, so it
// needs a target address to forward to. OPNsense treats mimosa_host as
// a plain alias with no associated NAT primitive and does not implement
// this interface; callers must type-assert a Gateway before using it.
type HostNATSyncer interface {
	SyncHostNAT(ctx context.Context, target string) error
}
