// Package model defines the domain entities shared across Mimosa's
// ingestion, escalation, block-lifecycle, and firewall-projection
// packages. Types here are plain values — no store or transport
// dependency — so that every other package can depend on model without
// creating a cycle back to internal/store.
package model

import "time"

// Severity is the escalation severity an offense or rule is tagged with.
type Severity string

const (
	SeverityBajo     Severity = "bajo"
	SeverityMedio    Severity = "medio"
	SeverityAlto     Severity = "alto"
	SeverityCritico  Severity = "critico"
)

// Rank orders severities from least to most serious. Used when an
// existing block's reason is compared against a newly proposed one.
func (s Severity) Rank() int {
	switch s {
	case SeverityBajo:
		return 1
	case SeverityMedio:
		return 2
	case SeverityAlto:
		return 3
	case SeverityCritico:
		return 4
	default:
		return 0
	}
}

// Classification is the IP profile's best-effort category.
type Classification string

const (
	ClassDatacenter   Classification = "datacenter"
	ClassResidential  Classification = "residential"
	ClassGovernmental Classification = "governmental"
	ClassEducational  Classification = "educational"
	ClassCorporate    Classification = "corporate"
	ClassMobile       Classification = "mobile"
	ClassProxy        Classification = "proxy"
	ClassUnknown      Classification = "unknown"
)

// HistoryAction enumerates the block-history audit trail's action kinds.
type HistoryAction string

const (
	HistoryAdd    HistoryAction = "add"
	HistoryRemove HistoryAction = "remove"
	HistoryExpire HistoryAction = "expire"
	HistoryExtend HistoryAction = "extend"
)

// FirewallType distinguishes the two supported appliance drivers.
type FirewallType string

const (
	FirewallOPNsense FirewallType = "opnsense"
	FirewallPfSense  FirewallType = "pfsense"
)

// Offense is a single detected signal of hostile behavior tied to a
// source IP. Immutable after insert.
type Offense struct {
	ID                uint64
	SourceIP          string
	Description       string
	DescriptionClean  string
	Plugin            string
	Severity          Severity
	Host              string
	Path              string
	Context           map[string]any
	CreatedAt         time.Time
}

// Block is a decision to have the firewall drop traffic from SourceIP.
// At most one active Block exists per IP (enforced by block.Manager).
type Block struct {
	IP               string
	Reason           string
	ReasonText       string
	ReasonPlugin     string
	Severity         Severity // severity of the offense that most recently set Reason
	Source           string
	CreatedAt        time.Time
	ExpiresAt        *time.Time // nil means permanent
	Active           bool
	SyncWithFirewall bool
}

// IsPermanent reports whether the block has no expiry.
func (b *Block) IsPermanent() bool {
	return b.ExpiresAt == nil
}

// IsExpired reports whether the block's expiry has passed as of now.
func (b *Block) IsExpired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// BlockHistoryEntry is an append-only audit row for a block mutation.
type BlockHistoryEntry struct {
	ID     uint64
	IP     string
	Reason string
	Action HistoryAction
	At     time.Time
	Source string
}

// IPProfile is the enrichment record kept per source IP.
type IPProfile struct {
	IP             string
	GeoJSON        string
	ReverseDNS     string
	Classification Classification
	IsProxy        bool
	IsMobile       bool
	IsHosting      bool
	FirstSeen      time.Time
	LastSeen       time.Time
	EnrichedAt     *time.Time
	OffensesTotal  uint64
	BlocksTotal    uint64
}

// WhitelistEntry is a never-block allowance, expressed as a CIDR, bare
// IP, or FQDN.
type WhitelistEntry struct {
	ID        uint64
	CIDR      string
	Note      string
	CreatedAt time.Time
}

// Rule is an ordered wildcard escalation rule.
type Rule struct {
	ID             uint64
	Plugin         string
	EventID        string
	Severity       string
	Description    string
	MinLastHour    uint32
	MinTotal       uint32
	MinBlocksTotal uint32
	BlockMinutes   *uint32 // nil means permanent
}

// FirewallConfig describes one managed appliance.
type FirewallConfig struct {
	ID             uint64
	Name           string
	Type           FirewallType
	BaseURL        string
	APIKey         string
	APISecret      string
	VerifySSL      bool
	TimeoutSeconds uint32
	Enabled        bool
	ApplyChanges   bool
	NATTarget      string // optional; backs the mimosa_host alias, empty disables it
}

// BlockDecision is the rule engine's verdict for one offense.
type BlockDecision struct {
	BlockMinutes  *uint32
	MatchedRuleID uint64
}

// IPCounts are the per-IP counters the rule engine gates on.
type IPCounts struct {
	OffensesLastHour uint64
	OffensesTotal    uint64
	BlocksTotal      uint64
}
