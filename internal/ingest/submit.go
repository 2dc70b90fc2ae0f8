// Package ingest is the single pipeline entrypoint every plugin feeds
// into: Submit persists the offense, checks the whitelist, evaluates
// the rule engine, escalates into a block when matched, and broadcasts
// the result to live subscribers. Grounded on control.Handler's
// request-handling sequence used elsewhere in this module, generalized from one HTTP
// request to one offense event.
package ingest

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"mimosa/internal/block"
	"mimosa/internal/model"
	"mimosa/internal/rules"
	"mimosa/internal/telemetry"
)

// Recorder is the subset of internal/offense.Recorder Submit needs.
type Recorder interface {
	Record(o *model.Offense) (*model.Offense, error)
	Counts(ip string) (model.IPCounts, error)
}

// Whitelist is the subset of internal/whitelist.Evaluator Submit needs.
type Whitelist interface {
	IsWhitelisted(ctx context.Context, ip string) bool
}

// Engine is the subset of internal/rules.Engine Submit needs.
type Engine interface {
	Evaluate(o *model.Offense, counts rules.Counts) (*model.BlockDecision, bool)
}

// BlockManager is the subset of internal/block.Manager Submit needs.
type BlockManager interface {
	Add(ip string, p block.AddParams) (*model.Block, error)
}

// Broadcaster is the subset of internal/broadcast.Broadcaster Submit
// notifies. Non-fatal: a broadcast failure never aborts ingestion.
type Broadcaster interface {
	PublishOffense(o *model.Offense)
	PublishBlock(b *model.Block)
}

// ProfileLookup supplies the IP's blocks_total counter, which lives on
// ip_profiles rather than in offense counts.
type ProfileLookup interface {
	GetProfile(ip string) (*model.IPProfile, error)
}

// Pipeline wires the five stages together. Every field is required
// except Broadcaster, Profiles, and Telemetry, which may be nil
// (headless tests, a deployment that skips the blocks_total count
// gate, or tracing disabled).
type Pipeline struct {
	Recorder    Recorder
	Whitelist   Whitelist
	Engine      Engine
	Blocks      BlockManager
	Profiles    ProfileLookup
	Broadcaster Broadcaster
	Telemetry   *telemetry.Provider
}

// Submit runs o through the full pipeline. The only error that aborts
// the call is a failure to persist the offense row itself — enrichment
// is not part of this path, and a broadcast failure is logged and
// swallowed, since the durable offense row is the contract callers can
// rely on.
func (p *Pipeline) Submit(ctx context.Context, o *model.Offense) (*model.Offense, error) {
	var span trace.Span
	if p.Telemetry != nil {
		ctx, span = p.Telemetry.StartIngestSpan(ctx, o.SourceIP, o.Plugin)
	}

	saved, escalated, err := p.submit(ctx, o)

	if span != nil {
		severity := string(o.Severity)
		if saved != nil {
			severity = string(saved.Severity)
		}
		p.Telemetry.EndIngestSpan(span, severity, escalated, err)
	}
	return saved, err
}

func (p *Pipeline) submit(ctx context.Context, o *model.Offense) (saved *model.Offense, escalated bool, err error) {
	saved, err = p.Recorder.Record(o)
	if err != nil {
		return nil, false, err
	}

	if p.Broadcaster != nil {
		p.Broadcaster.PublishOffense(saved)
	}

	if p.Whitelist != nil && p.Whitelist.IsWhitelisted(ctx, saved.SourceIP) {
		slog.Debug("ingest: whitelisted source, skipping escalation", "ip", saved.SourceIP)
		return saved, false, nil
	}

	counts, err := p.Recorder.Counts(saved.SourceIP)
	if err != nil {
		slog.Error("ingest: failed to load offense counts, skipping escalation", "ip", saved.SourceIP, "error", err)
		return saved, false, nil
	}

	var blocksTotal uint64
	if p.Profiles != nil {
		if profile, err := p.Profiles.GetProfile(saved.SourceIP); err == nil {
			blocksTotal = profile.BlocksTotal
		}
	}

	decision, matched := p.Engine.Evaluate(saved, rules.Counts{
		OffensesLastHour: counts.OffensesLastHour,
		OffensesTotal:    counts.OffensesTotal,
		BlocksTotal:      blocksTotal,
	})
	if !matched {
		return saved, false, nil
	}

	blk, err := p.Blocks.Add(saved.SourceIP, block.AddParams{
		Reason:       "rule_match",
		ReasonText:   saved.DescriptionClean,
		ReasonPlugin: saved.Plugin,
		Severity:     saved.Severity,
		Source:       "rule_engine",
		Duration:     decision.BlockMinutes,
	})
	if err != nil {
		slog.Error("ingest: escalation matched but block add failed", "ip", saved.SourceIP, "rule_id", decision.MatchedRuleID, "error", err)
		return saved, false, nil
	}

	if p.Broadcaster != nil {
		p.Broadcaster.PublishBlock(blk)
	}
	if p.Telemetry != nil {
		p.Telemetry.RecordBlockAdded(ctx, blk.IP, blk.Reason, string(blk.Severity))
	}
	return saved, true, nil
}
