package ingest

import (
	"context"
	"errors"
	"testing"

	"mimosa/internal/block"
	"mimosa/internal/model"
	"mimosa/internal/rules"
)

type fakeRecorder struct {
	nextID   uint64
	stored   []*model.Offense
	counts   model.IPCounts
	countErr error
}

func (f *fakeRecorder) Record(o *model.Offense) (*model.Offense, error) {
	f.nextID++
	cp := *o
	cp.ID = f.nextID
	f.stored = append(f.stored, &cp)
	return &cp, nil
}

func (f *fakeRecorder) Counts(ip string) (model.IPCounts, error) {
	return f.counts, f.countErr
}

type fakeWhitelist struct {
	whitelisted map[string]bool
}

func (f *fakeWhitelist) IsWhitelisted(ctx context.Context, ip string) bool {
	return f.whitelisted[ip]
}

type fakeEngine struct {
	decision *model.BlockDecision
	matched  bool
}

func (f *fakeEngine) Evaluate(o *model.Offense, counts rules.Counts) (*model.BlockDecision, bool) {
	return f.decision, f.matched
}

type fakeBlockManager struct {
	added []block.AddParams
	err   error
}

func (f *fakeBlockManager) Add(ip string, p block.AddParams) (*model.Block, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.added = append(f.added, p)
	return &model.Block{IP: ip, Reason: p.Reason, Severity: p.Severity}, nil
}

type fakeBroadcaster struct {
	offenses []*model.Offense
	blocks   []*model.Block
}

func (f *fakeBroadcaster) PublishOffense(o *model.Offense) { f.offenses = append(f.offenses, o) }
func (f *fakeBroadcaster) PublishBlock(b *model.Block)      { f.blocks = append(f.blocks, b) }

type fakeProfiles struct {
	blocksTotal uint64
}

func (f *fakeProfiles) GetProfile(ip string) (*model.IPProfile, error) {
	return &model.IPProfile{IP: ip, BlocksTotal: f.blocksTotal}, nil
}

func newPipeline() (*Pipeline, *fakeRecorder, *fakeBlockManager, *fakeBroadcaster) {
	rec := &fakeRecorder{}
	bm := &fakeBlockManager{}
	bc := &fakeBroadcaster{}
	p := &Pipeline{
		Recorder:    rec,
		Whitelist:   &fakeWhitelist{},
		Engine:      &fakeEngine{},
		Blocks:      bm,
		Profiles:    &fakeProfiles{},
		Broadcaster: bc,
	}
	return p, rec, bm, bc
}

func TestSubmitPersistsOffenseEvenWithoutMatch(t *testing.T) {
	p, rec, bm, bc := newPipeline()
	o := &model.Offense{SourceIP: "1.2.3.4", Description: "probe"}

	saved, err := p.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.ID == 0 {
		t.Fatal("expected an assigned ID")
	}
	if len(rec.stored) != 1 {
		t.Fatalf("expected one stored offense, got %d", len(rec.stored))
	}
	if len(bm.added) != 0 {
		t.Fatal("expected no block to be added without a rule match")
	}
	if len(bc.offenses) != 1 {
		t.Fatal("expected the offense to be broadcast")
	}
}

func TestSubmitEscalatesOnRuleMatch(t *testing.T) {
	p, _, bm, bc := newPipeline()
	minutes := uint32(60)
	p.Engine = &fakeEngine{matched: true, decision: &model.BlockDecision{MatchedRuleID: 5, BlockMinutes: &minutes}}

	o := &model.Offense{SourceIP: "1.2.3.4", Description: "brute force", Severity: model.SeverityAlto}
	if _, err := p.Submit(context.Background(), o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(bm.added) != 1 {
		t.Fatalf("expected exactly one block add, got %d", len(bm.added))
	}
	if bm.added[0].Duration == nil || *bm.added[0].Duration != 60 {
		t.Fatalf("expected the matched rule's block duration to be passed through, got %+v", bm.added[0].Duration)
	}
	if len(bc.blocks) != 1 {
		t.Fatal("expected the new block to be broadcast")
	}
}

func TestSubmitSkipsEscalationForWhitelistedIP(t *testing.T) {
	p, _, bm, _ := newPipeline()
	p.Whitelist = &fakeWhitelist{whitelisted: map[string]bool{"9.9.9.9": true}}
	p.Engine = &fakeEngine{matched: true, decision: &model.BlockDecision{MatchedRuleID: 1}}

	o := &model.Offense{SourceIP: "9.9.9.9", Description: "probe"}
	if _, err := p.Submit(context.Background(), o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bm.added) != 0 {
		t.Fatal("expected no escalation for a whitelisted source")
	}
}

func TestSubmitReturnsErrorOnlyForRecordFailure(t *testing.T) {
	p, _, _, _ := newPipeline()
	p.Recorder = &failingRecorder{err: errors.New("disk full")}

	_, err := p.Submit(context.Background(), &model.Offense{SourceIP: "1.1.1.1"})
	if err == nil {
		t.Fatal("expected Record failure to propagate")
	}
}

type failingRecorder struct{ err error }

func (f *failingRecorder) Record(o *model.Offense) (*model.Offense, error) { return nil, f.err }
func (f *failingRecorder) Counts(ip string) (model.IPCounts, error)       { return model.IPCounts{}, nil }

func TestSubmitSwallowsCountsFailureAndStillPersists(t *testing.T) {
	p, rec, bm, _ := newPipeline()
	rec.countErr = errors.New("store unavailable")
	p.Engine = &fakeEngine{matched: true, decision: &model.BlockDecision{MatchedRuleID: 1}}

	saved, err := p.Submit(context.Background(), &model.Offense{SourceIP: "2.2.2.2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved == nil {
		t.Fatal("expected the offense to still be returned")
	}
	if len(bm.added) != 0 {
		t.Fatal("expected escalation to be skipped when counts fail")
	}
}
