package services

import (
	"context"
	"errors"
	"testing"

	"game-rating-ledger/models"
	"game-rating-ledger/rating"
)

type recordingMirror struct {
	published []models.Identity
	rebuilt   []models.Identity
	fail      bool
}

func (m *recordingMirror) Publish(_ context.Context, identities []models.Identity) error {
	m.published = append(m.published, identities...)
	if m.fail {
		return errors.New("mirror down")
	}
	return nil
}

func (m *recordingMirror) Rebuild(_ context.Context, identities []models.Identity) error {
	m.rebuilt = identities
	return nil
}

func TestSettlementPublishesToMirror(t *testing.T) {
	f := newFixture(t)
	mirror := &recordingMirror{}
	f.ledger.Mirror = mirror

	f.record(t, rating.Win(0), []string{"alice"}, []string{"bob"})
	if len(mirror.published) != 2 {
		t.Fatalf("expected 2 published identities, got %d", len(mirror.published))
	}
	for _, ident := range mirror.published {
		want := map[string]int{"alice": 1016, "bob": 984}[ident.PlatformID]
		if ident.Rating != want {
			t.Fatalf("%s: mirrored %d, want %d", ident.PlatformID, ident.Rating, want)
		}
	}

	// a failing mirror never fails settlement
	mirror.fail = true
	f.record(t, rating.Win(0), []string{"alice"}, []string{"carol"})
	if f.rating(t, "carol") == 1000 {
		t.Fatal("settlement should have gone through")
	}
}

func TestRecalculationRebuildsMirror(t *testing.T) {
	f := newFixture(t)
	mirror := &recordingMirror{}
	f.recalc.Mirror = mirror

	f.record(t, rating.Win(0), []string{"alice"}, []string{"bob"})
	f.ban(t, "bob", true)
	if _, err := f.recalc.RecalculateAll(context.Background()); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(mirror.rebuilt) != 2 {
		t.Fatalf("expected 2 identities in rebuild, got %d", len(mirror.rebuilt))
	}
	for _, ident := range mirror.rebuilt {
		if ident.Rating != 1000 {
			t.Fatalf("%s: expected baseline after replay, got %d", ident.PlatformID, ident.Rating)
		}
		if ident.PlatformID == "bob" && !ident.IsBanned {
			t.Fatal("rebuild must carry ban state so the mirror can drop bob")
		}
	}
}

// gateCheckingMirror records whether the rating gate was held while it was written to.
type gateCheckingMirror struct {
	gate           *RatingGate
	publishGuarded bool
	rebuildGuarded bool
}

func (m *gateCheckingMirror) Publish(context.Context, []models.Identity) error {
	// a held read side keeps the write side out
	if m.gate.mu.TryLock() {
		m.gate.mu.Unlock()
		return nil
	}
	m.publishGuarded = true
	return nil
}

func (m *gateCheckingMirror) Rebuild(context.Context, []models.Identity) error {
	if m.gate.mu.TryRLock() {
		m.gate.mu.RUnlock()
		return nil
	}
	m.rebuildGuarded = true
	return nil
}

func TestMirrorWritesHappenUnderTheGate(t *testing.T) {
	f := newFixture(t)
	mirror := &gateCheckingMirror{gate: f.gate}
	f.ledger.Mirror = mirror
	f.recalc.Mirror = mirror

	f.record(t, rating.Win(0), []string{"alice"}, []string{"bob"})
	if !mirror.publishGuarded {
		t.Fatal("settlement published after releasing the gate, a recalculation could rebuild in between")
	}
	if _, err := f.recalc.RecalculateAll(context.Background()); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if !mirror.rebuildGuarded {
		t.Fatal("recalculation rebuilt the mirror after releasing the gate")
	}
}
