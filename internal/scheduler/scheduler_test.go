package scheduler

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"newsvault/internal/executor"
	"newsvault/internal/metadata"
)

func testLogger() zerolog.Logger { return zerolog.Nop() }

type noopSubmitter struct{}

func (noopSubmitter) Submit(task executor.Task) error { return nil }

func TestEffectiveCadence_NoBackoffBelowThreeFailures(t *testing.T) {
	src := metadata.Source{CadenceSeconds: 100, ConsecutiveErrs: 2}
	if got := effectiveCadence(src); got != 100 {
		t.Errorf("expected no backoff below 3 consecutive errors, got %d", got)
	}
}

func TestEffectiveCadence_DoublesPerFailureCappedAt16x(t *testing.T) {
	cases := []struct {
		errs int
		want int
	}{
		{3, 200},
		{4, 400},
		{5, 800},
		{6, 1600},
		{7, 1600},
		{20, 1600},
	}
	for _, c := range cases {
		src := metadata.Source{CadenceSeconds: 100, ConsecutiveErrs: c.errs}
		if got := effectiveCadence(src); got != c.want {
			t.Errorf("ConsecutiveErrs=%d: expected cadence %d, got %d", c.errs, c.want, got)
		}
	}
}

func TestEffectiveCadence_DefaultsWhenUnset(t *testing.T) {
	src := metadata.Source{ConsecutiveErrs: 0}
	if got := effectiveCadence(src); got != 1800 {
		t.Errorf("expected default cadence 1800, got %d", got)
	}
}

type fakeSourceStore struct {
	sources []metadata.Source
	err     error
}

func (f *fakeSourceStore) ListActiveSources(ctx context.Context, kind metadata.SourceKind) ([]metadata.Source, error) {
	return f.sources, f.err
}

func TestRefreshSources_RegistersOneEntryPerActiveSource(t *testing.T) {
	store := &fakeSourceStore{sources: []metadata.Source{
		{ID: "s1", UserID: "u1", CadenceSeconds: 60},
		{ID: "s2", UserID: "u1", CadenceSeconds: 120},
	}}
	d := New(store, noopSubmitter{}, 1800, 2, "SUN", testLogger())

	d.refreshSources(context.Background())

	if len(d.sourceEntry) != 2 {
		t.Fatalf("expected 2 registered source entries, got %d", len(d.sourceEntry))
	}
}

func TestRefreshSources_RemovesEntryForDeactivatedSource(t *testing.T) {
	store := &fakeSourceStore{sources: []metadata.Source{{ID: "s1", UserID: "u1", CadenceSeconds: 60}}}
	d := New(store, noopSubmitter{}, 1800, 2, "SUN", testLogger())

	d.refreshSources(context.Background())
	if len(d.sourceEntry) != 1 {
		t.Fatalf("expected 1 entry after first refresh, got %d", len(d.sourceEntry))
	}

	store.sources = nil
	d.refreshSources(context.Background())
	if len(d.sourceEntry) != 0 {
		t.Fatalf("expected entry removed once source list is empty, got %d", len(d.sourceEntry))
	}
}
