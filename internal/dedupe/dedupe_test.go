package dedupe

import (
	"context"
	"testing"
)

type fakeStore struct {
	bySourceURL   map[string]bool
	byContentHash map[string]bool
}

func (f *fakeStore) FindBySourceURL(ctx context.Context, userID, sourceURL string) (bool, error) {
	return f.bySourceURL[userID+"|"+sourceURL], nil
}

func (f *fakeStore) FindByContentHash(ctx context.Context, userID, contentHash string) (bool, error) {
	return f.byContentHash[userID+"|"+contentHash], nil
}

func TestIsDuplicate_MatchesOnSourceURL(t *testing.T) {
	store := &fakeStore{
		bySourceURL:   map[string]bool{"u1|https://example.com/a": true},
		byContentHash: map[string]bool{},
	}
	d := New(store)

	dup, err := d.IsDuplicate(context.Background(), "u1", "https://example.com/a", "irrelevant")
	if err != nil {
		t.Fatalf("IsDuplicate returned error: %v", err)
	}
	if !dup {
		t.Error("expected a source_url match to be reported as duplicate")
	}
}

func TestIsDuplicate_MatchesOnContentHashWhenNoSourceURL(t *testing.T) {
	store := &fakeStore{
		bySourceURL:   map[string]bool{},
		byContentHash: map[string]bool{"u1|hash123": true},
	}
	d := New(store)

	dup, err := d.IsDuplicate(context.Background(), "u1", "", "hash123")
	if err != nil {
		t.Fatalf("IsDuplicate returned error: %v", err)
	}
	if !dup {
		t.Error("expected a content hash match to be reported as duplicate")
	}
}

func TestIsDuplicate_FalseWhenNeitherMatches(t *testing.T) {
	store := &fakeStore{bySourceURL: map[string]bool{}, byContentHash: map[string]bool{}}
	d := New(store)

	dup, err := d.IsDuplicate(context.Background(), "u1", "https://example.com/new", "newhash")
	if err != nil {
		t.Fatalf("IsDuplicate returned error: %v", err)
	}
	if dup {
		t.Error("expected no duplicate match")
	}
}

func TestContentHash_NormalizesWhitespaceAndCase(t *testing.T) {
	a := ContentHash("Hello   World\n\nFoo")
	b := ContentHash("hello world foo")
	if a != b {
		t.Errorf("expected whitespace/case normalization to produce equal hashes, got %q vs %q", a, b)
	}
}

func TestContentHash_DifferentContentDiffers(t *testing.T) {
	a := ContentHash("one body")
	b := ContentHash("another body")
	if a == b {
		t.Error("expected different content to hash differently")
	}
}
