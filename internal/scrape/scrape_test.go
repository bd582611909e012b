package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsvault/internal/fetch"
)

func newScraper(t *testing.T) *Scraper {
	t.Helper()
	f := fetch.New("newsvault-test/1.0", 5*time.Second, 100, nil)
	return New(f)
}

func withRobotsAllowAll(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		handler(w, r)
	}
}

func TestScrape_ExtractsViaReadability(t *testing.T) {
	page := `<html><head><title>ignored</title></head><body>
<article><h1>Main Headline</h1><p>First paragraph with enough text to be considered the main article body by the readability heuristics that look for substantial paragraph content.</p>
<p>Second paragraph continues the story with more substantial text content for good measure.</p></article>
</body></html>`

	srv := httptest.NewServer(withRobotsAllowAll(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	s := newScraper(t)
	got, err := s.Scrape(context.Background(), srv.URL+"/article")
	if err != nil {
		t.Fatalf("Scrape returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a non-nil page")
	}
	if got.Content == "" {
		t.Error("expected non-empty content")
	}
}

func TestScrape_FallsBackToSelectors(t *testing.T) {
	page := `<html><body>
<div class="not-readable-at-all">
<h1>Selector Headline</h1>
<div class="article-content"><p>Body text found only via the selector fallback chain.</p></div>
</div>
</body></html>`

	srv := httptest.NewServer(withRobotsAllowAll(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	s := newScraper(t)
	got, err := s.Scrape(context.Background(), srv.URL+"/article")
	if err != nil {
		t.Fatalf("Scrape returned error: %v", err)
	}
	if got == nil {
		t.Fatal("expected a non-nil page from the selector fallback")
	}
	if got.Title != "Selector Headline" {
		t.Errorf("expected title via h1 fallback, got %q", got.Title)
	}
}

func TestScrape_ReturnsNilWhenNothingExtractable(t *testing.T) {
	page := `<html><body><div class="nav"><a href="/x">link only</a></div></body></html>`

	srv := httptest.NewServer(withRobotsAllowAll(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	s := newScraper(t)
	got, err := s.Scrape(context.Background(), srv.URL+"/empty")
	if err != nil {
		t.Fatalf("Scrape returned error: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil page for unextractable content, got %+v", got)
	}
}

func TestScrape_RespectsRobotsDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			w.Write([]byte("User-agent: *\nDisallow: /private\n"))
			return
		}
		w.Write([]byte("<html><body><h1>secret</h1></body></html>"))
	}))
	defer srv.Close()

	s := newScraper(t)
	_, err := s.Scrape(context.Background(), srv.URL+"/private/page")
	if err == nil {
		t.Fatal("expected an error when robots.txt disallows the URL")
	}
}
