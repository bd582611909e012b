package webfallback

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"newsvault/internal/llmclient"
)

func TestHTTPProvider_Search_ParsesAndCapsAtFiveHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results":[
			{"title":"a","url":"https://a","snippet":"A"},
			{"title":"b","url":"https://b","snippet":"B"},
			{"title":"c","url":"https://c","snippet":"C"},
			{"title":"d","url":"https://d","snippet":"D"},
			{"title":"e","url":"https://e","snippet":"E"},
			{"title":"f","url":"https://f","snippet":"F"}
		]}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key")
	hits, err := p.Search(context.Background(), "query")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if len(hits) != 5 {
		t.Fatalf("expected hits capped at 5, got %d", len(hits))
	}
}

func TestHTTPProvider_Search_ErrorsOnNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "key")
	_, err := p.Search(context.Background(), "query")
	if err == nil {
		t.Fatal("expected an error for a non-OK response")
	}
}

func TestSynthesizer_Summarize_FillsAISummaryPerHit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a concise summary"}}]}`))
	}))
	defer srv.Close()

	llm := llmclient.New(srv.URL, "key")
	s := NewSynthesizer(llm, "test-model")

	hits := []Hit{{Title: "T1", Snippet: "S1"}, {Title: "T2", Snippet: "S2"}}
	out := s.Summarize(context.Background(), hits)
	if len(out) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(out))
	}
	for _, h := range out {
		if h.AISummary != "a concise summary" {
			t.Errorf("expected AISummary to be filled, got %q", h.AISummary)
		}
	}
}

func TestSynthesizer_Summarize_ContinuesOnPerHitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	llm := llmclient.New(srv.URL, "key")
	s := NewSynthesizer(llm, "test-model")

	hits := []Hit{{Title: "T1", Snippet: "S1"}}
	out := s.Summarize(context.Background(), hits)
	if len(out) != 1 {
		t.Fatalf("expected 1 hit returned even on failure, got %d", len(out))
	}
	if out[0].AISummary != "" {
		t.Errorf("expected empty AISummary on LLM failure, got %q", out[0].AISummary)
	}
}
