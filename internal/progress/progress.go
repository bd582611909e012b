// Package progress implements the Progress Channel (C17): an SSE encoder
// for the typed event union of §6.3, framing each event as a "data:
// <json>\n\n" line and flushing immediately so clients see it as it's
// produced.
package progress

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type EventType string

const (
	Started             EventType = "started"
	Progress            EventType = "progress"
	ResultPartial       EventType = "result_partial"
	SummaryToken        EventType = "summary_token"
	SummaryEnd          EventType = "summary_end"
	ExternalUnavailable EventType = "external_unavailable"
	Completed           EventType = "completed"
	Error               EventType = "error"
	RowOK               EventType = "row_ok"
	RowError            EventType = "row_error"
)

// Stage is the §6.3 progress-event stage enum.
type Stage string

const (
	StageEmbedding   Stage = "embedding"
	StageSearching   Stage = "searching"
	StageReranking   Stage = "reranking"
	StageCalibrating Stage = "calibrating"
	StageExternal    Stage = "external"
	StageSummarizing Stage = "summarizing"
)

// Event is one SSE frame. Exactly one of the typed payload fields should be
// non-nil for a given Type; the rest stay nil and are omitted from JSON.
type Event struct {
	Type EventType `json:"type"`

	Started             *StartedPayload             `json:"started,omitempty"`
	Progress            *ProgressPayload            `json:"progress,omitempty"`
	ResultPartial       *ResultPartialPayload       `json:"result_partial,omitempty"`
	SummaryToken        *SummaryTokenPayload        `json:"summary_token,omitempty"`
	SummaryEnd          *SummaryEndPayload          `json:"summary_end,omitempty"`
	ExternalUnavailable *ExternalUnavailablePayload `json:"external_unavailable,omitempty"`
	Completed           *CompletedPayload           `json:"completed,omitempty"`
	Error               *ErrorPayload               `json:"error,omitempty"`
	RowOK               *RowOKPayload               `json:"row_ok,omitempty"`
	RowError            *RowErrorPayload            `json:"row_error,omitempty"`
}

type StartedPayload struct {
	Query     string `json:"query"`
	RequestID string `json:"request_id"`
}

type ProgressPayload struct {
	Stage      Stage  `json:"stage"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

type ResultPartialPayload struct {
	Index      int      `json:"index"`
	DocumentID string   `json:"document_id"`
	Title      string   `json:"title"`
	Similarity float64  `json:"similarity"`
	Tags       []string `json:"tags"`
}

type SummaryTokenPayload struct {
	ResultIndex int    `json:"result_index"`
	Token       string `json:"token"`
	Done        bool   `json:"done"`
}

type SummaryEndPayload struct {
	ResultIndex int `json:"result_index"`
}

type ExternalUnavailablePayload struct {
	Reason string `json:"reason"`
}

// CompletedPayload covers both terminal shapes of §6.3: a retrieval stream
// fills ResultsCount/ExternalResultsCount/ElapsedMS, an upload stream fills
// Inserted/Failed; the unused side stays nil and is omitted from JSON.
type CompletedPayload struct {
	ResultsCount         int   `json:"results_count,omitempty"`
	ExternalResultsCount int   `json:"external_results_count,omitempty"`
	ElapsedMS            int64 `json:"elapsed_ms,omitempty"`
	Inserted             *int  `json:"inserted,omitempty"`
	Failed               *int  `json:"failed,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type RowOKPayload struct {
	Row int `json:"row"`
}

type RowErrorPayload struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Writer streams Events as SSE frames over an http.ResponseWriter.
type Writer struct {
	w http.ResponseWriter
	f http.Flusher
}

// NewWriter sets the SSE headers and returns a Writer. It returns an error
// instead of panicking when the underlying ResponseWriter can't flush,
// since this is invoked per-request rather than at startup.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported by the underlying response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &Writer{w: w, f: flusher}, nil
}

// Send encodes ev as JSON and writes it as one SSE "data:" frame, flushing
// immediately.
func (s *Writer) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	s.f.Flush()
	return nil
}
