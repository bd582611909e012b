package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"newsvault/internal/apperr"
	"newsvault/internal/executor"
	"newsvault/internal/importer"
	"newsvault/internal/ingest"
	"newsvault/internal/metadata"
	"newsvault/internal/progress"
	"newsvault/internal/retrieval"
)

// userHeader is the stand-in for the auth collaborator named out of scope
// by §1: it trusts a caller-supplied user id rather than verifying a
// token. A real deployment replaces userIDFromRequest with a verifier that
// derives the id from a validated credential.
const userHeader = "X-User-ID"

func userIDFromRequest(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(userHeader))
	if id == "" {
		return "", apperr.New(apperr.Unauthorized, "missing "+userHeader+" header")
	}
	return id, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		fmt.Fprintf(w, `{"code":"internal","message":%q}`, err.Error())
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, apperr.StatusFromError(err), apperr.ToBody(err))
}

// --- documents -------------------------------------------------------------

type createDocumentRequest struct {
	Title       string   `json:"title"`
	Content     string   `json:"content"`
	Summary     string   `json:"summary"`
	SourceURL   string   `json:"source_url"`
	SourceType  string   `json:"source_type"`
	PublishedAt *string  `json:"published_at"`
	Tags        []string `json:"tags"`
}

func (s *Server) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	var req createDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}

	sourceType := metadata.SourceManual
	if req.SourceType != "" {
		sourceType = metadata.SourceType(req.SourceType)
	}

	id, err := s.ingest.Ingest(r.Context(), ingest.Draft{
		UserID:      userID,
		Title:       req.Title,
		Content:     req.Content,
		Summary:     req.Summary,
		SourceURL:   req.SourceURL,
		SourceType:  sourceType,
		PublishedAt: req.PublishedAt,
		Tags:        req.Tags,
	})
	if err != nil {
		respondError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "indexed_state": string(metadata.StatePending)})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	filter, err := parseDocumentFilter(r)
	if err != nil {
		respondError(w, err)
		return
	}
	page := metadata.Page{
		Limit:  intQuery(r, "limit", 20),
		Offset: intQuery(r, "offset", 0),
	}

	docs, err := s.store.ListDocuments(r.Context(), userID, filter, page)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

func parseDocumentFilter(r *http.Request) (metadata.DocumentFilter, error) {
	q := r.URL.Query()
	var f metadata.DocumentFilter
	if st := q.Get("source_type"); st != "" {
		typed := metadata.SourceType(st)
		f.SourceType = &typed
	}
	if from := q.Get("date_from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return f, apperr.WithDetails(apperr.Validation, "invalid date_from", map[string]string{"date_from": from})
		}
		f.DateFrom = &t
	}
	if to := q.Get("date_to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return f, apperr.WithDetails(apperr.Validation, "invalid date_to", map[string]string{"date_to": to})
		}
		f.DateTo = &t
	}
	if tags := q.Get("tags"); tags != "" {
		f.TagsAny = strings.Split(tags, ",")
	}
	f.TextLike = q.Get("q")
	return f, nil
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	doc, err := s.store.GetDocument(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, doc)
}

type updateDocumentRequest struct {
	Title   *string   `json:"title"`
	Content *string   `json:"content"`
	Summary *string   `json:"summary"`
	Tags    *[]string `json:"tags"`
}

func (s *Server) handleUpdateDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req updateDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}
	err = s.store.UpdateDocument(r.Context(), userID, r.PathValue("id"), metadata.DocumentUpdate{
		Title:   req.Title,
		Content: req.Content,
		Summary: req.Summary,
		Tags:    req.Tags,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.ingest.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- upload ------------------------------------------------------------

const maxMemoryUpload = 32 << 20

func (s *Server) handleUploadStream(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(maxMemoryUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, apperr.WithDetails(apperr.PayloadTooLarge, "upload exceeds the maximum allowed size",
				map[string]string{"max_bytes": strconv.FormatInt(s.maxUploadBytes, 10)}))
			return
		}
		respondError(w, apperr.Wrap(apperr.Validation, "malformed multipart upload", err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, apperr.New(apperr.Validation, "missing multipart field \"file\""))
		return
	}
	defer file.Close()

	out, err := progress.NewWriter(w)
	if err != nil {
		respondError(w, apperr.New(apperr.Internal, "streaming not supported"))
		return
	}
	requestID := uuid.NewString()
	out.Send(progress.Event{Type: progress.Started, Started: &progress.StartedPayload{Query: header.Filename, RequestID: requestID}})

	rows, rowErrors, err := parseUpload(header.Filename, file)
	if err != nil {
		s.sendUploadError(out, err)
		return
	}

	inserted, failed := 0, len(rowErrors)
	for _, re := range rowErrors {
		out.Send(progress.Event{Type: progress.RowError, RowError: &progress.RowErrorPayload{Row: re.Index, Reason: re.Err.Error()}})
	}

	for _, row := range rows {
		var publishedAt *string
		if row.PublishedAt != nil {
			v := row.PublishedAt.Format(time.RFC3339)
			publishedAt = &v
		}
		_, err := s.ingest.Ingest(r.Context(), ingest.Draft{
			UserID:      userID,
			Title:       row.Title,
			Content:     row.Content,
			SourceURL:   row.SourceURL,
			SourceType:  metadata.SourceUpload,
			PublishedAt: publishedAt,
			Tags:        row.Tags,
		})
		if err != nil && err != ingest.ErrAlreadyPresent {
			failed++
			out.Send(progress.Event{Type: progress.RowError, RowError: &progress.RowErrorPayload{Row: row.Index, Reason: err.Error()}})
			continue
		}
		inserted++
		out.Send(progress.Event{Type: progress.RowOK, RowOK: &progress.RowOKPayload{Row: row.Index}})
	}

	out.Send(progress.Event{Type: progress.Completed, Completed: &progress.CompletedPayload{Inserted: &inserted, Failed: &failed}})
}

// sendUploadError reports a terminal failure over an already-started
// upload stream: headers are already sent by this point, so the error has
// to travel as an SSE event rather than an HTTP status.
func (s *Server) sendUploadError(out *progress.Writer, err error) {
	body := apperr.ToBody(err)
	out.Send(progress.Event{Type: progress.Error, Error: &progress.ErrorPayload{Code: body.Code, Message: body.Message}})
}

func parseUpload(filename string, r io.Reader) ([]importer.Row, []importer.RowError, error) {
	ext := strings.ToLower(filename[strings.LastIndex(filename, ".")+1:])
	switch ext {
	case "csv":
		res, err := importer.ImportCSV(r)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.Validation, "failed to parse CSV upload", err)
		}
		return res.Rows, res.Errors, nil
	case "xlsx":
		res, err := importer.ImportXLSX(r)
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.Validation, "failed to parse XLSX upload", err)
		}
		return res.Rows, res.Errors, nil
	default:
		return nil, nil, apperr.WithDetails(apperr.Validation, "unsupported upload file type", map[string]string{"filename": filename})
	}
}

// --- search ------------------------------------------------------------

type searchRequest struct {
	Query           string   `json:"query"`
	Limit           int      `json:"limit"`
	IncludeExternal bool     `json:"include_external"`
	SourceType      string   `json:"source_type"`
	Tags            []string `json:"tags"`
	TextLike        string   `json:"q"`
}

type searchResponse struct {
	Results         []retrieval.Result `json:"results"`
	ExternalResults []retrieval.Result `json:"external_results"`
	ResultsCount    int                 `json:"results_count"`
}

func (s *Server) buildRequest(r *http.Request, userID string, req searchRequest) retrieval.Request {
	var filter metadata.DocumentFilter
	if req.SourceType != "" {
		typed := metadata.SourceType(req.SourceType)
		filter.SourceType = &typed
	}
	filter.TagsAny = req.Tags
	filter.TextLike = req.TextLike
	return retrieval.Request{
		UserID:          userID,
		Query:           req.Query,
		Limit:           req.Limit,
		IncludeExternal: req.IncludeExternal,
		Filters:         filter,
	}
}

func splitResults(results []retrieval.Result) ([]retrieval.Result, []retrieval.Result) {
	local := make([]retrieval.Result, 0, len(results))
	external := make([]retrieval.Result, 0)
	for _, res := range results {
		if res.External {
			external = append(external, res)
		} else {
			local = append(local, res)
		}
	}
	return local, external
}

func (s *Server) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}

	results, err := s.pipeline.Run(r.Context(), s.buildRequest(r, userID, req), nil)
	if err != nil {
		respondError(w, err)
		return
	}

	local, external := splitResults(results)
	respondJSON(w, http.StatusOK, searchResponse{Results: local, ExternalResults: external, ResultsCount: len(results)})
}

func (s *Server) handleSemanticSearchStream(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}

	out, err := progress.NewWriter(w)
	if err != nil {
		respondError(w, apperr.New(apperr.Internal, "streaming not supported"))
		return
	}

	s.pipeline.Run(r.Context(), s.buildRequest(r, userID, req), out)
}

// --- sources -------------------------------------------------------------

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sources, err := s.store.ListSourcesForUser(r.Context(), userID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sources)
}

type createSourceRequest struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Kind           string   `json:"kind"`
	CadenceSeconds int      `json:"cadence_seconds"`
	AutoTags       []string `json:"auto_tags"`
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}
	if req.Name == "" || req.URL == "" {
		respondError(w, apperr.New(apperr.Validation, "name and url are required"))
		return
	}

	src := metadata.Source{
		ID:             uuid.NewString(),
		UserID:         userID,
		Name:           req.Name,
		URL:            req.URL,
		Kind:           metadata.SourceKind(req.Kind),
		CadenceSeconds: req.CadenceSeconds,
		Active:         true,
		AutoTags:       req.AutoTags,
	}
	if err := s.store.UpsertSource(r.Context(), src); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, src)
}

func (s *Server) handleUpdateSource(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	existing, err := s.store.GetSource(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}

	var req createSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperr.New(apperr.Validation, "malformed request body"))
		return
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.URL != "" {
		existing.URL = req.URL
	}
	if req.CadenceSeconds > 0 {
		existing.CadenceSeconds = req.CadenceSeconds
	}
	if req.AutoTags != nil {
		existing.AutoTags = req.AutoTags
	}

	if err := s.store.UpsertSource(r.Context(), *existing); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, existing)
}

func (s *Server) handleDeleteSource(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.store.DeleteSource(r.Context(), userID, r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePollSource submits an immediate rss_poll job for one source,
// reusing the Scheduler's own "rss_poll:<source_id>" RunSchedulerJob
// payload convention so a single handler in cmd/server services both the
// periodic and the on-demand path.
func (s *Server) handlePollSource(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	sourceID := r.PathValue("id")
	if _, err := s.store.GetSource(r.Context(), userID, sourceID); err != nil {
		respondError(w, err)
		return
	}

	task := executor.Task{Kind: executor.RunSchedulerJob, UserID: userID, Payload: "rss_poll:" + sourceID}
	if err := s.pool.Submit(task); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "polling"})
}

// --- analytics -----------------------------------------------------------

func (s *Server) handleTopTags(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	n := intQuery(r, "limit", 20)
	tags, err := s.store.TopTags(r.Context(), userID, n)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tags)
}

func (s *Server) handleTrendingQueries(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}
	window, err := parseWindow(r.URL.Query().Get("window"))
	if err != nil {
		respondError(w, err)
		return
	}
	n := intQuery(r, "limit", 20)

	queries, err := s.store.TrendingQueries(r.Context(), userID, window, n)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, queries)
}

// parseWindow parses a duration string that may carry a trailing "d"
// (days) unit, which time.ParseDuration does not support, defaulting to 7
// days when empty.
func parseWindow(raw string) (time.Duration, error) {
	if raw == "" {
		return 7 * 24 * time.Hour, nil
	}
	if strings.HasSuffix(raw, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil {
			return 0, apperr.WithDetails(apperr.Validation, "invalid window", map[string]string{"window": raw})
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, apperr.WithDetails(apperr.Validation, "invalid window", map[string]string{"window": raw})
	}
	return d, nil
}

func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
