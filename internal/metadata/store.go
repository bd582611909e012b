// Package metadata implements the Metadata Store (C1): a durable relational
// store of users, documents, sources, tags, and search history. Schema
// setup is idempotent (CREATE TABLE IF NOT EXISTS applied at startup)
// rather than driven by a migration tool.
package metadata

import (
	_ "embed"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"newsvault/internal/apperr"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EnsureSchema applies schema.sql in one Exec; its CREATE ... IF NOT EXISTS
// statements make repeated calls idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to apply metadata schema", err)
	}
	return nil
}

func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, login, display_name, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Login, u.DisplayName, orNow(u.CreatedAt))
	if isUniqueViolation(err) {
		return apperr.New(apperr.Duplicate, "user already exists")
	}
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to create user", err)
	}
	return nil
}

// PutDocument inserts a Document in `pending` state and attaches its tags,
// all inside one transaction per §4.1.
func (s *Store) PutDocument(ctx context.Context, d Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	now := orNow(d.CreatedAt)
	_, err = tx.Exec(ctx, `
		INSERT INTO documents (id, user_id, title, content, summary, source_url, source_type,
		                       published_at, created_at, updated_at, content_hash, indexed_state)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9,$10,$11)`,
		d.ID, d.UserID, d.Title, d.Content, d.Summary, d.SourceURL, string(d.SourceType),
		d.PublishedAt, now, d.ContentHash, string(orPending(d.IndexedState)))
	if isUniqueViolation(err) {
		return apperr.New(apperr.Duplicate, "document already exists for this user")
	}
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to insert document", err)
	}

	if err := attachTags(ctx, tx, d.ID, d.Tags); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to commit document insert", err)
	}
	return nil
}

func attachTags(ctx context.Context, tx pgx.Tx, documentID string, tags []string) error {
	seen := make(map[string]struct{}, len(tags))
	for _, raw := range tags {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		var tagID string
		err := tx.QueryRow(ctx, `
			INSERT INTO tags (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id`, name, name).Scan(&tagID)
		if err != nil {
			return apperr.Wrap(apperr.Storage, "failed to upsert tag", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO document_tags (document_id, tag_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, documentID, tagID); err != nil {
			return apperr.Wrap(apperr.Storage, "failed to attach tag", err)
		}
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, userID, id string) (*Document, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, title, content, summary, source_url, source_type,
		       published_at, created_at, updated_at, content_hash, indexed_state
		FROM documents WHERE id = $1`, id)

	var d Document
	var sourceType, state string
	err := row.Scan(&d.ID, &d.UserID, &d.Title, &d.Content, &d.Summary, &d.SourceURL, &sourceType,
		&d.PublishedAt, &d.CreatedAt, &d.UpdatedAt, &d.ContentHash, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "document not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to fetch document", err)
	}
	if d.UserID != userID {
		return nil, apperr.New(apperr.CrossUserForbidden, "document belongs to another user")
	}
	d.SourceType = SourceType(sourceType)
	d.IndexedState = IndexedState(state)

	d.Tags, err = s.tagsForDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// DocumentUpdate carries the mutable-fields-only PUT payload of §6.1; a nil
// field leaves the corresponding column unchanged.
type DocumentUpdate struct {
	Title   *string
	Content *string
	Summary *string
	Tags    *[]string
}

// UpdateDocument applies a partial update to userID's document, re-attaching
// tags in the same transaction when Tags is set.
func (s *Store) UpdateDocument(ctx context.Context, userID, id string, u DocumentUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE documents SET
			title   = COALESCE($1, title),
			content = COALESCE($2, content),
			summary = COALESCE($3, summary),
			updated_at = now()
		WHERE id = $4 AND user_id = $5`,
		u.Title, u.Content, u.Summary, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to update document", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "document not found")
	}

	if u.Tags != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM document_tags WHERE document_id = $1`, id); err != nil {
			return apperr.Wrap(apperr.Storage, "failed to clear document tags", err)
		}
		if err := attachTags(ctx, tx, id, *u.Tags); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to commit document update", err)
	}
	return nil
}

// FindBySourceURL reports whether userID already has a document with the
// given source_url, used by the Deduper (C10).
func (s *Store) FindBySourceURL(ctx context.Context, userID, sourceURL string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE user_id = $1 AND source_url = $2)`,
		userID, sourceURL).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to check source_url duplicate", err)
	}
	return exists, nil
}

// FindByContentHash reports whether userID already has a document with the
// given content_hash, used by the Deduper (C10).
func (s *Store) FindByContentHash(ctx context.Context, userID, contentHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM documents WHERE user_id = $1 AND content_hash = $2)`,
		userID, contentHash).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.Storage, "failed to check content_hash duplicate", err)
	}
	return exists, nil
}

func (s *Store) tagsForDocument(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.name FROM tags t
		JOIN document_tags dt ON dt.tag_id = t.id
		WHERE dt.document_id = $1 ORDER BY t.name`, documentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to fetch document tags", err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan tag", err)
		}
		tags = append(tags, name)
	}
	return tags, rows.Err()
}

// ListDocuments applies §4.1's filter set with deterministic ordering
// (created_at DESC, id DESC) and offset/limit pagination.
func (s *Store) ListDocuments(ctx context.Context, userID string, filter DocumentFilter, page Page) ([]Document, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, user_id, title, content, summary, source_url, source_type,
		published_at, created_at, updated_at, content_hash, indexed_state
		FROM documents WHERE user_id = $1`)
	args := []any{userID}

	if filter.SourceType != nil {
		args = append(args, string(*filter.SourceType))
		query.WriteString(fmt.Sprintf(" AND source_type = $%d", len(args)))
	}
	if filter.DateFrom != nil {
		args = append(args, *filter.DateFrom)
		query.WriteString(fmt.Sprintf(" AND created_at >= $%d", len(args)))
	}
	if filter.DateTo != nil {
		args = append(args, *filter.DateTo)
		query.WriteString(fmt.Sprintf(" AND created_at <= $%d", len(args)))
	}
	if filter.TextLike != "" {
		args = append(args, "%"+filter.TextLike+"%")
		query.WriteString(fmt.Sprintf(" AND (title ILIKE $%d OR content ILIKE $%d)", len(args), len(args)))
	}
	if len(filter.TagsAny) > 0 {
		args = append(args, filter.TagsAny)
		query.WriteString(fmt.Sprintf(` AND id IN (
			SELECT dt.document_id FROM document_tags dt
			JOIN tags t ON t.id = dt.tag_id WHERE t.name = ANY($%d))`, len(args)))
	}

	limit := page.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	args = append(args, limit)
	query.WriteString(fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args)))
	args = append(args, page.Offset)
	query.WriteString(fmt.Sprintf(" OFFSET $%d", len(args)))

	rows, err := s.pool.Query(ctx, query.String(), args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list documents", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var sourceType, state string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Content, &d.Summary, &d.SourceURL, &sourceType,
			&d.PublishedAt, &d.CreatedAt, &d.UpdatedAt, &d.ContentHash, &state); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan document row", err)
		}
		d.SourceType = SourceType(sourceType)
		d.IndexedState = IndexedState(state)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// MarkIndexed transitions a document's indexed_state per §4.18's state
// machine. Callers are responsible for only requesting legal transitions.
func (s *Store) MarkIndexed(ctx context.Context, documentID string, state IndexedState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET indexed_state = $1, updated_at = now() WHERE id = $2`,
		string(state), documentID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to update indexed_state", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "document not found")
	}
	return nil
}

// DeleteDocument moves a document to `evicting` synchronously; the caller
// (Ingest Coordinator) is responsible for hard-deleting the row once
// background vector eviction completes.
func (s *Store) DeleteDocument(ctx context.Context, userID, documentID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET indexed_state = $1, updated_at = now() WHERE id = $2 AND user_id = $3`,
		string(StateEvicting), documentID, userID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to mark document evicting", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "document not found")
	}
	return nil
}

// HardDeleteDocument removes the row once eviction has completed.
func (s *Store) HardDeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, documentID); err != nil {
		return apperr.Wrap(apperr.Storage, "failed to hard-delete document", err)
	}
	return nil
}

func (s *Store) UpsertSource(ctx context.Context, src Source) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sources (id, user_id, name, url, kind, cadence_seconds, active,
		                      last_fetched_at, last_error, consecutive_errs, auto_tags)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, kind = EXCLUDED.kind,
			cadence_seconds = EXCLUDED.cadence_seconds, active = EXCLUDED.active,
			auto_tags = EXCLUDED.auto_tags`,
		src.ID, src.UserID, src.Name, src.URL, string(src.Kind), src.CadenceSeconds, src.Active,
		src.LastFetchedAt, src.LastError, src.ConsecutiveErrs, src.AutoTags)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to upsert source", err)
	}
	return nil
}

// GetSource fetches one user's source by id.
func (s *Store) GetSource(ctx context.Context, userID, id string) (*Source, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, url, kind, cadence_seconds, active,
		       last_fetched_at, last_error, consecutive_errs, auto_tags
		FROM sources WHERE id = $1`, id)

	var src Source
	var k string
	err := row.Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &k, &src.CadenceSeconds, &src.Active,
		&src.LastFetchedAt, &src.LastError, &src.ConsecutiveErrs, &src.AutoTags)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "source not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to fetch source", err)
	}
	if src.UserID != userID {
		return nil, apperr.New(apperr.CrossUserForbidden, "source belongs to another user")
	}
	src.Kind = SourceKind(k)
	return &src, nil
}

// ListSourcesForUser lists every source (active or not) owned by userID, for
// the source CRUD list endpoint (§6.1), as opposed to ListActiveSources
// which the Scheduler uses to pick poll targets.
func (s *Store) ListSourcesForUser(ctx context.Context, userID string) ([]Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, url, kind, cadence_seconds, active,
		       last_fetched_at, last_error, consecutive_errs, auto_tags
		FROM sources WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var k string
		if err := rows.Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &k, &src.CadenceSeconds, &src.Active,
			&src.LastFetchedAt, &src.LastError, &src.ConsecutiveErrs, &src.AutoTags); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan source row", err)
		}
		src.Kind = SourceKind(k)
		out = append(out, src)
	}
	return out, rows.Err()
}

// DeleteSource removes a source owned by userID.
func (s *Store) DeleteSource(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sources WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to delete source", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "source not found")
	}
	return nil
}

func (s *Store) ListActiveSources(ctx context.Context, kind SourceKind) ([]Source, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, name, url, kind, cadence_seconds, active,
		       last_fetched_at, last_error, consecutive_errs, auto_tags
		FROM sources WHERE kind = $1 AND active = true`, string(kind))
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list active sources", err)
	}
	defer rows.Close()

	var out []Source
	for rows.Next() {
		var src Source
		var k string
		if err := rows.Scan(&src.ID, &src.UserID, &src.Name, &src.URL, &k, &src.CadenceSeconds, &src.Active,
			&src.LastFetchedAt, &src.LastError, &src.ConsecutiveErrs, &src.AutoTags); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan source row", err)
		}
		src.Kind = SourceKind(k)
		out = append(out, src)
	}
	return out, rows.Err()
}

// ListUserIDs returns every known user id, used by the maintenance job to
// sweep each user's vector index for compaction.
func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM users`)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to list users", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan user id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TouchSource records a poll attempt. last_fetched_at only advances on
// success (err == nil), keeping it monotonic per invariant 6.
func (s *Store) TouchSource(ctx context.Context, id string, at time.Time, pollErr error) error {
	if pollErr == nil {
		_, err := s.pool.Exec(ctx, `
			UPDATE sources SET last_fetched_at = $1, last_error = NULL, consecutive_errs = 0
			WHERE id = $2`, at, id)
		if err != nil {
			return apperr.Wrap(apperr.Storage, "failed to touch source", err)
		}
		return nil
	}

	msg := pollErr.Error()
	_, err := s.pool.Exec(ctx, `
		UPDATE sources SET last_error = $1, consecutive_errs = consecutive_errs + 1
		WHERE id = $2`, msg, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to record source error", err)
	}
	return nil
}

func (s *Store) AddSearchRecord(ctx context.Context, rec SearchRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO search_records (id, user_id, query, result_count, elapsed_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, rec.UserID, rec.Query, rec.ResultCount, rec.ElapsedMS, orNow(rec.CreatedAt))
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to record search", err)
	}
	return nil
}

// UpdateSearchRecordCounts fills in a SearchRecord's final result_count and
// elapsed_ms once the Retrieval Pipeline's `completed` stage is reached; the
// row is inserted with placeholder zeros at `started` by AddSearchRecord.
func (s *Store) UpdateSearchRecordCounts(ctx context.Context, id string, resultCount int, elapsedMS int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE search_records SET result_count = $1, elapsed_ms = $2 WHERE id = $3`,
		resultCount, elapsedMS, id)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "failed to update search record counts", err)
	}
	return nil
}

func (s *Store) TopTags(ctx context.Context, userID string, n int) ([]TagCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.name, COUNT(*) AS c
		FROM document_tags dt
		JOIN tags t ON t.id = dt.tag_id
		JOIN documents d ON d.id = dt.document_id
		WHERE d.user_id = $1
		GROUP BY t.name
		ORDER BY c DESC, t.name ASC
		LIMIT $2`, userID, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to compute top tags", err)
	}
	defer rows.Close()

	var out []TagCount
	var total int
	counts := make([]TagCount, 0, n)
	for rows.Next() {
		var tc TagCount
		if err := rows.Scan(&tc.Name, &tc.Count); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan tag count", err)
		}
		counts = append(counts, tc)
		total += tc.Count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, tc := range counts {
		if total > 0 {
			tc.Percentage = float64(tc.Count) / float64(total) * 100
		}
		out = append(out, tc)
	}
	return out, nil
}

func (s *Store) TrendingQueries(ctx context.Context, userID string, window time.Duration, n int) ([]TrendingQuery, error) {
	since := time.Now().Add(-window)
	rows, err := s.pool.Query(ctx, `
		SELECT query, COUNT(*) AS c, AVG(elapsed_ms) AS avg_ms
		FROM search_records
		WHERE user_id = $1 AND created_at >= $2
		GROUP BY query
		ORDER BY c DESC, query ASC
		LIMIT $3`, userID, since, n)
	if err != nil {
		return nil, apperr.Wrap(apperr.Storage, "failed to compute trending queries", err)
	}
	defer rows.Close()

	var out []TrendingQuery
	for rows.Next() {
		var tq TrendingQuery
		if err := rows.Scan(&tq.Query, &tq.Count, &tq.AvgElapsedMS); err != nil {
			return nil, apperr.Wrap(apperr.Storage, "failed to scan trending query", err)
		}
		out = append(out, tq)
	}
	return out, rows.Err()
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func orPending(s IndexedState) IndexedState {
	if s == "" {
		return StatePending
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
