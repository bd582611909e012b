// Package poller is the RunSchedulerJob handler: it turns the three job
// kinds the Scheduler (C11) dispatches — a per-source RSS poll, the daily
// web sweep, and the weekly maintenance compaction — into calls against
// the RSS Crawler, Web Scraper, Ingest Coordinator, and Vector Store
// Manager.
package poller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"newsvault/internal/executor"
	"newsvault/internal/ingest"
	"newsvault/internal/logging"
	"newsvault/internal/metadata"
	"newsvault/internal/rss"
	"newsvault/internal/scrape"
)

// Ingester is the subset of ingest.Coordinator the poller needs.
type Ingester interface {
	Ingest(ctx context.Context, d ingest.Draft) (string, error)
}

// SourceStore is the subset of metadata.Store the poller needs.
type SourceStore interface {
	GetSource(ctx context.Context, userID, id string) (*metadata.Source, error)
	ListActiveSources(ctx context.Context, kind metadata.SourceKind) ([]metadata.Source, error)
	ListUserIDs(ctx context.Context) ([]string, error)
	TouchSource(ctx context.Context, id string, at time.Time, pollErr error) error
}

// Compactor is the subset of vectorstore.Manager the maintenance job needs.
type Compactor interface {
	Compact(ctx context.Context, userID string) error
}

type Handler struct {
	store     SourceStore
	coord     Ingester
	crawler   *rss.Crawler
	scraper   *scrape.Scraper
	compactor Compactor
	log       zerolog.Logger
}

func New(store SourceStore, coord Ingester, crawler *rss.Crawler, scraper *scrape.Scraper, compactor Compactor, log zerolog.Logger) *Handler {
	return &Handler{store: store, coord: coord, crawler: crawler, scraper: scraper, compactor: compactor, log: log}
}

// Run is the executor.Handler for executor.RunSchedulerJob. The payload is
// one of "rss_poll:<source_id>", "web_sweep", or "maintenance".
func (h *Handler) Run(ctx context.Context, task executor.Task) error {
	payload, ok := task.Payload.(string)
	if !ok {
		return fmt.Errorf("scheduler job task carried an unexpected payload type %T", task.Payload)
	}

	switch {
	case strings.HasPrefix(payload, "rss_poll:"):
		return h.pollSource(ctx, task.UserID, strings.TrimPrefix(payload, "rss_poll:"))
	case payload == "web_sweep":
		return h.webSweep(ctx)
	case payload == "maintenance":
		return h.maintenance(ctx)
	default:
		return fmt.Errorf("unrecognized scheduler job payload %q", payload)
	}
}

// pollSource runs one RSS Source through the Crawler, ingesting every
// article published since the source's last successful poll.
func (h *Handler) pollSource(ctx context.Context, userID, sourceID string) error {
	src, err := h.store.GetSource(ctx, userID, sourceID)
	if err != nil {
		return err
	}

	articles, pollErr := h.crawler.Poll(ctx, src.URL, src.LastFetchedAt)
	if pollErr != nil {
		logging.WithTrace(ctx, h.log).Warn().Err(pollErr).Str("source_id", sourceID).Msg("rss poll failed")
		if touchErr := h.store.TouchSource(ctx, sourceID, time.Now(), pollErr); touchErr != nil {
			logging.WithTrace(ctx, h.log).Error().Err(touchErr).Str("source_id", sourceID).Msg("failed to record poll failure")
		}
		return pollErr
	}

	for _, a := range articles {
		_, err := h.coord.Ingest(ctx, ingest.Draft{
			UserID:      src.UserID,
			Title:       a.Title,
			Content:     a.Content,
			Summary:     a.Summary,
			SourceURL:   a.SourceURL,
			SourceType:  metadata.SourceRSS,
			PublishedAt: formatTime(a.PublishedAt),
			Tags:        src.AutoTags,
		})
		if err != nil && err != ingest.ErrAlreadyPresent {
			logging.WithTrace(ctx, h.log).Warn().Err(err).Str("source_id", sourceID).Str("url", a.SourceURL).Msg("failed to ingest rss article")
		}
	}

	return h.store.TouchSource(ctx, sourceID, time.Now(), nil)
}

// webSweep scrapes every active Web Source once, ingesting its current
// page content as a fresh Document. The draft carries the source's URL, so
// the Ingest Coordinator's source_url dedupe makes every sweep after the
// first one that stored that URL a no-op, whether or not the page changed.
func (h *Handler) webSweep(ctx context.Context) error {
	sources, err := h.store.ListActiveSources(ctx, metadata.KindWeb)
	if err != nil {
		return err
	}

	for _, src := range sources {
		page, err := h.scraper.Scrape(ctx, src.URL)
		if err != nil {
			logging.WithTrace(ctx, h.log).Warn().Err(err).Str("source_id", src.ID).Msg("web sweep scrape failed")
			if touchErr := h.store.TouchSource(ctx, src.ID, time.Now(), err); touchErr != nil {
				logging.WithTrace(ctx, h.log).Error().Err(touchErr).Str("source_id", src.ID).Msg("failed to record sweep failure")
			}
			continue
		}

		_, err = h.coord.Ingest(ctx, ingest.Draft{
			UserID:     src.UserID,
			Title:      page.Title,
			Content:    page.Content,
			SourceURL:  page.URL,
			SourceType: metadata.SourceWeb,
			Tags:       src.AutoTags,
		})
		if err != nil && err != ingest.ErrAlreadyPresent {
			logging.WithTrace(ctx, h.log).Warn().Err(err).Str("source_id", src.ID).Msg("failed to ingest swept page")
		}
		if touchErr := h.store.TouchSource(ctx, src.ID, time.Now(), nil); touchErr != nil {
			logging.WithTrace(ctx, h.log).Error().Err(touchErr).Str("source_id", src.ID).Msg("failed to record sweep success")
		}
	}
	return nil
}

// maintenance compacts every user's vector index. Compact applies no
// threshold, so each user's index is rebuilt and rewritten on every pass.
func (h *Handler) maintenance(ctx context.Context) error {
	userIDs, err := h.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range userIDs {
		if err := h.compactor.Compact(ctx, id); err != nil {
			logging.WithTrace(ctx, h.log).Warn().Err(err).Str("user_id", id).Msg("index compaction failed")
		}
	}
	return nil
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}
