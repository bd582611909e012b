// Package scheduler implements the Scheduler (C11): periodic dispatch of
// RSS polls (one job per active Source, default cadence 1800s), a daily web
// sweep, and a weekly maintenance compaction pass. Dispatch is cron-style
// via robfig/cron/v3, the one cron dependency in the module's go.mod;
// overlapping fires of the same job coalesce to a no-op via
// cron.SkipIfStillRunning, and a job that overruns 2x its cadence is warned
// about and has its very next fire skipped.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"newsvault/internal/executor"
	"newsvault/internal/metadata"
)

// SourceStore is the subset of metadata.Store the scheduler needs.
type SourceStore interface {
	ListActiveSources(ctx context.Context, kind metadata.SourceKind) ([]metadata.Source, error)
}

// Submitter is the subset of executor.Pool the scheduler needs.
type Submitter interface {
	Submit(task executor.Task) error
}

const (
	maxBackoffMultiplier = 16
	overrunMultiplier    = 2
)

type Dispatcher struct {
	cron  *cron.Cron
	store SourceStore
	pool  Submitter
	log   zerolog.Logger

	defaultCadenceS int
	webSweepHour    int
	maintenanceDOW  string

	mu            sync.Mutex
	sourceEntry   map[string]cron.EntryID
	sourceCadence map[string]int
}

func New(store SourceStore, pool Submitter, defaultCadenceS, webSweepHour int, maintenanceDOW string, log zerolog.Logger) *Dispatcher {
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	return &Dispatcher{
		cron:            c,
		store:           store,
		pool:            pool,
		log:             log,
		defaultCadenceS: defaultCadenceS,
		webSweepHour:    webSweepHour,
		maintenanceDOW:  maintenanceDOW,
		sourceEntry:     make(map[string]cron.EntryID),
		sourceCadence:   make(map[string]int),
	}
}

// Start registers the RSS-source refresh loop (which keeps per-source cron
// entries in sync with the active Source list every minute), the daily web
// sweep, and the weekly maintenance pass, then starts the cron scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	if _, err := d.cron.AddFunc("0 * * * * *", func() { d.refreshSources(ctx) }); err != nil {
		return fmt.Errorf("failed to register source refresh loop: %w", err)
	}

	sweepSpec := fmt.Sprintf("0 0 %d * * *", d.webSweepHour)
	if _, err := d.cron.AddFunc(sweepSpec, d.wrapJob("web_sweep", d.defaultCadenceS, func(ctx context.Context) error {
		return d.pool.Submit(executor.Task{Kind: executor.RunSchedulerJob, Payload: "web_sweep"})
	})); err != nil {
		return fmt.Errorf("failed to register web sweep: %w", err)
	}

	maintSpec := fmt.Sprintf("0 0 3 * * %s", strings.ToUpper(d.maintenanceDOW))
	if _, err := d.cron.AddFunc(maintSpec, d.wrapJob("maintenance", 7*24*3600, func(ctx context.Context) error {
		return d.pool.Submit(executor.Task{Kind: executor.RunSchedulerJob, Payload: "maintenance"})
	})); err != nil {
		return fmt.Errorf("failed to register maintenance pass: %w", err)
	}

	d.refreshSources(ctx)
	d.cron.Start()
	return nil
}

func (d *Dispatcher) Stop() {
	<-d.cron.Stop().Done()
}

// refreshSources reconciles the set of per-source cron entries against the
// currently active RSS sources, adding entries for newly active sources and
// removing entries for sources that became inactive.
func (d *Dispatcher) refreshSources(ctx context.Context) {
	sources, err := d.store.ListActiveSources(ctx, metadata.KindRSS)
	if err != nil {
		d.log.Warn().Err(err).Msg("failed to list active RSS sources")
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		seen[src.ID] = true
		if src.CadenceSeconds <= 0 {
			src.CadenceSeconds = d.defaultCadenceS
		}
		cadence := effectiveCadence(src)

		if entryID, ok := d.sourceEntry[src.ID]; ok {
			if d.sourceCadence[src.ID] == cadence {
				continue
			}
			d.cron.Remove(entryID)
			delete(d.sourceEntry, src.ID)
		}

		srcID := src.ID
		entryID, err := d.cron.AddFunc(fmt.Sprintf("@every %ds", cadence), d.wrapJob("rss_poll:"+srcID, cadence, func(ctx context.Context) error {
			return d.pool.Submit(executor.Task{Kind: executor.RunSchedulerJob, UserID: src.UserID, Payload: "rss_poll:" + srcID})
		}))
		if err != nil {
			d.log.Warn().Err(err).Str("source_id", srcID).Msg("failed to schedule RSS source")
			continue
		}
		d.sourceEntry[srcID] = entryID
		d.sourceCadence[srcID] = cadence
	}

	for id, entryID := range d.sourceEntry {
		if !seen[id] {
			d.cron.Remove(entryID)
			delete(d.sourceEntry, id)
			delete(d.sourceCadence, id)
		}
	}
}

// effectiveCadence applies the exponential-backoff-capped-at-16x policy for
// sources in the soft error state (>=3 consecutive failures).
func effectiveCadence(src metadata.Source) int {
	cadence := src.CadenceSeconds
	if cadence <= 0 {
		cadence = 1800
	}
	if src.ConsecutiveErrs < 3 {
		return cadence
	}
	multiplier := 1
	for i := 0; i < src.ConsecutiveErrs-2 && multiplier < maxBackoffMultiplier; i++ {
		multiplier *= 2
	}
	if multiplier > maxBackoffMultiplier {
		multiplier = maxBackoffMultiplier
	}
	return cadence * multiplier
}

// wrapJob measures job duration and warns when a run overruns 2x cadence;
// robfig/cron's SkipIfStillRunning chain (installed on the scheduler) is
// what actually skips the next fire instead of queueing it.
func (d *Dispatcher) wrapJob(name string, cadenceS int, fn func(ctx context.Context) error) func() {
	return func() {
		start := time.Now()
		if err := fn(context.Background()); err != nil {
			d.log.Error().Err(err).Str("job", name).Msg("scheduler job failed")
		}
		elapsed := time.Since(start)
		if cadenceS > 0 && elapsed > time.Duration(overrunMultiplier)*time.Duration(cadenceS)*time.Second {
			d.log.Warn().Str("job", name).Dur("elapsed", elapsed).Int("cadence_s", cadenceS).
				Msg("scheduler job exceeded 2x cadence")
		}
	}
}
