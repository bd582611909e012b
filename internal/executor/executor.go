// Package executor implements the Task Executor (C12): a fixed-size worker
// pool with a bounded submission queue. Each user's tasks are routed to the
// same worker by a hash of the user ID, so tasks for one user always run in
// submission order even though the pool serves many users concurrently.
package executor

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"newsvault/internal/apperr"
)

type TaskKind string

const (
	IndexDocument       TaskKind = "index_document"
	EvictDocumentVectors TaskKind = "evict_document_vectors"
	CompactUserIndex    TaskKind = "compact_user_index"
	RunSchedulerJob     TaskKind = "run_scheduler_job"
)

// Task is one unit of submitted work. UserID determines worker affinity;
// tasks with an empty UserID (e.g. scheduler-originated maintenance) are
// distributed round-robin instead.
type Task struct {
	Kind    TaskKind
	UserID  string
	Payload any
}

// Handler processes one Task. Handlers are looked up by Kind.
type Handler func(ctx context.Context, task Task) error

const (
	defaultWorkers       = 4
	defaultQueueCapacity = 256
	defaultDrainDeadline = 30 * time.Second
)

type Pool struct {
	handlers map[TaskKind]Handler
	queues   []chan Task
	wg       sync.WaitGroup
	log      zerolog.Logger

	rrMu    sync.Mutex
	rrIndex int

	drainDeadline time.Duration
}

// NewPool starts a pool of `workers` goroutines, each backed by its own
// bounded channel of capacity queueCapacity/workers (minimum 1).
func NewPool(ctx context.Context, workers, queueCapacity int, handlers map[TaskKind]Handler, log zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueCapacity <= 0 {
		queueCapacity = defaultQueueCapacity
	}
	perWorker := queueCapacity / workers
	if perWorker < 1 {
		perWorker = 1
	}

	p := &Pool{
		handlers:      handlers,
		queues:        make([]chan Task, workers),
		log:           log,
		drainDeadline: defaultDrainDeadline,
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, perWorker)
	}
	for i := range p.queues {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
	return p
}

func (p *Pool) run(ctx context.Context, worker int) {
	defer p.wg.Done()
	for task := range p.queues[worker] {
		handler, ok := p.handlers[task.Kind]
		if !ok {
			p.log.Warn().Str("kind", string(task.Kind)).Msg("no handler registered for task kind")
			continue
		}
		if err := handler(ctx, task); err != nil {
			p.log.Error().Err(err).Str("kind", string(task.Kind)).Str("user_id", task.UserID).Msg("task failed")
		}
	}
}

// Submit enqueues task on its user's worker, returning apperr.Backpressure
// if that worker's queue is full.
func (p *Pool) Submit(task Task) error {
	idx := p.workerFor(task.UserID)
	select {
	case p.queues[idx] <- task:
		return nil
	default:
		return apperr.New(apperr.Backpressure, "executor queue is full")
	}
}

func (p *Pool) workerFor(userID string) int {
	if userID == "" {
		p.rrMu.Lock()
		idx := p.rrIndex % len(p.queues)
		p.rrIndex++
		p.rrMu.Unlock()
		return idx
	}
	h := fnv.New32a()
	h.Write([]byte(userID))
	return int(h.Sum32()) % len(p.queues)
}

// Shutdown closes all worker queues and waits up to the drain deadline for
// in-flight and queued tasks to finish. Tasks still undrained at the
// deadline are logged and dropped.
func (p *Pool) Shutdown() {
	for _, q := range p.queues {
		close(q)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.drainDeadline):
		var undrained int
		for _, q := range p.queues {
			undrained += len(q)
		}
		p.log.Warn().Int("undrained_tasks", undrained).Msg("executor shutdown deadline reached, dropping remaining tasks")
	}
}
