package vectorstore

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Manager owns the process-wide LRU cache of loaded per-user indices,
// enforcing the single-writer-per-user discipline of §5 and §9. Cross-user
// operations never share state: each user's Index has its own RWMutex.
type Manager struct {
	root            string
	embedderVersion string
	lruCapacity     int

	compactThresholdRatio float64
	compactThresholdCount int

	mu      sync.Mutex // guards the LRU structures only, never Index contents
	loaded  map[string]*list.Element
	lru     *list.List // front = most recently used
	log     zerolog.Logger
}

type lruEntry struct {
	userID string
	index  *Index
}

func NewManager(root, embedderVersion string, lruCapacity int, compactRatio float64, compactCount int, log zerolog.Logger) *Manager {
	if lruCapacity <= 0 {
		lruCapacity = 32
	}
	return &Manager{
		root:                  root,
		embedderVersion:       embedderVersion,
		lruCapacity:           lruCapacity,
		compactThresholdRatio: compactRatio,
		compactThresholdCount: compactCount,
		loaded:                make(map[string]*list.Element),
		lru:                   list.New(),
		log:                   log,
	}
}

// Load returns the cached Index for userID, loading it from disk if
// necessary, and evicting the least-recently-used index (persisting it
// first if dirty) when the cache is at capacity. Load is idempotent.
func (m *Manager) Load(userID string) (*Index, error) {
	m.mu.Lock()
	if el, ok := m.loaded[userID]; ok {
		m.lru.MoveToFront(el)
		idx := el.Value.(*lruEntry).index
		m.mu.Unlock()
		return idx, nil
	}
	m.mu.Unlock()

	idx, err := loadOrCreate(m.root, userID, m.embedderVersion)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Re-check: another goroutine may have loaded it while we held no lock.
	if el, ok := m.loaded[userID]; ok {
		m.lru.MoveToFront(el)
		return el.Value.(*lruEntry).index, nil
	}

	if m.lru.Len() >= m.lruCapacity {
		m.evictOldestLocked()
	}

	el := m.lru.PushFront(&lruEntry{userID: userID, index: idx})
	m.loaded[userID] = el
	return idx, nil
}

// evictOldestLocked must be called with m.mu held.
func (m *Manager) evictOldestLocked() {
	back := m.lru.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*lruEntry)
	if entry.index.dirty {
		if err := entry.index.persist(); err != nil {
			m.log.Warn().Err(err).Str("user_id", entry.userID).Msg("failed to persist index on eviction")
		}
	}
	m.lru.Remove(back)
	delete(m.loaded, entry.userID)
}

// Add appends chunks to userID's index, then persists (fsync of index +
// sidecar) before returning, satisfying the invariant that a Search never
// observes a chunk whose sidecar entry is missing.
func (m *Manager) Add(ctx context.Context, userID string, chunks []ChunkAdd) error {
	idx, err := m.Load(userID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		idx.add(c.ChunkID, c.Vector, ChunkMeta{
			DocumentID:  c.DocumentID,
			Ordinal:     c.Ordinal,
			TextPreview: c.TextPreview,
			CreatedAt:   c.CreatedAt,
		})
	}
	return idx.persist()
}

// ChunkAdd is the caller-facing shape for Manager.Add.
type ChunkAdd struct {
	ChunkID     string
	DocumentID  string
	Ordinal     int
	Vector      []float32
	TextPreview string
	CreatedAt   time.Time
}

// Search performs top-k L2 search and reports calibrated similarity.
func (m *Manager) Search(ctx context.Context, userID string, queryVec []float32, k int) ([]Result, error) {
	if k > 256 {
		k = 256
	}
	idx, err := m.Load(userID)
	if err != nil {
		return nil, err
	}

	hits := idx.search(queryVec, k)
	out := make([]Result, len(hits))
	for i, h := range hits {
		idx.mu.RLock()
		meta := idx.sidecar[h.ChunkID]
		idx.mu.RUnlock()
		r := Result{ChunkID: h.ChunkID, Distance: h.Distance, Similarity: Similarity(h.Distance)}
		if meta != nil {
			r.DocumentID = meta.DocumentID
			r.Ordinal = meta.Ordinal
			r.TextPreview = meta.TextPreview
		}
		out[i] = r
	}
	return out, nil
}

// Result is one calibrated search hit.
type Result struct {
	ChunkID     string
	DocumentID  string
	Ordinal     int
	TextPreview string
	Distance    float64
	Similarity  float64
}

// RemoveByDocument soft-deletes documentID's chunks and triggers Compact
// when deletion debt exceeds the configured thresholds (§4.2).
func (m *Manager) RemoveByDocument(ctx context.Context, userID, documentID string) error {
	idx, err := m.Load(userID)
	if err != nil {
		return err
	}

	removed, ratio, total := idx.removeByDocument(documentID)
	if removed == 0 {
		return nil
	}
	if err := idx.persist(); err != nil {
		return err
	}

	if total > 0 && (ratio > m.compactThresholdRatio || idx.meta.DeletedCount > m.compactThresholdCount) {
		return m.Compact(ctx, userID)
	}
	return nil
}

// Compact rebuilds userID's index from surviving vectors and atomically
// swaps it in via persist's write-temp-then-rename.
func (m *Manager) Compact(ctx context.Context, userID string) error {
	idx, err := m.Load(userID)
	if err != nil {
		return err
	}
	idx.compact()
	return idx.persist()
}

// Persist forces an fsync of userID's index and sidecar.
func (m *Manager) Persist(ctx context.Context, userID string) error {
	idx, err := m.Load(userID)
	if err != nil {
		return err
	}
	return idx.persist()
}

// ChunkCountForDocument reports how many live (non-deleted) chunks exist for
// documentID in userID's index — used by invariant checks and tests.
func (m *Manager) ChunkCountForDocument(userID, documentID string) (int, error) {
	idx, err := m.Load(userID)
	if err != nil {
		return 0, err
	}
	return idx.chunkCountForDocument(documentID), nil
}

// EmbedderVersion reports the version stamp new indices are created with.
func (m *Manager) EmbedderVersion() string { return m.embedderVersion }
