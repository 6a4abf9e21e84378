package conversation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/metrics"
)

const (
	// DefaultTTL is how long an untouched conversation survives.
	DefaultTTL = 30 * time.Minute
	// DefaultSweepInterval is how often the eviction sweep runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Conversation is one tracked conversation. Fields are guarded by the
// Store's mutex; callers receive value snapshots, never live pointers.
type Conversation struct {
	ID             string
	LastResponseID string
	Bindings       *BindingSet
	CreatedAt      time.Time
	LastAccessedAt time.Time

	refs int
}

// Snapshot is the read view handed to a request: identifiers by value and a
// cloned binding set the session may extend freely.
type Snapshot struct {
	ID             string
	LastResponseID string
	Bindings       *BindingSet
	CreatedAt      time.Time
	LastAccessedAt time.Time
	BindingCount   int
}

// Store maps conversation ids to records, evicting entries idle for longer
// than the TTL. A single mutex guards the map; the sweep runs on its own
// goroutine and skips records held by in-flight requests.
type Store struct {
	mu            sync.Mutex
	logger        *zap.Logger
	conversations map[string]*Conversation
	ttl           time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewStore builds a store with the default TTL and sweep cadence and starts
// the sweep goroutine.
func NewStore(logger *zap.Logger) *Store {
	return newStore(logger, DefaultTTL, DefaultSweepInterval)
}

func newStore(logger *zap.Logger, ttl, sweepInterval time.Duration) *Store {
	s := &Store{
		logger:        logger,
		conversations: make(map[string]*Conversation),
		ttl:           ttl,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// GetOrCreate returns a snapshot of the conversation, creating it on first
// reference. The record is touched and pinned against eviction until the
// matching Release.
func (s *Store) GetOrCreate(id string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		c = &Conversation{
			ID:             id,
			Bindings:       NewBindingSet(),
			CreatedAt:      now,
			LastAccessedAt: now,
		}
		s.conversations[id] = c
		metrics.ConversationsActive.Set(float64(len(s.conversations)))
	}
	c.LastAccessedAt = time.Now()
	c.refs++

	return Snapshot{
		ID:             c.ID,
		LastResponseID: c.LastResponseID,
		Bindings:       c.Bindings.Clone(),
		CreatedAt:      c.CreatedAt,
		LastAccessedAt: c.LastAccessedAt,
		BindingCount:   c.Bindings.Len(),
	}
}

// Release drops the pin taken by GetOrCreate.
func (s *Store) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok && c.refs > 0 {
		c.refs--
	}
}

// Touch refreshes the record's idle clock.
func (s *Store) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[id]; ok {
		c.LastAccessedAt = time.Now()
	}
}

// Update records the turn's outcome: the new parent response id (when
// non-empty) and the bindings minted during the turn, merged additively with
// newer entries winning.
func (s *Store) Update(id, lastResponseID string, minted *BindingSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		now := time.Now()
		c = &Conversation{ID: id, Bindings: NewBindingSet(), CreatedAt: now}
		s.conversations[id] = c
		metrics.ConversationsActive.Set(float64(len(s.conversations)))
	}
	c.LastAccessedAt = time.Now()
	if lastResponseID != "" {
		c.LastResponseID = lastResponseID
	}
	for _, displaced := range c.Bindings.Merge(minted) {
		s.logger.Warn("tool binding collision, newer binding wins",
			zap.String("conversation_id", id),
			zap.String("call_id", displaced.CallID),
			zap.String("displaced_tool_use_id", displaced.ToolUseID))
	}
}

// Destroy removes the conversation outright. It reports whether it existed.
func (s *Store) Destroy(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return false
	}
	delete(s.conversations, id)
	metrics.ConversationsActive.Set(float64(len(s.conversations)))
	return true
}

// Len reports the number of live conversations.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// List returns snapshots of every conversation, for the admin surface.
func (s *Store) List() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, Snapshot{
			ID:             c.ID,
			LastResponseID: c.LastResponseID,
			CreatedAt:      c.CreatedAt,
			LastAccessedAt: c.LastAccessedAt,
			BindingCount:   c.Bindings.Len(),
		})
	}
	return out
}

// Close stops the sweep goroutine.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes conversations idle past the TTL. Records pinned by active
// requests are skipped; last_accessed_at is rechecked under the lock.
func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.ttl)
	evicted := 0
	for id, c := range s.conversations {
		if c.refs == 0 && c.LastAccessedAt.Before(cutoff) {
			delete(s.conversations, id)
			evicted++
		}
	}
	if evicted > 0 {
		metrics.ConversationsEvicted.Add(float64(evicted))
		metrics.ConversationsActive.Set(float64(len(s.conversations)))
		s.logger.Info("swept idle conversations",
			zap.Int("evicted", evicted),
			zap.Int("remaining", len(s.conversations)))
	}
}
