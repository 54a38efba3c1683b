package actionid

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager tracks mutation identifiers this process has issued, so that the
// broadcast echo of its own mutation can be told apart from a genuinely
// external change. Unknown ids are always treated as external: the worst
// outcome of a miss is one redundant reload, never a dropped update.
type Manager struct {
	mu      sync.Mutex
	records map[string]*record

	ttl        time.Duration
	sweepEvery time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

type record struct {
	issuedAt time.Time
	used     bool
}

type Config struct {
	// TTL bounds how long a registered id counts as our own. Defaults to
	// 5 minutes; an echo arriving later than that is handled as external.
	TTL time.Duration
	// SweepEvery is the purge interval, independent of traffic.
	SweepEvery time.Duration
	// Now is the clock, swappable in tests.
	Now func() time.Time
}

func New(logger *slog.Logger, cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		records:    make(map[string]*record),
		ttl:        cfg.TTL,
		sweepEvery: cfg.SweepEvery,
		now:        cfg.Now,
		logger:     logger,
	}
}

// Generate returns a practically-unique, time-ordered action token:
// a base36 millisecond prefix followed by a random uuid suffix.
func (m *Manager) Generate() string {
	return strconv.FormatInt(m.now().UnixMilli(), 36) + "-" + uuid.NewString()
}

// Register records an id immediately before its mutation request is sent.
func (m *Manager) Register(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id] = &record{issuedAt: m.now()}
}

// IsOwnAction reports whether id belongs to a mutation this process issued.
// It returns true exactly once per registered id; the first observation
// consumes the record. Unknown, expired and already-consumed ids are all
// reported as external.
func (m *Manager) IsOwnAction(id string) bool {
	if id == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rcd, ok := m.records[id]
	if !ok || rcd.used {
		return false
	}
	if m.now().Sub(rcd.issuedAt) > m.ttl {
		return false
	}
	rcd.used = true
	return true
}

// Run sweeps used and expired records on a fixed interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.sweep(); n > 0 {
				m.logger.Debug("action records purged", "count", n)
			}
		}
	}
}

func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var purged int
	for id, rcd := range m.records {
		if rcd.used || now.Sub(rcd.issuedAt) > m.ttl {
			delete(m.records, id)
			purged++
		}
	}
	return purged
}

func (m *Manager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}
