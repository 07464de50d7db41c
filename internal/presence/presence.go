package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/courier-matching/internal/geo"
	"github.com/example/courier-matching/internal/models"
)

// Index is the carrier presence feed consumed by the escalation scheduler.
// Writes are last-writer-wins: only the most recent location matters.
type Index interface {
	Upsert(ctx context.Context, c models.CarrierPresence)
	Get(ctx context.Context, userID string) (models.CarrierPresence, bool)
	// Nearby returns online carriers within radiusKm of the point, closest
	// first, capped to limit (0 = no cap).
	Nearby(ctx context.Context, at models.Coord, radiusKm float64, limit int) []models.CarrierPresence
}

// MemoryIndex is a naive full-scan index; fine for one process, use the
// Redis implementation when running more than one.
type MemoryIndex struct {
	mu       sync.RWMutex
	carriers map[string]models.CarrierPresence
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{carriers: make(map[string]models.CarrierPresence)}
}

func (m *MemoryIndex) Upsert(_ context.Context, c models.CarrierPresence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.LastActive.IsZero() {
		c.LastActive = time.Now()
	}
	m.carriers[c.UserID] = c
}

func (m *MemoryIndex) Get(_ context.Context, userID string) (models.CarrierPresence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.carriers[userID]
	return c, ok
}

func (m *MemoryIndex) Nearby(_ context.Context, at models.Coord, radiusKm float64, limit int) []models.CarrierPresence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type pair struct {
		c    models.CarrierPresence
		dist float64
	}
	arr := make([]pair, 0, len(m.carriers))
	for _, c := range m.carriers {
		if !c.Online {
			continue
		}
		d := geo.Distance(at, c.Loc)
		if d > radiusKm {
			continue
		}
		arr = append(arr, pair{c, d})
	}
	n := len(arr)
	if limit > 0 && limit < n {
		n = limit
	}
	// partial selection sort for the closest n
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].dist < arr[minIdx].dist {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.CarrierPresence, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].c)
	}
	return out
}
