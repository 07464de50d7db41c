package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/courier-matching/internal/models"
)

// MemoryStore implements every store interface in memory. It backs local
// runs without Postgres and doubles as the test fixture.
type MemoryStore struct {
	mu          sync.RWMutex
	trips       map[string]models.Trip
	parcels     map[string]models.Parcel
	matches     map[string]models.Match
	sessions    map[string]models.TripSession
	escalations map[string]models.Escalation
	notified    map[string]models.NotificationLog // keyed parcelID|userID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:       make(map[string]models.Trip),
		parcels:     make(map[string]models.Parcel),
		matches:     make(map[string]models.Match),
		sessions:    make(map[string]models.TripSession),
		escalations: make(map[string]models.Escalation),
		notified:    make(map[string]models.NotificationLog),
	}
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) SaveTrip(_ context.Context, t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = t
	return nil
}

func (m *MemoryStore) ListOpenTrips(_ context.Context) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Trip, 0)
	for _, t := range m.trips {
		if t.Status == models.TripPublished {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetParcel(_ context.Context, id string) (models.Parcel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.parcels[id]
	if !ok {
		return models.Parcel{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) SaveParcel(_ context.Context, p models.Parcel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parcels[p.ID] = p
	return nil
}

func (m *MemoryStore) ListOpenParcels(_ context.Context) ([]models.Parcel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Parcel, 0)
	for _, p := range m.parcels {
		if p.Status.Open() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateParcelStatus(_ context.Context, id string, status models.ParcelStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parcels[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	m.parcels[id] = p
	return nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matches[id]
	if !ok {
		return models.Match{}, ErrNotFound
	}
	return mt, nil
}

func (m *MemoryStore) InsertMatch(_ context.Context, mt models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matches[mt.ID] = mt
	return nil
}

func (m *MemoryStore) UpdateMatchStatus(_ context.Context, id string, status models.MatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return ErrNotFound
	}
	mt.Status = status
	mt.UpdatedAt = time.Now()
	m.matches[id] = mt
	return nil
}

func (m *MemoryStore) SetMatchPaymentIntent(_ context.Context, id, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return ErrNotFound
	}
	mt.PaymentIntentID = paymentIntentID
	mt.UpdatedAt = time.Now()
	m.matches[id] = mt
	return nil
}

func (m *MemoryStore) ListMatchesForParcel(_ context.Context, parcelID string) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Match, 0)
	for _, mt := range m.matches {
		if mt.ParcelID == parcelID {
			out = append(out, mt)
		}
	}
	sortByScoreDesc(out)
	return out, nil
}

func (m *MemoryStore) ListMatchesForTrip(_ context.Context, tripID string) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Match, 0)
	for _, mt := range m.matches {
		if mt.TripID == tripID {
			out = append(out, mt)
		}
	}
	sortByScoreDesc(out)
	return out, nil
}

func (m *MemoryStore) DeleteMatchesForParcel(_ context.Context, parcelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mt := range m.matches {
		if mt.ParcelID == parcelID {
			delete(m.matches, id)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteMatchesForTrip(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, mt := range m.matches {
		if mt.TripID == tripID {
			delete(m.matches, id)
		}
	}
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (models.TripSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return models.TripSession{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) SaveSession(_ context.Context, s models.TripSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return nil
}

func (m *MemoryStore) ActiveSessionForUser(_ context.Context, userID string) (models.TripSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.UserID == userID && s.Status == models.SessionActive {
			return s, nil
		}
	}
	return models.TripSession{}, ErrNotFound
}

func (m *MemoryStore) InsertEscalation(_ context.Context, e models.Escalation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ex := range m.escalations {
		if ex.ParcelID == e.ParcelID && ex.Stage == e.Stage {
			return ErrDuplicate
		}
	}
	m.escalations[e.ID] = e
	return nil
}

func (m *MemoryStore) DuePending(_ context.Context, now time.Time) ([]models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Escalation, 0)
	for _, e := range m.escalations {
		if e.Status == models.EscalationPending && !e.DueAt.After(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

func (m *MemoryStore) ClaimPending(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != models.EscalationPending {
		return false, nil
	}
	e.Status = models.EscalationDone
	e.UpdatedAt = time.Now()
	m.escalations[id] = e
	return true, nil
}

func (m *MemoryStore) MarkCancelled(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = models.EscalationCancelled
	e.UpdatedAt = time.Now()
	m.escalations[id] = e
	return nil
}

func (m *MemoryStore) SetSentCount(_ context.Context, id string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return ErrNotFound
	}
	e.SentCount = n
	e.UpdatedAt = time.Now()
	m.escalations[id] = e
	return nil
}

func (m *MemoryStore) CancelPendingForParcel(_ context.Context, parcelID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.escalations {
		if e.ParcelID == parcelID && e.Status == models.EscalationPending {
			e.Status = models.EscalationCancelled
			e.UpdatedAt = time.Now()
			m.escalations[id] = e
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListEscalationsForParcel(_ context.Context, parcelID string) ([]models.Escalation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Escalation, 0)
	for _, e := range m.escalations {
		if e.ParcelID == parcelID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (m *MemoryStore) RecordNotification(_ context.Context, l models.NotificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := l.ParcelID + "|" + l.UserID
	if _, ok := m.notified[k]; ok {
		return ErrDuplicate
	}
	m.notified[k] = l
	return nil
}

func (m *MemoryStore) WasNotified(_ context.Context, parcelID, userID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.notified[parcelID+"|"+userID]
	return ok, nil
}

func (m *MemoryStore) CountNotifiedSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, l := range m.notified {
		if l.UserID == userID && !l.SentAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func sortByScoreDesc(ms []models.Match) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Score != ms[j].Score {
			return ms[i].Score > ms[j].Score
		}
		return ms[i].DetourMinutes < ms[j].DetourMinutes
	})
}
