package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/courier-matching/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique-key guard rejects an insert
	// (parcel x recipient notification, parcel x stage escalation).
	ErrDuplicate = errors.New("duplicate record")
)

// TripStore persists traveler trips.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	SaveTrip(ctx context.Context, t models.Trip) error
	ListOpenTrips(ctx context.Context) ([]models.Trip, error)
}

// ParcelStore persists parcels.
type ParcelStore interface {
	GetParcel(ctx context.Context, id string) (models.Parcel, error)
	SaveParcel(ctx context.Context, p models.Parcel) error
	ListOpenParcels(ctx context.Context) ([]models.Parcel, error)
	UpdateParcelStatus(ctx context.Context, id string, status models.ParcelStatus) error
}

// MatchStore owns the candidate set per entity. A recomputation pass deletes
// every row for its subject and inserts fresh ones.
type MatchStore interface {
	GetMatch(ctx context.Context, id string) (models.Match, error)
	InsertMatch(ctx context.Context, m models.Match) error
	UpdateMatchStatus(ctx context.Context, id string, status models.MatchStatus) error
	SetMatchPaymentIntent(ctx context.Context, id, paymentIntentID string) error
	ListMatchesForParcel(ctx context.Context, parcelID string) ([]models.Match, error)
	ListMatchesForTrip(ctx context.Context, tripID string) ([]models.Match, error)
	DeleteMatchesForParcel(ctx context.Context, parcelID string) error
	DeleteMatchesForTrip(ctx context.Context, tripID string) error
}

// SessionStore persists live trip sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (models.TripSession, error)
	SaveSession(ctx context.Context, s models.TripSession) error
	// ActiveSessionForUser returns ErrNotFound when the user has none.
	ActiveSessionForUser(ctx context.Context, userID string) (models.TripSession, error)
}

// EscalationStore persists the delayed notification waves. Pending->done and
// pending->cancelled transitions are atomic check-and-set operations so a
// wave can never fire twice.
type EscalationStore interface {
	InsertEscalation(ctx context.Context, e models.Escalation) error
	DuePending(ctx context.Context, now time.Time) ([]models.Escalation, error)
	// ClaimPending flips pending->done and reports whether this caller won
	// the claim. A false return means the record was already resolved.
	ClaimPending(ctx context.Context, id string) (bool, error)
	MarkCancelled(ctx context.Context, id string) error
	SetSentCount(ctx context.Context, id string, n int) error
	CancelPendingForParcel(ctx context.Context, parcelID string) (int, error)
	ListEscalationsForParcel(ctx context.Context, parcelID string) ([]models.Escalation, error)
}

// NotificationLogStore is the append-only de-duplication ledger.
type NotificationLogStore interface {
	// RecordNotification returns ErrDuplicate when the (parcel, user) pair
	// is already present, making "already notified" checks race-safe.
	RecordNotification(ctx context.Context, l models.NotificationLog) error
	WasNotified(ctx context.Context, parcelID, userID string) (bool, error)
	CountNotifiedSince(ctx context.Context, userID string, since time.Time) (int, error)
}
