package matcher

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/eta"
	"github.com/example/courier-matching/internal/geo"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/observability"
	"github.com/example/courier-matching/internal/pricing"
	"github.com/example/courier-matching/internal/scoring"
	"github.com/example/courier-matching/internal/storage"
)

// ErrNotOwner is returned when a caller acts on a match they do not own.
var ErrNotOwner = errors.New("caller does not own this entity")

// PaymentHolder drives the hold/capture/release flow around a match: hold on
// accept, capture on completed delivery, cancel on rejection. Amounts are
// minor units (cents).
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// EscalationCanceller stops pending notification waves once a parcel leaves
// the open state.
type EscalationCanceller interface {
	OnParcelClosed(ctx context.Context, parcelID string) (int, error)
}

// Service owns the persisted candidate set. Each recomputation pass deletes
// and regenerates every Match row for its subject entity, so the pass is
// idempotent in content but not incremental.
type Service struct {
	Trips    storage.TripStore
	Parcels  storage.ParcelStore
	Matches  storage.MatchStore
	Notifier dispatch.Notifier
	Rules    pricing.Rules
	MatchTTL time.Duration

	ETAClient eta.Client // optional routing collaborator
	ETACache  *eta.Cache

	Payments    PaymentHolder       // optional
	Escalations EscalationCanceller // optional

	Logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// lockFor serializes recomputations per subject entity. Two concurrent passes
// for the same parcel or trip would otherwise race on delete-and-reinsert.
func (s *Service) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// RecomputeForParcel replaces the parcel's candidate set. Trips matched for
// the first time in this pass get a "new match" push when their owner differs
// from the parcel owner. A non-open parcel is a zero-effect no-op.
func (s *Service) RecomputeForParcel(ctx context.Context, parcelID string) (int, error) {
	l := s.lockFor("parcel:" + parcelID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	defer func() { observability.RecomputeLatency.Observe(time.Since(start).Seconds()) }()

	parcel, err := s.Parcels.GetParcel(ctx, parcelID)
	if err != nil {
		return 0, err
	}
	if !parcel.Status.Open() {
		return 0, nil
	}

	trips, err := s.Trips.ListOpenTrips(ctx)
	if err != nil {
		return 0, err
	}

	prev, err := s.Matches.ListMatchesForParcel(ctx, parcelID)
	if err != nil {
		return 0, err
	}
	prevTrips := make(map[string]bool, len(prev))
	for _, m := range prev {
		prevTrips[m.TripID] = true
	}

	if err := s.Matches.DeleteMatchesForParcel(ctx, parcelID); err != nil {
		return 0, err
	}

	count := 0
	for _, trip := range trips {
		m, ok := s.buildMatch(trip, parcel)
		if !ok {
			continue
		}
		if err := s.Matches.InsertMatch(ctx, m); err != nil {
			return count, err
		}
		count++
		observability.MatchesGenerated.Inc()

		if !prevTrips[trip.ID] && trip.OwnerID != parcel.OwnerID {
			s.notifyNewMatch(ctx, trip.OwnerID, m, parcel)
		}
	}
	observability.RecomputationsTotal.WithLabelValues("parcel").Inc()
	s.log().Info("recomputed matches", "subject", "parcel", "parcel_id", parcelID, "count", count)
	return count, nil
}

// RecomputeForTrip is the symmetric pass; it emits no notifications.
func (s *Service) RecomputeForTrip(ctx context.Context, tripID string) (int, error) {
	l := s.lockFor("trip:" + tripID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()
	defer func() { observability.RecomputeLatency.Observe(time.Since(start).Seconds()) }()

	trip, err := s.Trips.GetTrip(ctx, tripID)
	if err != nil {
		return 0, err
	}
	if trip.Status != models.TripPublished {
		return 0, nil
	}

	parcels, err := s.Parcels.ListOpenParcels(ctx)
	if err != nil {
		return 0, err
	}

	if err := s.Matches.DeleteMatchesForTrip(ctx, tripID); err != nil {
		return 0, err
	}

	count := 0
	for _, parcel := range parcels {
		m, ok := s.buildMatch(trip, parcel)
		if !ok {
			continue
		}
		if err := s.Matches.InsertMatch(ctx, m); err != nil {
			return count, err
		}
		count++
		observability.MatchesGenerated.Inc()
	}
	observability.RecomputationsTotal.WithLabelValues("trip").Inc()
	s.log().Info("recomputed matches", "subject", "trip", "trip_id", tripID, "count", count)
	return count, nil
}

func (s *Service) buildMatch(trip models.Trip, parcel models.Parcel) (models.Match, bool) {
	baseMinutes := s.baseRouteMinutes(trip)
	res, ok := scoring.Evaluate(trip, parcel, baseMinutes)
	if !ok {
		return models.Match{}, false
	}

	price := pricing.Compute(s.Rules, pricing.Input{
		BaseDistanceKm: geo.Distance(parcel.Origin, parcel.Destination),
		WeightKg:       parcel.WeightKg,
		VolumeDm3:      parcel.VolumeDm3,
		DetourMinutes:  res.DetourMinutes,
		Urgency:        parcel.Urgency,
		Fragile:        parcel.Fragile,
		InsuranceValue: parcel.InsuranceValue,
	})

	now := time.Now()
	ttl := s.MatchTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return models.Match{
		ID:               newID(),
		TripID:           trip.ID,
		ParcelID:         parcel.ID,
		Status:           models.MatchCandidate,
		Score:            res.Score,
		DetourKm:         res.DetourKm,
		DetourMinutes:    res.DetourMinutes,
		BaseRouteKm:      res.BaseRouteKm,
		BaseRouteMinutes: baseMinutes,
		Price:            price,
		Explanation:      scoring.Explain(res.Score, price),
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		UpdatedAt:        now,
	}, true
}

// baseRouteMinutes asks the routing collaborator for the trip's direct
// duration, 0 when unavailable. Failures degrade to the neutral pace score.
func (s *Service) baseRouteMinutes(trip models.Trip) int {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(trip.Origin, trip.Destination); ok {
			return int(math.Round(v / 60))
		}
	}
	if s.ETAClient == nil {
		return 0
	}
	sec, err := s.ETAClient.EstimateSeconds(trip.Origin, trip.Destination)
	if err != nil {
		return 0
	}
	if s.ETACache != nil {
		s.ETACache.Set(trip.Origin, trip.Destination, sec)
	}
	return int(math.Round(sec / 60))
}

func (s *Service) notifyNewMatch(ctx context.Context, userID string, m models.Match, parcel models.Parcel) {
	if s.Notifier == nil {
		return
	}
	n := dispatch.Notification{
		Kind:  dispatch.KindNewMatch,
		Title: "New parcel on your route",
		Body:  fmt.Sprintf("%s to %s, %.2f %s", parcel.OriginLabel, parcel.DestinationLabel, m.Price.Total, m.Price.Currency),
		Data:  map[string]any{"match_id": m.ID, "parcel_id": parcel.ID, "score": m.Score},
	}
	if err := s.Notifier.Push(ctx, userID, n); err != nil {
		s.log().Warn("new match push failed", "user_id", userID, "error", err)
		return
	}
	observability.NotificationsSent.WithLabelValues(dispatch.KindNewMatch).Inc()
}

// ListMatchesForParcel returns the candidate set ordered by descending score.
func (s *Service) ListMatchesForParcel(ctx context.Context, parcelID string) ([]models.Match, error) {
	return s.Matches.ListMatchesForParcel(ctx, parcelID)
}

func (s *Service) ListMatchesForTrip(ctx context.Context, tripID string) ([]models.Match, error) {
	return s.Matches.ListMatchesForTrip(ctx, tripID)
}

// RequestMatch moves candidate -> requested. Only the parcel owner may ask a
// carrier to take their parcel. Acting on an already-requested match is a
// no-op returning the current state.
func (s *Service) RequestMatch(ctx context.Context, matchID, callerID string) (models.Match, error) {
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	parcel, err := s.Parcels.GetParcel(ctx, m.ParcelID)
	if err != nil {
		return models.Match{}, err
	}
	if parcel.OwnerID != callerID {
		return models.Match{}, ErrNotOwner
	}
	if m.Status != models.MatchCandidate {
		return m, nil
	}
	if err := s.Matches.UpdateMatchStatus(ctx, matchID, models.MatchRequested); err != nil {
		return models.Match{}, err
	}
	m.Status = models.MatchRequested
	return m, nil
}

// AcceptMatch moves requested -> accepted: the parcel becomes matched, all
// pending escalation waves for it are cancelled, and a payment hold is placed
// for the agreed total. Only the trip owner may accept.
func (s *Service) AcceptMatch(ctx context.Context, matchID, callerID string) (models.Match, error) {
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	trip, err := s.Trips.GetTrip(ctx, m.TripID)
	if err != nil {
		return models.Match{}, err
	}
	if trip.OwnerID != callerID {
		return models.Match{}, ErrNotOwner
	}
	if m.Status != models.MatchRequested {
		return m, nil
	}
	if err := s.Matches.UpdateMatchStatus(ctx, matchID, models.MatchAccepted); err != nil {
		return models.Match{}, err
	}
	if err := s.Parcels.UpdateParcelStatus(ctx, m.ParcelID, models.ParcelMatched); err != nil {
		return models.Match{}, err
	}
	if s.Escalations != nil {
		if _, err := s.Escalations.OnParcelClosed(ctx, m.ParcelID); err != nil {
			s.log().Warn("cancelling escalations failed", "parcel_id", m.ParcelID, "error", err)
		}
	}
	if s.Payments != nil {
		parcel, perr := s.Parcels.GetParcel(ctx, m.ParcelID)
		if perr == nil {
			amount := int64(math.Round(m.Price.Total * 100))
			pi, herr := s.Payments.Hold(ctx, amount, m.Price.Currency, parcel.OwnerID)
			if herr != nil {
				s.log().Warn("payment hold failed", "match_id", matchID, "error", herr)
			} else {
				if err := s.Matches.SetMatchPaymentIntent(ctx, matchID, pi); err != nil {
					s.log().Warn("recording payment hold failed", "match_id", matchID, "error", err)
				}
				m.PaymentIntentID = pi
			}
		}
	}
	m.Status = models.MatchAccepted
	return m, nil
}

// CompleteMatch moves accepted -> completed when the carrier confirms the
// drop-off: the parcel becomes delivered and the payment hold is captured.
// Only the trip owner may complete.
func (s *Service) CompleteMatch(ctx context.Context, matchID, callerID string) (models.Match, error) {
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	trip, err := s.Trips.GetTrip(ctx, m.TripID)
	if err != nil {
		return models.Match{}, err
	}
	if trip.OwnerID != callerID {
		return models.Match{}, ErrNotOwner
	}
	if m.Status != models.MatchAccepted {
		return m, nil
	}
	if err := s.Matches.UpdateMatchStatus(ctx, matchID, models.MatchCompleted); err != nil {
		return models.Match{}, err
	}
	if err := s.Parcels.UpdateParcelStatus(ctx, m.ParcelID, models.ParcelDelivered); err != nil {
		return models.Match{}, err
	}
	if s.Payments != nil && m.PaymentIntentID != "" {
		if err := s.Payments.Capture(ctx, m.PaymentIntentID); err != nil {
			s.log().Warn("payment capture failed", "match_id", matchID, "error", err)
		}
	}
	m.Status = models.MatchCompleted
	return m, nil
}

// RejectMatch moves requested -> rejected, releasing any payment hold on the
// match. Only the trip owner may reject.
func (s *Service) RejectMatch(ctx context.Context, matchID, callerID string) (models.Match, error) {
	m, err := s.Matches.GetMatch(ctx, matchID)
	if err != nil {
		return models.Match{}, err
	}
	trip, err := s.Trips.GetTrip(ctx, m.TripID)
	if err != nil {
		return models.Match{}, err
	}
	if trip.OwnerID != callerID {
		return models.Match{}, ErrNotOwner
	}
	if m.Status != models.MatchRequested {
		return m, nil
	}
	if err := s.Matches.UpdateMatchStatus(ctx, matchID, models.MatchRejected); err != nil {
		return models.Match{}, err
	}
	if s.Payments != nil && m.PaymentIntentID != "" {
		if err := s.Payments.Cancel(ctx, m.PaymentIntentID); err != nil {
			s.log().Warn("releasing payment hold failed", "match_id", matchID, "error", err)
		}
	}
	m.Status = models.MatchRejected
	return m, nil
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
