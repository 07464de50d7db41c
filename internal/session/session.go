package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/geo"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/observability"
	"github.com/example/courier-matching/internal/presence"
	"github.com/example/courier-matching/internal/storage"
)

var (
	ErrNotOwner         = errors.New("caller does not own this session")
	ErrInvalidDeviation = errors.New("max deviation must be one of 5, 10, 20, 30 minutes")
)

const (
	// Location updates closer together than both thresholds are dropped and
	// the previous ranking is returned unchanged.
	minAcceptInterval = 20 * time.Second
	minAcceptKm       = 0.12

	// Cooldown between "parcels nearby" pushes to the same session, applied
	// even when the match count fluctuates.
	notifyCooldown = 10 * time.Minute

	pickupWeight  = 1.35
	dropWeight    = 0.75
	corridorSpeed = 42.0
	scoreKmFactor = 10.0
)

var allowedDeviations = map[int]bool{5: true, 10: true, 20: true, 30: true}

// PushResult is returned from every location update, accepted or not.
type PushResult struct {
	MatchesCount     int    `json:"matches_count"`
	ShouldNotify     bool   `json:"should_notify"`
	DestinationLabel string `json:"destination_label"`
}

// Service manages live "drive now" corridors. Rankings are recomputed from
// the open parcel pool on every accepted location update; nothing is cached
// across updates except the last accepted location and a match count.
type Service struct {
	Sessions storage.SessionStore
	Parcels  storage.ParcelStore
	Presence presence.Index
	Notifier dispatch.Notifier
	Logger   *slog.Logger
	Now      func() time.Time // test hook, defaults to time.Now
}

// Start opens a new ACTIVE session for the user, force-stopping any prior
// active one.
func (s *Service) Start(ctx context.Context, userID string, origin, dest models.Coord, destLabel string, maxDeviation int, opportunitiesEnabled bool) (models.TripSession, error) {
	if !allowedDeviations[maxDeviation] {
		return models.TripSession{}, ErrInvalidDeviation
	}

	if prev, err := s.Sessions.ActiveSessionForUser(ctx, userID); err == nil {
		prev.Status = models.SessionStopped
		prev.StoppedAt = s.now()
		if err := s.Sessions.SaveSession(ctx, prev); err != nil {
			return models.TripSession{}, err
		}
		observability.SessionsActive.Dec()
		s.log().Info("force-stopped prior session", "session_id", prev.ID, "user_id", userID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return models.TripSession{}, err
	}

	sess := models.TripSession{
		ID:                   newID(),
		UserID:               userID,
		Origin:               origin,
		Destination:          dest,
		DestinationLabel:     destLabel,
		MaxDeviationMinutes:  maxDeviation,
		OpportunitiesEnabled: opportunitiesEnabled,
		Status:               models.SessionActive,
		StartedAt:            s.now(),
	}
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return models.TripSession{}, err
	}
	observability.SessionsActive.Inc()
	return sess, nil
}

// PushLocation ingests a carrier location update. Updates are rate-limited to
// one per 20 seconds or 120 meters of movement, whichever comes first; a
// rejected update returns the previous result unchanged. Timestamps are epoch
// milliseconds; stale (out of order) updates are dropped.
func (s *Service) PushLocation(ctx context.Context, sessionID, userID string, loc models.Coord, tsMillis int64) (PushResult, error) {
	sess, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return PushResult{}, err
	}
	if sess.UserID != userID {
		return PushResult{}, ErrNotOwner
	}
	if sess.Status != models.SessionActive {
		return PushResult{}, nil
	}

	cached := PushResult{MatchesCount: sess.MatchCount, DestinationLabel: sess.DestinationLabel}
	if sess.LastLocationAt != 0 {
		if tsMillis <= sess.LastLocationAt {
			return cached, nil
		}
		recent := tsMillis-sess.LastLocationAt < minAcceptInterval.Milliseconds()
		moved := geo.Distance(sess.LastLocation, loc) >= minAcceptKm
		if recent && !moved {
			return cached, nil
		}
	}

	sess.LastLocation = loc
	sess.LastLocationAt = tsMillis
	observability.SessionPushes.Inc()

	s.updatePresence(ctx, userID, loc)

	parcels, err := s.Parcels.ListOpenParcels(ctx)
	if err != nil {
		return PushResult{}, err
	}
	ranked := Rank(sess.Origin, sess.Destination, sess.MaxDeviationMinutes, parcels, 0)
	sess.MatchCount = len(ranked)

	res := PushResult{MatchesCount: sess.MatchCount, DestinationLabel: sess.DestinationLabel}
	if sess.OpportunitiesEnabled && sess.MatchCount > 0 {
		now := s.now().UnixMilli()
		if sess.LastNotifiedAt == 0 || now-sess.LastNotifiedAt >= notifyCooldown.Milliseconds() {
			res.ShouldNotify = true
			sess.LastNotifiedAt = now
			s.notifyNearby(ctx, userID, sess.MatchCount)
		}
	}

	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return PushResult{}, err
	}
	return res, nil
}

// ListMatches ranks the open parcel pool against the session corridor.
func (s *Service) ListMatches(ctx context.Context, sessionID, userID string, limit int) ([]models.RankedParcel, error) {
	sess, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrNotOwner
	}
	parcels, err := s.Parcels.ListOpenParcels(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(sess.Origin, sess.Destination, sess.MaxDeviationMinutes, parcels, limit), nil
}

// Stop marks the session STOPPED. Stopping an already-stopped session is a
// no-op.
func (s *Service) Stop(ctx context.Context, sessionID, userID string) error {
	sess, err := s.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return ErrNotOwner
	}
	if sess.Status == models.SessionStopped {
		return nil
	}
	sess.Status = models.SessionStopped
	sess.StoppedAt = s.now()
	if err := s.Sessions.SaveSession(ctx, sess); err != nil {
		return err
	}
	observability.SessionsActive.Dec()
	return nil
}

// Rank scores every open parcel against the corridor [origin, dest], rejects
// those whose estimated detour exceeds maxDeviation minutes, and returns the
// rest sorted by descending score (ascending detour on ties), capped to limit
// when limit > 0.
func Rank(origin, dest models.Coord, maxDeviation int, parcels []models.Parcel, limit int) []models.RankedParcel {
	out := make([]models.RankedParcel, 0, len(parcels))
	for _, p := range parcels {
		pickupDist := geo.PointToSegmentDistance(p.Origin, origin, dest)
		dropDist := geo.Distance(p.Destination, dest)
		estMinutes := int(math.Round((pickupDist*pickupWeight + dropDist*dropWeight) / corridorSpeed * 60))
		if estMinutes > maxDeviation {
			continue
		}
		score := int(math.Round(100 - (0.45*pickupDist+0.35*dropDist+0.20*float64(estMinutes))*scoreKmFactor))
		if score < 0 {
			score = 0
		}
		out = append(out, models.RankedParcel{
			Parcel:           p,
			Score:            score,
			PickupDistKm:     pickupDist,
			DropDistKm:       dropDist,
			EstDetourMinutes: estMinutes,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].EstDetourMinutes < out[j].EstDetourMinutes
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// updatePresence keeps the shared presence record fresh, preserving any
// stored preferences. Last writer wins.
func (s *Service) updatePresence(ctx context.Context, userID string, loc models.Coord) {
	if s.Presence == nil {
		return
	}
	c, _ := s.Presence.Get(ctx, userID)
	c.UserID = userID
	c.Online = true
	c.Loc = loc
	c.LastActive = s.now()
	s.Presence.Upsert(ctx, c)
}

func (s *Service) notifyNearby(ctx context.Context, userID string, count int) {
	if s.Notifier == nil {
		return
	}
	n := dispatch.Notification{
		Kind:  dispatch.KindParcelsNearby,
		Title: "Parcels on your way",
		Body:  fmt.Sprintf("%d parcels can be delivered along your route", count),
		Data:  map[string]any{"count": count},
	}
	if err := s.Notifier.Push(ctx, userID, n); err != nil {
		s.log().Warn("nearby push failed", "user_id", userID, "error", err)
		return
	}
	observability.NotificationsSent.WithLabelValues(dispatch.KindParcelsNearby).Inc()
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
