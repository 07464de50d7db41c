package escalation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/geo"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/observability"
	"github.com/example/courier-matching/internal/presence"
	"github.com/example/courier-matching/internal/pricing"
	"github.com/example/courier-matching/internal/storage"
)

// Stage layout of one campaign. Stage 1 fires synchronously on parcel
// creation; stages 2-4 are durable delayed waves. Stage 4 tips the parcel
// owner instead of carriers.
var stages = []struct {
	stage    int
	delay    time.Duration
	radiusKm float64
}{
	{1, 0, 5},
	{2, 5 * time.Minute, 7},
	{3, 10 * time.Minute, 12},
	{4, 15 * time.Minute, 0},
}

const freshnessWindow = 24 * time.Hour

// Scheduler drives the multi-wave notification campaign for new parcels.
// The Escalation row's pending->done/cancelled transition is the idempotency
// guard: a wave executes only after atomically claiming its row.
type Scheduler struct {
	Parcels     storage.ParcelStore
	Escalations storage.EscalationStore
	Ledger      storage.NotificationLogStore
	Presence    presence.Index
	Notifier    dispatch.Notifier
	Rules       pricing.Rules

	PollInterval time.Duration // worker tick, default 30s
	RetryDelay   time.Duration // pause before the single send retry

	Logger *slog.Logger
	Now    func() time.Time // test hook
}

// OnParcelCreated runs the stage-1 wave synchronously and schedules stages
// 2-4. It returns the stage-1 send count. A parcel that is not open is a
// zero-effect no-op.
func (s *Scheduler) OnParcelCreated(ctx context.Context, parcelID string) (int, error) {
	parcel, err := s.Parcels.GetParcel(ctx, parcelID)
	if err != nil {
		return 0, err
	}
	if !parcel.Status.Open() {
		return 0, nil
	}

	now := s.now()
	sent := s.runCarrierWave(ctx, parcel, 1, stages[0].radiusKm)

	for _, st := range stages {
		e := models.Escalation{
			ID:        newID(),
			ParcelID:  parcelID,
			Stage:     st.stage,
			RadiusKm:  st.radiusKm,
			DueAt:     now.Add(st.delay),
			Status:    models.EscalationPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if st.stage == 1 {
			e.Status = models.EscalationDone
			e.SentCount = sent
		}
		if err := s.Escalations.InsertEscalation(ctx, e); err != nil {
			if err == storage.ErrDuplicate {
				// campaign already scheduled for this parcel
				continue
			}
			return sent, err
		}
	}
	observability.EscalationWavesFired.WithLabelValues("1").Inc()
	s.log().Info("escalation campaign started", "parcel_id", parcelID, "stage1_sent", sent)
	return sent, nil
}

// OnParcelClosed cancels every still-pending wave for the parcel so nothing
// further fires. Safe to call more than once.
func (s *Scheduler) OnParcelClosed(ctx context.Context, parcelID string) (int, error) {
	n, err := s.Escalations.CancelPendingForParcel(ctx, parcelID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		observability.EscalationsCancelled.Add(float64(n))
		s.log().Info("escalations cancelled", "parcel_id", parcelID, "count", n)
	}
	return n, nil
}

// Run polls for due waves until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick executes every due pending wave once. Exported so the worker loop and
// tests share the same path.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.Escalations.DuePending(ctx, s.now())
	if err != nil {
		s.log().Error("listing due escalations failed", "error", err)
		return
	}
	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e models.Escalation) {
	parcel, err := s.Parcels.GetParcel(ctx, e.ParcelID)
	if err != nil && err != storage.ErrNotFound {
		// transient storage trouble; the row stays pending for the next tick
		s.log().Error("loading parcel for wave failed", "parcel_id", e.ParcelID, "error", err)
		return
	}
	if err == storage.ErrNotFound || !parcel.Status.Open() {
		// the wave is moot; resolve the record so it never fires
		if err := s.Escalations.MarkCancelled(ctx, e.ID); err == nil {
			observability.EscalationsCancelled.Inc()
		}
		return
	}

	claimed, err := s.Escalations.ClaimPending(ctx, e.ID)
	if err != nil {
		s.log().Error("claiming escalation failed", "escalation_id", e.ID, "error", err)
		return
	}
	if !claimed {
		// another worker or a cancellation got here first
		return
	}

	var sent int
	if e.Stage == 4 {
		sent = s.sendOwnerTip(ctx, parcel)
	} else {
		sent = s.runCarrierWave(ctx, parcel, e.Stage, e.RadiusKm)
	}
	if err := s.Escalations.SetSentCount(ctx, e.ID, sent); err != nil {
		s.log().Error("recording send count failed", "escalation_id", e.ID, "error", err)
	}
	observability.EscalationWavesFired.WithLabelValues(strconv.Itoa(e.Stage)).Inc()
	s.log().Info("escalation wave fired", "parcel_id", e.ParcelID, "stage", e.Stage, "sent", sent)
}

// runCarrierWave notifies every eligible carrier near the parcel pickup.
// Eligibility: online, active within 24h, inside min(wave radius, personal
// cap), not the parcel owner, never notified for this parcel, under their
// hourly push cap, and matching their price/urgency preferences. Send
// failures are retried once and never abort the wave for other carriers.
func (s *Scheduler) runCarrierWave(ctx context.Context, parcel models.Parcel, stage int, radiusKm float64) int {
	price := pricing.Compute(s.Rules, pricing.Input{
		BaseDistanceKm: geo.Distance(parcel.Origin, parcel.Destination),
		WeightKg:       parcel.WeightKg,
		VolumeDm3:      parcel.VolumeDm3,
		Urgency:        parcel.Urgency,
		Fragile:        parcel.Fragile,
		InsuranceValue: parcel.InsuranceValue,
	})

	now := s.now()
	sent := 0
	for _, c := range s.Presence.Nearby(ctx, parcel.Origin, radiusKm, 0) {
		if c.UserID == parcel.OwnerID {
			continue
		}
		if now.Sub(c.LastActive) > freshnessWindow {
			continue
		}
		radius := radiusKm
		if c.Prefs.RadiusCapKm > 0 && c.Prefs.RadiusCapKm < radius {
			radius = c.Prefs.RadiusCapKm
		}
		if geo.Distance(parcel.Origin, c.Loc) > radius {
			continue
		}
		if notified, err := s.Ledger.WasNotified(ctx, parcel.ID, c.UserID); err != nil || notified {
			continue
		}
		if c.Prefs.MaxPushesPerHour > 0 {
			n, err := s.Ledger.CountNotifiedSince(ctx, c.UserID, now.Add(-time.Hour))
			if err != nil || n >= c.Prefs.MaxPushesPerHour {
				continue
			}
		}
		if c.Prefs.MinPrice > 0 && price.Total < c.Prefs.MinPrice {
			continue
		}
		if c.Prefs.UrgentOnly && parcel.Urgency == models.UrgencyNormal {
			continue
		}

		n := dispatch.Notification{
			Kind:  dispatch.KindOpportunity,
			Title: "Parcel near you",
			Body:  fmt.Sprintf("%s to %s, %.2f %s", parcel.OriginLabel, parcel.DestinationLabel, price.Total, price.Currency),
			Data:  map[string]any{"parcel_id": parcel.ID, "stage": stage},
		}
		delivered := s.sendWithRetry(ctx, c.UserID, n)

		err := s.Ledger.RecordNotification(ctx, models.NotificationLog{
			ID:        newID(),
			ParcelID:  parcel.ID,
			UserID:    c.UserID,
			Stage:     stage,
			Delivered: delivered,
			SentAt:    now,
		})
		if err == storage.ErrDuplicate {
			// a concurrent wave logged this carrier first; theirs counts
			continue
		}
		if err != nil {
			s.log().Error("recording notification failed", "parcel_id", parcel.ID, "user_id", c.UserID, "error", err)
			continue
		}
		if delivered {
			sent++
			observability.NotificationsSent.WithLabelValues(dispatch.KindOpportunity).Inc()
		} else {
			observability.NotificationsFailed.Inc()
		}
	}
	return sent
}

// sendOwnerTip tells the sender their parcel has drawn little interest,
// unconditionally while the parcel is open.
func (s *Scheduler) sendOwnerTip(ctx context.Context, parcel models.Parcel) int {
	n := dispatch.Notification{
		Kind:  dispatch.KindLowInterestTip,
		Title: "Low interest so far",
		Body:  "Your parcel has not found a carrier yet. Consider widening the time window or raising urgency.",
		Data:  map[string]any{"parcel_id": parcel.ID},
	}
	if s.sendWithRetry(ctx, parcel.OwnerID, n) {
		observability.NotificationsSent.WithLabelValues(dispatch.KindLowInterestTip).Inc()
		return 1
	}
	observability.NotificationsFailed.Inc()
	return 0
}

// sendWithRetry makes 2 attempts total before giving up.
func (s *Scheduler) sendWithRetry(ctx context.Context, userID string, n dispatch.Notification) bool {
	if err := s.Notifier.Push(ctx, userID, n); err == nil {
		return true
	}
	if s.RetryDelay > 0 {
		time.Sleep(s.RetryDelay)
	}
	if err := s.Notifier.Push(ctx, userID, n); err != nil {
		s.log().Warn("push failed after retry", "user_id", userID, "kind", n.Kind, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
