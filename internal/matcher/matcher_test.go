package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/pricing"
	"github.com/example/courier-matching/internal/storage"
)

type push struct {
	userID string
	n      dispatch.Notification
}

type fakeNotifier struct{ pushes []push }

func (f *fakeNotifier) Push(_ context.Context, userID string, n dispatch.Notification) error {
	f.pushes = append(f.pushes, push{userID, n})
	return nil
}

func testTrip(id, owner string) models.Trip {
	return models.Trip{
		ID:               id,
		OwnerID:          owner,
		Origin:           models.Coord{Lat: 48.80, Lon: 2.35},
		Destination:      models.Coord{Lat: 48.85, Lon: 2.50},
		Window:           models.TimeWindow{Start: 1_000_000, End: 1_000_000 + 4*3600_000},
		CapacityClass:    models.SizeMedium,
		MaxWeightKg:      10,
		MaxVolumeDm3:     40,
		MaxDetourMinutes: 20,
		Status:           models.TripPublished,
		CreatedAt:        time.Now(),
		UpdatedAt:        time.Now(),
	}
}

func testParcel(id, owner string) models.Parcel {
	return models.Parcel{
		ID:          id,
		OwnerID:     owner,
		Origin:      models.Coord{Lat: 48.81, Lon: 2.40},
		Destination: models.Coord{Lat: 48.84, Lon: 2.48},
		Size:        models.SizeSmall,
		WeightKg:    2,
		VolumeDm3:   8,
		Urgency:     models.UrgencyNormal,
		Window:      models.TimeWindow{Start: 1_000_000, End: 1_000_000 + 6*3600_000},
		Status:      models.ParcelPublished,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
}

func newService(store *storage.MemoryStore, notifier dispatch.Notifier) *Service {
	return &Service{
		Trips:    store,
		Parcels:  store,
		Matches:  store,
		Notifier: notifier,
		Rules:    pricing.DefaultRules(),
	}
}

func TestRecomputeForParcelGeneratesMatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	svc := newService(store, &fakeNotifier{})
	count, err := svc.RecomputeForParcel(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 match, got %d", count)
	}
	ms, _ := store.ListMatchesForParcel(ctx, "p1")
	if len(ms) != 1 || ms[0].Status != models.MatchCandidate {
		t.Fatalf("unexpected match set: %+v", ms)
	}
	if ms[0].Score <= 0 || ms[0].Score > 100 {
		t.Fatalf("score out of range: %d", ms[0].Score)
	}
	if ms[0].Price.Total < 6 || ms[0].Price.Total > 180 {
		t.Fatalf("price outside bounds: %f", ms[0].Price.Total)
	}
	if ms[0].Explanation == "" {
		t.Fatal("explanation must be set")
	}
}

func TestRecomputeForParcelIdempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveTrip(ctx, testTrip("t2", "carrier2"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	svc := newService(store, &fakeNotifier{})
	if _, err := svc.RecomputeForParcel(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	first, _ := store.ListMatchesForParcel(ctx, "p1")

	if _, err := svc.RecomputeForParcel(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	second, _ := store.ListMatchesForParcel(ctx, "p1")

	if len(first) != len(second) {
		t.Fatalf("match count changed: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].TripID != second[i].TripID ||
			first[i].Score != second[i].Score ||
			first[i].Price.Total != second[i].Price.Total {
			t.Fatalf("pass not idempotent at %d: %+v vs %+v", i, first[i], second[i])
		}
		if first[i].ID == second[i].ID {
			t.Fatal("match identity must not survive a recomputation pass")
		}
	}
}

func TestRecomputeNotifiesOnlyFirstTimeMatches(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	fn := &fakeNotifier{}
	svc := newService(store, fn)
	_, _ = svc.RecomputeForParcel(ctx, "p1")
	if len(fn.pushes) != 1 || fn.pushes[0].userID != "carrier1" {
		t.Fatalf("expected one push to carrier1, got %+v", fn.pushes)
	}
	// same inputs again: the trip was already in the previous set
	_, _ = svc.RecomputeForParcel(ctx, "p1")
	if len(fn.pushes) != 1 {
		t.Fatalf("re-run must not re-notify, got %d pushes", len(fn.pushes))
	}
}

func TestRecomputeSkipsOwnTrips(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "alice"))
	_ = store.SaveParcel(ctx, testParcel("p1", "alice"))

	fn := &fakeNotifier{}
	svc := newService(store, fn)
	count, _ := svc.RecomputeForParcel(ctx, "p1")
	if count != 1 {
		t.Fatalf("own trip still matches, got %d", count)
	}
	if len(fn.pushes) != 0 {
		t.Fatal("must not notify the parcel owner about their own trip")
	}
}

func TestRecomputeNoopOnClosedParcel(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	p := testParcel("p1", "sender1")
	p.Status = models.ParcelMatched
	_ = store.SaveParcel(ctx, p)

	svc := newService(store, &fakeNotifier{})
	count, err := svc.RecomputeForParcel(ctx, "p1")
	if err != nil || count != 0 {
		t.Fatalf("closed parcel must be a zero-effect no-op, got count=%d err=%v", count, err)
	}
}

func TestRecomputeForTrip(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))
	far := testParcel("p2", "sender2")
	far.Origin = models.Coord{Lat: 52.52, Lon: 13.40} // Berlin, nowhere near the corridor
	far.Destination = models.Coord{Lat: 52.53, Lon: 13.42}
	_ = store.SaveParcel(ctx, far)

	fn := &fakeNotifier{}
	svc := newService(store, fn)
	count, err := svc.RecomputeForTrip(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("only the nearby parcel should match, got %d", count)
	}
	if len(fn.pushes) != 0 {
		t.Fatal("trip-side recomputation must not notify")
	}
}

type fakePayments struct {
	holds      int
	lastAmount int64
	captured   []string
	cancelled  []string
}

func (f *fakePayments) Hold(_ context.Context, amount int64, currency, customerID string) (string, error) {
	f.holds++
	f.lastAmount = amount
	return "pi_test", nil
}

func (f *fakePayments) Capture(_ context.Context, id string) error {
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakePayments) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func TestAcceptPersistsHoldAndCompleteCaptures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	pay := &fakePayments{}
	svc := newService(store, &fakeNotifier{})
	svc.Payments = pay
	_, _ = svc.RecomputeForParcel(ctx, "p1")
	ms, _ := store.ListMatchesForParcel(ctx, "p1")
	id := ms[0].ID

	_, _ = svc.RequestMatch(ctx, id, "sender1")
	m, err := svc.AcceptMatch(ctx, id, "carrier1")
	if err != nil {
		t.Fatal(err)
	}
	if pay.holds != 1 {
		t.Fatalf("expected one hold, got %d", pay.holds)
	}
	wantCents := int64(m.Price.Total*100 + 0.5)
	if pay.lastAmount != wantCents {
		t.Fatalf("hold amount %d does not match price %f", pay.lastAmount, m.Price.Total)
	}
	stored, _ := store.GetMatch(ctx, id)
	if stored.PaymentIntentID != "pi_test" {
		t.Fatalf("hold id must be persisted on the match, got %q", stored.PaymentIntentID)
	}

	if _, err := svc.CompleteMatch(ctx, id, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Fatal("only the trip owner may complete")
	}
	m, err = svc.CompleteMatch(ctx, id, "carrier1")
	if err != nil || m.Status != models.MatchCompleted {
		t.Fatalf("complete failed: %+v %v", m, err)
	}
	if len(pay.captured) != 1 || pay.captured[0] != "pi_test" {
		t.Fatalf("hold must be captured on completion, got %v", pay.captured)
	}
	p, _ := store.GetParcel(ctx, "p1")
	if p.Status != models.ParcelDelivered {
		t.Fatalf("parcel should be delivered, got %s", p.Status)
	}
	// completing again is a no-op and must not double-capture
	m, err = svc.CompleteMatch(ctx, id, "carrier1")
	if err != nil || m.Status != models.MatchCompleted || len(pay.captured) != 1 {
		t.Fatalf("re-complete should no-op: %+v %v captures=%d", m, err, len(pay.captured))
	}
}

func TestRejectReleasesHold(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	pay := &fakePayments{}
	svc := newService(store, &fakeNotifier{})
	svc.Payments = pay
	_, _ = svc.RecomputeForParcel(ctx, "p1")
	ms, _ := store.ListMatchesForParcel(ctx, "p1")
	id := ms[0].ID

	_, _ = svc.RequestMatch(ctx, id, "sender1")
	_ = store.SetMatchPaymentIntent(ctx, id, "pi_held")

	m, err := svc.RejectMatch(ctx, id, "carrier1")
	if err != nil || m.Status != models.MatchRejected {
		t.Fatalf("reject failed: %+v %v", m, err)
	}
	if len(pay.cancelled) != 1 || pay.cancelled[0] != "pi_held" {
		t.Fatalf("hold must be released on rejection, got %v", pay.cancelled)
	}
}

func TestMatchLifecycleAndAuthorization(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	_ = store.SaveTrip(ctx, testTrip("t1", "carrier1"))
	_ = store.SaveParcel(ctx, testParcel("p1", "sender1"))

	svc := newService(store, &fakeNotifier{})
	_, _ = svc.RecomputeForParcel(ctx, "p1")
	ms, _ := store.ListMatchesForParcel(ctx, "p1")
	id := ms[0].ID

	if _, err := svc.RequestMatch(ctx, id, "mallory"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	m, err := svc.RequestMatch(ctx, id, "sender1")
	if err != nil || m.Status != models.MatchRequested {
		t.Fatalf("request failed: %+v %v", m, err)
	}
	// requesting again is a no-op, not an error
	m, err = svc.RequestMatch(ctx, id, "sender1")
	if err != nil || m.Status != models.MatchRequested {
		t.Fatalf("re-request should no-op: %+v %v", m, err)
	}

	if _, err := svc.AcceptMatch(ctx, id, "sender1"); !errors.Is(err, ErrNotOwner) {
		t.Fatal("only the trip owner may accept")
	}
	m, err = svc.AcceptMatch(ctx, id, "carrier1")
	if err != nil || m.Status != models.MatchAccepted {
		t.Fatalf("accept failed: %+v %v", m, err)
	}
	p, _ := store.GetParcel(ctx, "p1")
	if p.Status != models.ParcelMatched {
		t.Fatalf("parcel should be matched, got %s", p.Status)
	}
}
