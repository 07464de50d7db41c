package escalation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/courier-matching/internal/dispatch"
	"github.com/example/courier-matching/internal/models"
	"github.com/example/courier-matching/internal/presence"
	"github.com/example/courier-matching/internal/pricing"
	"github.com/example/courier-matching/internal/storage"
)

// recordingNotifier counts pushes per user and can fail the first N attempts
// per user to exercise the retry path.
type recordingNotifier struct {
	pushes    map[string][]dispatch.Notification
	failFirst map[string]int
	attempts  map[string]int
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		pushes:    make(map[string][]dispatch.Notification),
		failFirst: make(map[string]int),
		attempts:  make(map[string]int),
	}
}

func (r *recordingNotifier) Push(_ context.Context, userID string, n dispatch.Notification) error {
	r.attempts[userID]++
	if r.attempts[userID] <= r.failFirst[userID] {
		return errors.New("transient send failure")
	}
	r.pushes[userID] = append(r.pushes[userID], n)
	return nil
}

var pickup = models.Coord{Lat: 48.86, Lon: 2.35}

func carrier(id string, distKm float64, prefs models.NotifyPrefs, lastActive time.Time) models.CarrierPresence {
	// ~1 km per 0.009 degrees of latitude
	return models.CarrierPresence{
		UserID:     id,
		Online:     true,
		Loc:        models.Coord{Lat: pickup.Lat + distKm*0.009, Lon: pickup.Lon},
		LastActive: lastActive,
		Prefs:      prefs,
	}
}

type fixture struct {
	store    *storage.MemoryStore
	idx      *presence.MemoryIndex
	notifier *recordingNotifier
	sched    *Scheduler
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		idx:      presence.NewMemoryIndex(),
		notifier: newRecordingNotifier(),
		now:      time.Unix(1_700_000_000, 0),
	}
	f.sched = &Scheduler{
		Parcels:     f.store,
		Escalations: f.store,
		Ledger:      f.store,
		Presence:    f.idx,
		Notifier:    f.notifier,
		Rules:       pricing.DefaultRules(),
		Now:         func() time.Time { return f.now },
	}
	_ = f.store.SaveParcel(context.Background(), models.Parcel{
		ID:          "p1",
		OwnerID:     "sender1",
		Origin:      pickup,
		Destination: models.Coord{Lat: 48.90, Lon: 2.45},
		WeightKg:    3,
		VolumeDm3:   10,
		Urgency:     models.UrgencyNormal,
		Window:      models.TimeWindow{Start: 1, End: 2},
		Status:      models.ParcelPublished,
	})
	return f
}

func TestStage1FiltersCandidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.idx.Upsert(ctx, carrier("eligible", 2, models.NotifyPrefs{}, f.now))
	f.idx.Upsert(ctx, carrier("stale", 2, models.NotifyPrefs{}, f.now.Add(-25*time.Hour)))
	f.idx.Upsert(ctx, carrier("capped-radius", 4, models.NotifyPrefs{RadiusCapKm: 3}, f.now))
	f.idx.Upsert(ctx, carrier("pricey", 2, models.NotifyPrefs{MinPrice: 150}, f.now))
	f.idx.Upsert(ctx, carrier("urgent-only", 2, models.NotifyPrefs{UrgentOnly: true}, f.now))
	f.idx.Upsert(ctx, carrier("sender1", 1, models.NotifyPrefs{}, f.now)) // the owner
	off := carrier("offline", 1, models.NotifyPrefs{}, f.now)
	off.Online = false
	f.idx.Upsert(ctx, off)

	sent, err := f.sched.OnParcelCreated(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("only the eligible carrier should be notified, got %d", sent)
	}
	if len(f.notifier.pushes["eligible"]) != 1 {
		t.Fatal("eligible carrier missed the push")
	}
	for _, id := range []string{"stale", "capped-radius", "pricey", "urgent-only", "sender1", "offline"} {
		if len(f.notifier.pushes[id]) != 0 {
			t.Fatalf("%s should have been filtered out", id)
		}
	}

	es, _ := f.store.ListEscalationsForParcel(ctx, "p1")
	if len(es) != 4 {
		t.Fatalf("expected 4 escalation records, got %d", len(es))
	}
	for _, e := range es {
		if e.Stage == 1 {
			if e.Status != models.EscalationDone || e.SentCount != 1 {
				t.Fatalf("stage 1 should be done with count 1: %+v", e)
			}
		} else if e.Status != models.EscalationPending {
			t.Fatalf("stage %d should be pending: %+v", e.Stage, e)
		}
	}
}

func TestWiderWavesDedupeEarlierRecipients(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.idx.Upsert(ctx, carrier("close", 2, models.NotifyPrefs{}, f.now))
	f.idx.Upsert(ctx, carrier("mid", 6, models.NotifyPrefs{}, f.now)) // outside 5km, inside 7km

	if sent, _ := f.sched.OnParcelCreated(ctx, "p1"); sent != 1 {
		t.Fatalf("stage 1 should reach only the close carrier, got %d", sent)
	}

	f.now = f.now.Add(6 * time.Minute) // stage 2 due
	f.sched.Tick(ctx)

	if len(f.notifier.pushes["close"]) != 1 {
		t.Fatal("close carrier must not be notified twice for the same parcel")
	}
	if len(f.notifier.pushes["mid"]) != 1 {
		t.Fatal("mid carrier should be picked up by the 7km wave")
	}

	ok, _ := f.store.WasNotified(ctx, "p1", "close")
	if !ok {
		t.Fatal("ledger must remember the close carrier")
	}
}

func TestCancellationBeforeStage2(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("close", 2, models.NotifyPrefs{}, f.now))
	f.idx.Upsert(ctx, carrier("mid", 6, models.NotifyPrefs{}, f.now))

	_, _ = f.sched.OnParcelCreated(ctx, "p1")

	// parcel booked at +3 minutes
	f.now = f.now.Add(3 * time.Minute)
	_ = f.store.UpdateParcelStatus(ctx, "p1", models.ParcelMatched)
	if n, _ := f.sched.OnParcelClosed(ctx, "p1"); n != 3 {
		t.Fatalf("stages 2-4 should be cancelled, got %d", n)
	}

	before := len(f.notifier.pushes["mid"])
	f.now = f.now.Add(20 * time.Minute) // well past every stage
	f.sched.Tick(ctx)

	if len(f.notifier.pushes["mid"]) != before {
		t.Fatal("no sends may happen after cancellation")
	}
	es, _ := f.store.ListEscalationsForParcel(ctx, "p1")
	for _, e := range es {
		if e.Stage > 1 && e.Status != models.EscalationCancelled {
			t.Fatalf("stage %d should be cancelled, got %s", e.Stage, e.Status)
		}
		if e.Stage > 1 && e.SentCount != 0 {
			t.Fatalf("stage %d must have zero sends", e.Stage)
		}
	}
}

func TestWaveSkippedWhenParcelClosesWithoutCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("mid", 6, models.NotifyPrefs{}, f.now))

	_, _ = f.sched.OnParcelCreated(ctx, "p1")
	// status flips but nobody called OnParcelClosed; the wave re-checks
	_ = f.store.UpdateParcelStatus(ctx, "p1", models.ParcelWithdrawn)

	f.now = f.now.Add(6 * time.Minute)
	f.sched.Tick(ctx)

	if len(f.notifier.pushes["mid"]) != 0 {
		t.Fatal("wave must re-check parcel openness before sending")
	}
	es, _ := f.store.ListEscalationsForParcel(ctx, "p1")
	for _, e := range es {
		if e.Stage == 2 && e.Status != models.EscalationCancelled {
			t.Fatalf("stage 2 should resolve to cancelled, got %s", e.Status)
		}
	}
}

func TestSendRetriesOnceThenLogsFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("flaky", 2, models.NotifyPrefs{}, f.now))
	f.idx.Upsert(ctx, carrier("dead", 3, models.NotifyPrefs{}, f.now))
	f.notifier.failFirst["flaky"] = 1 // first attempt fails, retry succeeds
	f.notifier.failFirst["dead"] = 10 // always fails

	sent, err := f.sched.OnParcelCreated(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if sent != 1 {
		t.Fatalf("only the flaky carrier is eventually delivered, got %d", sent)
	}
	if f.notifier.attempts["flaky"] != 2 {
		t.Fatalf("flaky should take exactly 2 attempts, got %d", f.notifier.attempts["flaky"])
	}
	if f.notifier.attempts["dead"] != 2 {
		t.Fatalf("dead should be retried exactly once, got %d attempts", f.notifier.attempts["dead"])
	}
	// the failure is still in the ledger so later waves skip the carrier
	if ok, _ := f.store.WasNotified(ctx, "p1", "dead"); !ok {
		t.Fatal("failed send must still be recorded in the ledger")
	}
}

func TestStage4TipsParcelOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.sched.OnParcelCreated(ctx, "p1")
	f.now = f.now.Add(16 * time.Minute)
	f.sched.Tick(ctx)

	tips := f.notifier.pushes["sender1"]
	if len(tips) != 1 || tips[0].Kind != dispatch.KindLowInterestTip {
		t.Fatalf("owner should get exactly one low-interest tip, got %+v", tips)
	}
}

func TestHourlyPushCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("busy", 2, models.NotifyPrefs{MaxPushesPerHour: 1}, f.now))

	// the carrier was already pushed for another parcel this hour
	_ = f.store.RecordNotification(ctx, models.NotificationLog{
		ID: "n0", ParcelID: "other", UserID: "busy", Stage: 1, Delivered: true, SentAt: f.now.Add(-10 * time.Minute),
	})

	sent, _ := f.sched.OnParcelCreated(ctx, "p1")
	if sent != 0 || len(f.notifier.pushes["busy"]) != 0 {
		t.Fatalf("carrier over their hourly cap must be skipped, sent=%d", sent)
	}
}

func TestOnParcelCreatedNoopWhenClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.store.UpdateParcelStatus(ctx, "p1", models.ParcelWithdrawn)

	sent, err := f.sched.OnParcelCreated(ctx, "p1")
	if err != nil || sent != 0 {
		t.Fatalf("expected zero-effect no-op, got sent=%d err=%v", sent, err)
	}
	es, _ := f.store.ListEscalationsForParcel(ctx, "p1")
	if len(es) != 0 {
		t.Fatal("no escalations may be scheduled for a closed parcel")
	}
}

// flakyParcelStore fails GetParcel a set number of times before delegating.
type flakyParcelStore struct {
	storage.ParcelStore
	failures int
}

func (f *flakyParcelStore) GetParcel(ctx context.Context, id string) (models.Parcel, error) {
	if f.failures > 0 {
		f.failures--
		return models.Parcel{}, errors.New("storage blip")
	}
	return f.ParcelStore.GetParcel(ctx, id)
}

func TestTransientStorageErrorKeepsWavePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("mid", 6, models.NotifyPrefs{}, f.now))

	_, _ = f.sched.OnParcelCreated(ctx, "p1")
	f.sched.Parcels = &flakyParcelStore{ParcelStore: f.store, failures: 1}

	f.now = f.now.Add(6 * time.Minute)
	f.sched.Tick(ctx) // parcel lookup fails; the wave must survive

	es, _ := f.store.ListEscalationsForParcel(ctx, "p1")
	for _, e := range es {
		if e.Stage == 2 && e.Status != models.EscalationPending {
			t.Fatalf("stage 2 must stay pending after a storage blip, got %s", e.Status)
		}
	}

	f.sched.Tick(ctx) // blip cleared, the wave fires
	if len(f.notifier.pushes["mid"]) != 1 {
		t.Fatalf("wave should fire once after the blip clears, got %d pushes", len(f.notifier.pushes["mid"]))
	}
}

func TestDoubleFireIsPrevented(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.idx.Upsert(ctx, carrier("mid", 6, models.NotifyPrefs{}, f.now))

	_, _ = f.sched.OnParcelCreated(ctx, "p1")
	f.now = f.now.Add(6 * time.Minute)
	f.sched.Tick(ctx)
	f.sched.Tick(ctx) // re-delivery of the same due list must be harmless

	if len(f.notifier.pushes["mid"]) != 1 {
		t.Fatalf("stage 2 fired twice: %d pushes", len(f.notifier.pushes["mid"]))
	}
}
