package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/courier-matching/internal/models"
)

// PostgresStore implements every store interface on top of database/sql.
// Unique indexes (see migrations/001_init.sql) back the idempotency
// invariants instead of application-level checks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, owner_id, origin_lat, origin_lon, origin_label,
		dest_lat, dest_lon, dest_label, window_start, window_end, capacity_class,
		max_weight_kg, max_volume_dm3, max_detour_minutes, status, created_at, updated_at
		FROM trips WHERE id=$1`, id)
	var t models.Trip
	var capClass int
	err := row.Scan(&t.ID, &t.OwnerID, &t.Origin.Lat, &t.Origin.Lon, &t.OriginLabel,
		&t.Destination.Lat, &t.Destination.Lon, &t.DestinationLabel,
		&t.Window.Start, &t.Window.End, &capClass,
		&t.MaxWeightKg, &t.MaxVolumeDm3, &t.MaxDetourMinutes, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, ErrNotFound
	}
	t.CapacityClass = models.SizeClass(capClass)
	return t, err
}

func (p *PostgresStore) SaveTrip(ctx context.Context, t models.Trip) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips
		(id, owner_id, origin_lat, origin_lon, origin_label, dest_lat, dest_lon, dest_label,
		 window_start, window_end, capacity_class, max_weight_kg, max_volume_dm3,
		 max_detour_minutes, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
		 window_start=EXCLUDED.window_start, window_end=EXCLUDED.window_end,
		 capacity_class=EXCLUDED.capacity_class, max_weight_kg=EXCLUDED.max_weight_kg,
		 max_volume_dm3=EXCLUDED.max_volume_dm3, max_detour_minutes=EXCLUDED.max_detour_minutes,
		 status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		t.ID, t.OwnerID, t.Origin.Lat, t.Origin.Lon, t.OriginLabel,
		t.Destination.Lat, t.Destination.Lon, t.DestinationLabel,
		t.Window.Start, t.Window.End, int(t.CapacityClass), t.MaxWeightKg, t.MaxVolumeDm3,
		t.MaxDetourMinutes, string(t.Status), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) ListOpenTrips(ctx context.Context) ([]models.Trip, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, owner_id, origin_lat, origin_lon, origin_label,
		dest_lat, dest_lon, dest_label, window_start, window_end, capacity_class,
		max_weight_kg, max_volume_dm3, max_detour_minutes, status, created_at, updated_at
		FROM trips WHERE status=$1 ORDER BY id`, string(models.TripPublished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Trip
	for rows.Next() {
		var t models.Trip
		var capClass int
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Origin.Lat, &t.Origin.Lon, &t.OriginLabel,
			&t.Destination.Lat, &t.Destination.Lon, &t.DestinationLabel,
			&t.Window.Start, &t.Window.End, &capClass,
			&t.MaxWeightKg, &t.MaxVolumeDm3, &t.MaxDetourMinutes, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.CapacityClass = models.SizeClass(capClass)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetParcel(ctx context.Context, id string) (models.Parcel, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, owner_id, origin_lat, origin_lon, origin_label,
		dest_lat, dest_lon, dest_label, size_class, weight_kg, volume_dm3, urgency, fragile,
		insurance_value, window_start, window_end, status, created_at, updated_at
		FROM parcels WHERE id=$1`, id)
	pc, err := scanParcel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Parcel{}, ErrNotFound
	}
	return pc, err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanParcel(row rowScanner) (models.Parcel, error) {
	var pc models.Parcel
	var size int
	err := row.Scan(&pc.ID, &pc.OwnerID, &pc.Origin.Lat, &pc.Origin.Lon, &pc.OriginLabel,
		&pc.Destination.Lat, &pc.Destination.Lon, &pc.DestinationLabel,
		&size, &pc.WeightKg, &pc.VolumeDm3, &pc.Urgency, &pc.Fragile,
		&pc.InsuranceValue, &pc.Window.Start, &pc.Window.End, &pc.Status, &pc.CreatedAt, &pc.UpdatedAt)
	pc.Size = models.SizeClass(size)
	return pc, err
}

func (p *PostgresStore) SaveParcel(ctx context.Context, pc models.Parcel) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO parcels
		(id, owner_id, origin_lat, origin_lon, origin_label, dest_lat, dest_lon, dest_label,
		 size_class, weight_kg, volume_dm3, urgency, fragile, insurance_value,
		 window_start, window_end, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=EXCLUDED.updated_at`,
		pc.ID, pc.OwnerID, pc.Origin.Lat, pc.Origin.Lon, pc.OriginLabel,
		pc.Destination.Lat, pc.Destination.Lon, pc.DestinationLabel,
		int(pc.Size), pc.WeightKg, pc.VolumeDm3, string(pc.Urgency), pc.Fragile, pc.InsuranceValue,
		pc.Window.Start, pc.Window.End, string(pc.Status), pc.CreatedAt, pc.UpdatedAt)
	return err
}

func (p *PostgresStore) ListOpenParcels(ctx context.Context) ([]models.Parcel, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, owner_id, origin_lat, origin_lon, origin_label,
		dest_lat, dest_lon, dest_label, size_class, weight_kg, volume_dm3, urgency, fragile,
		insurance_value, window_start, window_end, status, created_at, updated_at
		FROM parcels WHERE status=$1 ORDER BY id`, string(models.ParcelPublished))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Parcel
	for rows.Next() {
		pc, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateParcelStatus(ctx context.Context, id string, status models.ParcelStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE parcels SET status=$1, updated_at=$2 WHERE id=$3`,
		string(status), time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetMatch(ctx context.Context, id string) (models.Match, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, trip_id, parcel_id, status, score, detour_km,
		detour_minutes, base_route_km, base_route_minutes, price, payment_intent_id, explanation,
		created_at, expires_at, updated_at FROM matches WHERE id=$1`, id)
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Match{}, ErrNotFound
	}
	return m, err
}

func scanMatch(row rowScanner) (models.Match, error) {
	var m models.Match
	var priceJSON []byte
	err := row.Scan(&m.ID, &m.TripID, &m.ParcelID, &m.Status, &m.Score, &m.DetourKm,
		&m.DetourMinutes, &m.BaseRouteKm, &m.BaseRouteMinutes, &priceJSON, &m.PaymentIntentID,
		&m.Explanation, &m.CreatedAt, &m.ExpiresAt, &m.UpdatedAt)
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(priceJSON, &m.Price)
	return m, err
}

func (p *PostgresStore) InsertMatch(ctx context.Context, m models.Match) error {
	priceJSON, err := json.Marshal(m.Price)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO matches
		(id, trip_id, parcel_id, status, score, detour_km, detour_minutes,
		 base_route_km, base_route_minutes, price, payment_intent_id, explanation, created_at, expires_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		m.ID, m.TripID, m.ParcelID, string(m.Status), m.Score, m.DetourKm, m.DetourMinutes,
		m.BaseRouteKm, m.BaseRouteMinutes, priceJSON, m.PaymentIntentID, m.Explanation, m.CreatedAt, m.ExpiresAt, m.UpdatedAt)
	return err
}

func (p *PostgresStore) SetMatchPaymentIntent(ctx context.Context, id, paymentIntentID string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE matches SET payment_intent_id=$1, updated_at=$2 WHERE id=$3`,
		paymentIntentID, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateMatchStatus(ctx context.Context, id string, status models.MatchStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE matches SET status=$1, updated_at=$2 WHERE id=$3`,
		string(status), time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListMatchesForParcel(ctx context.Context, parcelID string) ([]models.Match, error) {
	return p.listMatches(ctx, `parcel_id`, parcelID)
}

func (p *PostgresStore) ListMatchesForTrip(ctx context.Context, tripID string) ([]models.Match, error) {
	return p.listMatches(ctx, `trip_id`, tripID)
}

func (p *PostgresStore) listMatches(ctx context.Context, col, id string) ([]models.Match, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, parcel_id, status, score, detour_km,
		detour_minutes, base_route_km, base_route_minutes, price, payment_intent_id, explanation,
		created_at, expires_at, updated_at FROM matches WHERE `+col+`=$1
		ORDER BY score DESC, detour_minutes ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteMatchesForParcel(ctx context.Context, parcelID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM matches WHERE parcel_id=$1`, parcelID)
	return err
}

func (p *PostgresStore) DeleteMatchesForTrip(ctx context.Context, tripID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM matches WHERE trip_id=$1`, tripID)
	return err
}

func (p *PostgresStore) GetSession(ctx context.Context, id string) (models.TripSession, error) {
	row := p.db.QueryRowContext(ctx, sessionSelect+` WHERE id=$1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripSession{}, ErrNotFound
	}
	return s, err
}

const sessionSelect = `SELECT id, user_id, origin_lat, origin_lon, dest_lat, dest_lon, dest_label,
	max_deviation_minutes, opportunities_enabled, status, last_lat, last_lon, last_location_at,
	match_count, last_notified_at, started_at, stopped_at FROM trip_sessions`

func scanSession(row rowScanner) (models.TripSession, error) {
	var s models.TripSession
	err := row.Scan(&s.ID, &s.UserID, &s.Origin.Lat, &s.Origin.Lon,
		&s.Destination.Lat, &s.Destination.Lon, &s.DestinationLabel,
		&s.MaxDeviationMinutes, &s.OpportunitiesEnabled, &s.Status,
		&s.LastLocation.Lat, &s.LastLocation.Lon, &s.LastLocationAt,
		&s.MatchCount, &s.LastNotifiedAt, &s.StartedAt, &s.StoppedAt)
	return s, err
}

func (p *PostgresStore) SaveSession(ctx context.Context, s models.TripSession) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_sessions
		(id, user_id, origin_lat, origin_lon, dest_lat, dest_lon, dest_label,
		 max_deviation_minutes, opportunities_enabled, status, last_lat, last_lon,
		 last_location_at, match_count, last_notified_at, started_at, stopped_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id) DO UPDATE SET
		 status=EXCLUDED.status, last_lat=EXCLUDED.last_lat, last_lon=EXCLUDED.last_lon,
		 last_location_at=EXCLUDED.last_location_at, match_count=EXCLUDED.match_count,
		 last_notified_at=EXCLUDED.last_notified_at, stopped_at=EXCLUDED.stopped_at`,
		s.ID, s.UserID, s.Origin.Lat, s.Origin.Lon, s.Destination.Lat, s.Destination.Lon,
		s.DestinationLabel, s.MaxDeviationMinutes, s.OpportunitiesEnabled, string(s.Status),
		s.LastLocation.Lat, s.LastLocation.Lon, s.LastLocationAt, s.MatchCount,
		s.LastNotifiedAt, s.StartedAt, s.StoppedAt)
	return err
}

func (p *PostgresStore) ActiveSessionForUser(ctx context.Context, userID string) (models.TripSession, error) {
	row := p.db.QueryRowContext(ctx, sessionSelect+` WHERE user_id=$1 AND status=$2
		ORDER BY started_at DESC LIMIT 1`, userID, string(models.SessionActive))
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TripSession{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) InsertEscalation(ctx context.Context, e models.Escalation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO escalations
		(id, parcel_id, stage, radius_km, due_at, status, sent_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.ParcelID, e.Stage, e.RadiusKm, e.DueAt, string(e.Status), e.SentCount, e.CreatedAt, e.UpdatedAt)
	return mapUnique(err)
}

func (p *PostgresStore) DuePending(ctx context.Context, now time.Time) ([]models.Escalation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, parcel_id, stage, radius_km, due_at, status,
		sent_count, created_at, updated_at FROM escalations
		WHERE status=$1 AND due_at <= $2 ORDER BY due_at`, string(models.EscalationPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ID, &e.ParcelID, &e.Stage, &e.RadiusKm, &e.DueAt, &e.Status,
			&e.SentCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimPending wins the wave atomically: only the caller whose UPDATE flips
// the row sees RowsAffected()==1.
func (p *PostgresStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE escalations SET status=$1, updated_at=$2
		WHERE id=$3 AND status=$4`,
		string(models.EscalationDone), time.Now(), id, string(models.EscalationPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (p *PostgresStore) MarkCancelled(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE escalations SET status=$1, updated_at=$2 WHERE id=$3`,
		string(models.EscalationCancelled), time.Now(), id)
	return err
}

func (p *PostgresStore) SetSentCount(ctx context.Context, id string, n int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE escalations SET sent_count=$1, updated_at=$2 WHERE id=$3`,
		n, time.Now(), id)
	return err
}

func (p *PostgresStore) CancelPendingForParcel(ctx context.Context, parcelID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE escalations SET status=$1, updated_at=$2
		WHERE parcel_id=$3 AND status=$4`,
		string(models.EscalationCancelled), time.Now(), parcelID, string(models.EscalationPending))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) ListEscalationsForParcel(ctx context.Context, parcelID string) ([]models.Escalation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, parcel_id, stage, radius_km, due_at, status,
		sent_count, created_at, updated_at FROM escalations WHERE parcel_id=$1 ORDER BY stage`, parcelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ID, &e.ParcelID, &e.Stage, &e.RadiusKm, &e.DueAt, &e.Status,
			&e.SentCount, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordNotification(ctx context.Context, l models.NotificationLog) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notification_log
		(id, parcel_id, user_id, stage, delivered, sent_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		l.ID, l.ParcelID, l.UserID, l.Stage, l.Delivered, l.SentAt)
	return mapUnique(err)
}

func (p *PostgresStore) WasNotified(ctx context.Context, parcelID, userID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM notification_log WHERE parcel_id=$1 AND user_id=$2)`,
		parcelID, userID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) CountNotifiedSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_log WHERE user_id=$1 AND sent_at >= $2`,
		userID, since).Scan(&n)
	return n, err
}

func mapUnique(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}
