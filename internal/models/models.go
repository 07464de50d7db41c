package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TimeWindow is an inclusive [Start, End] interval in epoch milliseconds.
type TimeWindow struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (w TimeWindow) Valid() bool { return w.Start > 0 && w.End >= w.Start }

// SizeClass is the 3-level ordinal used for both trip capacity and parcel size.
type SizeClass int

const (
	SizeSmall SizeClass = iota
	SizeMedium
	SizeLarge
)

func (s SizeClass) String() string {
	switch s {
	case SizeSmall:
		return "small"
	case SizeMedium:
		return "medium"
	case SizeLarge:
		return "large"
	}
	return "unknown"
}

func ParseSizeClass(v string) (SizeClass, bool) {
	switch v {
	case "small":
		return SizeSmall, true
	case "medium":
		return SizeMedium, true
	case "large":
		return SizeLarge, true
	}
	return 0, false
}

type Urgency string

const (
	UrgencyNormal  Urgency = "normal"
	UrgencyUrgent  Urgency = "urgent"
	UrgencyExpress Urgency = "express"
)

type TripStatus string

const (
	TripDraft     TripStatus = "draft"
	TripPublished TripStatus = "published"
	TripStarted   TripStatus = "started"
	TripCompleted TripStatus = "completed"
	TripCancelled TripStatus = "cancelled"
)

type ParcelStatus string

const (
	ParcelPublished ParcelStatus = "published"
	ParcelMatched   ParcelStatus = "matched"
	ParcelBooked    ParcelStatus = "booked"
	ParcelDelivered ParcelStatus = "delivered"
	ParcelWithdrawn ParcelStatus = "withdrawn"
)

// Open reports whether the parcel is still looking for a carrier.
func (s ParcelStatus) Open() bool { return s == ParcelPublished }

type Trip struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id"`
	Origin           Coord      `json:"origin"`
	OriginLabel      string     `json:"origin_label"`
	Destination      Coord      `json:"destination"`
	DestinationLabel string     `json:"destination_label"`
	Window           TimeWindow `json:"window"`
	CapacityClass    SizeClass  `json:"capacity_class"`
	MaxWeightKg      float64    `json:"max_weight_kg"`
	MaxVolumeDm3     float64    `json:"max_volume_dm3"`
	MaxDetourMinutes int        `json:"max_detour_minutes"`
	Status           TripStatus `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type Parcel struct {
	ID               string       `json:"id"`
	OwnerID          string       `json:"owner_id"`
	Origin           Coord        `json:"origin"`
	OriginLabel      string       `json:"origin_label"`
	Destination      Coord        `json:"destination"`
	DestinationLabel string       `json:"destination_label"`
	Size             SizeClass    `json:"size"`
	WeightKg         float64      `json:"weight_kg"`
	VolumeDm3        float64      `json:"volume_dm3"`
	Urgency          Urgency      `json:"urgency"`
	Fragile          bool         `json:"fragile"`
	InsuranceValue   float64      `json:"insurance_value"` // declared value, 0 = none
	Window           TimeWindow   `json:"window"`
	Status           ParcelStatus `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

type MatchStatus string

const (
	MatchCandidate MatchStatus = "candidate"
	MatchRequested MatchStatus = "requested"
	MatchAccepted  MatchStatus = "accepted"
	MatchRejected  MatchStatus = "rejected"
	MatchCompleted MatchStatus = "completed"
)

// Match is one scored (trip, parcel) pairing. The whole candidate set for an
// entity is deleted and regenerated on every recomputation pass, so a Match
// has no identity that survives a recompute.
type Match struct {
	ID               string         `json:"id"`
	TripID           string         `json:"trip_id"`
	ParcelID         string         `json:"parcel_id"`
	Status           MatchStatus    `json:"status"`
	Score            int            `json:"score"` // 0..100
	DetourKm         float64        `json:"detour_km"`
	DetourMinutes    int            `json:"detour_minutes"`
	BaseRouteKm      float64        `json:"base_route_km"`
	BaseRouteMinutes int            `json:"base_route_minutes"` // 0 = unknown
	Price            PriceBreakdown `json:"price"`
	PaymentIntentID  string         `json:"payment_intent_id,omitempty"` // set once a hold is placed
	Explanation      string         `json:"explanation"`
	CreatedAt        time.Time      `json:"created_at"`
	ExpiresAt        time.Time      `json:"expires_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// PriceBreakdown is the full deterministic fee decomposition. All amounts are
// rounded to 2 decimals; Total is clamped to the configured floor/ceiling.
type PriceBreakdown struct {
	Currency     string  `json:"currency"`
	BaseFee      float64 `json:"base_fee"`
	DistanceFee  float64 `json:"distance_fee"`
	WeightFee    float64 `json:"weight_fee"`
	VolumeFee    float64 `json:"volume_fee"`
	DetourFee    float64 `json:"detour_fee"`
	UrgencyFee   float64 `json:"urgency_fee"`
	FragileFee   float64 `json:"fragile_fee"`
	InsuranceFee float64 `json:"insurance_fee"`
	Subtotal     float64 `json:"subtotal"`
	Total        float64 `json:"total"`
	FloorApplied bool    `json:"floor_applied"`
	CeilApplied  bool    `json:"ceil_applied"`
}

type SessionStatus string

const (
	SessionActive  SessionStatus = "ACTIVE"
	SessionStopped SessionStatus = "STOPPED"
)

// TripSession is an ephemeral "drive now" corridor. At most one ACTIVE session
// per user; starting a new one force-stops the previous.
type TripSession struct {
	ID                   string        `json:"id"`
	UserID               string        `json:"user_id"`
	Origin               Coord         `json:"origin"`
	Destination          Coord         `json:"destination"`
	DestinationLabel     string        `json:"destination_label"`
	MaxDeviationMinutes  int           `json:"max_deviation_minutes"` // 5, 10, 20 or 30
	OpportunitiesEnabled bool          `json:"opportunities_enabled"`
	Status               SessionStatus `json:"status"`
	LastLocation         Coord         `json:"last_location"`
	LastLocationAt       int64         `json:"last_location_at"` // epoch millis, 0 = never
	MatchCount           int           `json:"match_count"`
	LastNotifiedAt       int64         `json:"last_notified_at"` // epoch millis, 0 = never
	StartedAt            time.Time     `json:"started_at"`
	StoppedAt            time.Time     `json:"stopped_at"`
}

type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationDone      EscalationStatus = "done"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Escalation is one scheduled notification wave for a parcel. Stage 1 runs
// synchronously on parcel creation and is recorded already executed; stages
// 2-4 are durable rows claimed pending->done by the worker before execution.
type Escalation struct {
	ID        string           `json:"id"`
	ParcelID  string           `json:"parcel_id"`
	Stage     int              `json:"stage"` // 1 immediate, 2-3 radius waves, 4 owner tip
	RadiusKm  float64          `json:"radius_km"`
	DueAt     time.Time        `json:"due_at"`
	Status    EscalationStatus `json:"status"`
	SentCount int              `json:"sent_count"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NotificationLog is the de-duplication ledger: one row per parcel x recipient,
// unique on that pair regardless of stage or outcome.
type NotificationLog struct {
	ID        string    `json:"id"`
	ParcelID  string    `json:"parcel_id"`
	UserID    string    `json:"user_id"`
	Stage     int       `json:"stage"`
	Delivered bool      `json:"delivered"`
	SentAt    time.Time `json:"sent_at"`
}

// NotifyPrefs are per-carrier targeting preferences, read-only for this core.
type NotifyPrefs struct {
	RadiusCapKm      float64 `json:"radius_cap_km"` // 0 = no cap
	MinPrice         float64 `json:"min_price"`     // 0 = no minimum
	UrgentOnly       bool    `json:"urgent_only"`
	MaxPushesPerHour int     `json:"max_pushes_per_hour"` // 0 = unlimited
}

// CarrierPresence is the authoritative last-writer-wins presence record per
// user, fed by the location ingest pipeline.
type CarrierPresence struct {
	UserID     string      `json:"user_id"`
	Online     bool        `json:"online"`
	Loc        Coord       `json:"loc"`
	LastActive time.Time   `json:"last_active"`
	Prefs      NotifyPrefs `json:"prefs"`
}

// RankedParcel is a live-session ranking entry (not a persisted Match).
type RankedParcel struct {
	Parcel           Parcel  `json:"parcel"`
	Score            int     `json:"score"`
	PickupDistKm     float64 `json:"pickup_dist_km"`
	DropDistKm       float64 `json:"drop_dist_km"`
	EstDetourMinutes int     `json:"est_detour_minutes"`
}
