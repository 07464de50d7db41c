package dispatch

import "context"

// Kind discriminates push payloads on the client side.
const (
	KindNewMatch       = "new_match"
	KindOpportunity    = "parcel_opportunity"
	KindLowInterestTip = "low_interest_tip"
	KindParcelsNearby  = "parcels_nearby"
)

type Notification struct {
	Kind  string         `json:"kind"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Notifier decides nothing: it is the wire-delivery collaborator. The
// scheduler and matcher pick who and when; a Notifier only carries the push.
type Notifier interface {
	Push(ctx context.Context, userID string, n Notification) error
}
