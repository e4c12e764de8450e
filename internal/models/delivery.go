package models

// WorkPayload is the only data a deferred work unit carries.
type WorkPayload struct {
	ContentItemID string `json:"content_item_id"`
}

// Delivery is one attempt at executing a deferred work unit.
type Delivery struct {
	UnitID        string
	ContentItemID string
	Generation    string
	Attempt       int
	MaxAttempts   int
}

// Final reports whether no retry will follow this attempt.
func (d Delivery) Final() bool {
	return d.MaxAttempts > 0 && d.Attempt >= d.MaxAttempts
}
