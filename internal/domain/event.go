package domain

import "time"

// EventKind identifies one of the engine's notification types.
type EventKind string

const (
	EventPositionOpened       EventKind = "position_opened"
	EventPeakUpdated          EventKind = "peak_updated"
	EventTriggerActivated     EventKind = "trigger_activated"
	EventPartialSellRequested EventKind = "partial_sell_requested"
	EventPositionClosed       EventKind = "position_closed"
)

// EventKinds lists every kind in a stable order.
var EventKinds = []EventKind{
	EventPositionOpened,
	EventPeakUpdated,
	EventTriggerActivated,
	EventPartialSellRequested,
	EventPositionClosed,
}

// Event is a notification emitted by the engine. Data is a free-form payload
// of display values.
type Event struct {
	Kind        EventKind      `json:"kind"`
	PositionID  string         `json:"position_id"`
	AssetID     string         `json:"asset_id"`
	TriggerType TriggerType    `json:"trigger_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
