package tracking

import (
	"encoding/json"
	"fmt"
	"time"
)

type EventType string

const (
	TypePositionUpdate  EventType = "position_update"
	TypeStopApproaching EventType = "stop_approaching"
	TypeEtaUpdate       EventType = "eta_update"
	TypeTripClosed      EventType = "trip_closed"
	TypeStopArrived     EventType = "stop_arrived"
)

// Event is the closed set of messages the hub publishes. Only types in this
// package implement it.
type Event interface {
	Trip() string
	sealed()
}

type PositionUpdate struct {
	TripID    string    `json:"trip_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Speed     *float64  `json:"speed"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StopApproaching struct {
	TripID     string  `json:"trip_id"`
	StopID     string  `json:"stop_id"`
	StopName   string  `json:"stop_name"`
	DistanceKm float64 `json:"distance_km"`
}

type EtaUpdate struct {
	TripID           string    `json:"trip_id"`
	StopID           string    `json:"stop_id"`
	EstimatedArrival time.Time `json:"estimated_arrival"`
	MinutesRemaining float64   `json:"minutes_remaining"`
}

type TripClosed struct {
	TripID string      `json:"trip_id"`
	Reason CloseReason `json:"reason"`
}

type StopArrived struct {
	TripID       string    `json:"trip_id"`
	StopID       string    `json:"stop_id"`
	StopName     string    `json:"stop_name"`
	ArrivedAt    time.Time `json:"arrived_at"`
	DelayMinutes *float64  `json:"delay_minutes,omitempty"`
	OnTime       bool      `json:"on_time"`
}

func (e PositionUpdate) Trip() string  { return e.TripID }
func (e StopApproaching) Trip() string { return e.TripID }
func (e EtaUpdate) Trip() string       { return e.TripID }
func (e TripClosed) Trip() string      { return e.TripID }
func (e StopArrived) Trip() string     { return e.TripID }

func (PositionUpdate) sealed()  {}
func (StopApproaching) sealed() {}
func (EtaUpdate) sealed()       {}
func (TripClosed) sealed()      {}
func (StopArrived) sealed()     {}

// TypeOf names the wire type of e.
func TypeOf(e Event) EventType {
	switch e.(type) {
	case PositionUpdate:
		return TypePositionUpdate
	case StopApproaching:
		return TypeStopApproaching
	case EtaUpdate:
		return TypeEtaUpdate
	case TripClosed:
		return TypeTripClosed
	case StopArrived:
		return TypeStopArrived
	default:
		panic(fmt.Sprintf("tracking: unknown event %T", e))
	}
}

// Envelope is the JSON frame sent to subscribers: {"type": ..., "data": ...}.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeOf(e), Data: data})
}

func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return decodeData(env.Type, env.Data)
}

func decodeData(t EventType, data []byte) (Event, error) {
	switch t {
	case TypePositionUpdate:
		var e PositionUpdate
		return e, json.Unmarshal(data, &e)
	case TypeStopApproaching:
		var e StopApproaching
		return e, json.Unmarshal(data, &e)
	case TypeEtaUpdate:
		var e EtaUpdate
		return e, json.Unmarshal(data, &e)
	case TypeTripClosed:
		var e TripClosed
		return e, json.Unmarshal(data, &e)
	case TypeStopArrived:
		var e StopArrived
		return e, json.Unmarshal(data, &e)
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}
