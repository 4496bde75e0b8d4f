package models

import (
	"math"
	"sort"
	"time"
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether c is a usable WGS84 position.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

type Stop struct {
	ID               string     `json:"id"`
	RouteID          string     `json:"route_id"`
	Name             string     `json:"name"`
	Order            int        `json:"stop_order"`
	Location         Coordinate `json:"location"`
	DwellMinutes     float64    `json:"dwell_minutes"`
	ScheduledArrival *TimeOfDay `json:"scheduled_arrival,omitempty"`
}

// DefaultDwellMinutes applies to stops without an explicit dwell time.
const DefaultDwellMinutes = 2.0

// Dwell is the expected boarding time at the stop in minutes.
func (s Stop) Dwell() float64 {
	if s.DwellMinutes > 0 {
		return s.DwellMinutes
	}
	return DefaultDwellMinutes
}

type VehicleStatus string

const (
	VehicleActive      VehicleStatus = "active"
	VehicleMaintenance VehicleStatus = "maintenance"
	VehicleInactive    VehicleStatus = "inactive"
)

type Vehicle struct {
	ID                 string        `json:"id"`
	PlateNumber        string        `json:"plate_number"`
	Capacity           int           `json:"capacity"`
	Status             VehicleStatus `json:"status"`
	Active             bool          `json:"is_active"`
	InsuranceExpiry    time.Time     `json:"insurance_expiry"`
	RegistrationExpiry time.Time     `json:"registration_expiry"`
	NextMaintenance    *time.Time    `json:"next_maintenance,omitempty"`
}

// OperatingProblems lists every reason the vehicle may not run on the given day.
func (v Vehicle) OperatingProblems(now time.Time) []string {
	var out []string
	if !v.Active {
		out = append(out, "vehicle is inactive")
	}
	if v.Status != VehicleActive {
		out = append(out, "vehicle status is "+string(v.Status))
	}
	if !v.InsuranceExpiry.After(now) {
		out = append(out, "insurance expired")
	}
	if !v.RegistrationExpiry.After(now) {
		out = append(out, "registration expired")
	}
	if v.NextMaintenance != nil && !v.NextMaintenance.After(now) {
		out = append(out, "maintenance due")
	}
	return out
}

func (v Vehicle) CanOperate(now time.Time) bool { return len(v.OperatingProblems(now)) == 0 }

// DefaultDriverRating is the rating of a driver nobody has rated yet.
const DefaultDriverRating = 5.0

type Driver struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Phone  string  `json:"phone,omitempty"`
	Rating float64 `json:"rating"` // 0..5
}

type Route struct {
	ID                   string      `json:"id"`
	Code                 string      `json:"code"`
	Name                 string      `json:"name"`
	Origin               *Coordinate `json:"origin,omitempty"`
	Vehicle              *Vehicle    `json:"vehicle,omitempty"`
	Driver               *Driver     `json:"driver,omitempty"`
	Stops                []Stop      `json:"stops"`
	TotalDistanceKm      float64     `json:"total_distance_km"`
	EstimatedDurationMin int         `json:"estimated_duration_min"`
}

// OrderedStops returns a copy of the stops sorted by order index.
func (r Route) OrderedStops() []Stop {
	out := make([]Stop, len(r.Stops))
	copy(out, r.Stops)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

func (r Route) Stop(id string) (Stop, bool) {
	for _, s := range r.Stops {
		if s.ID == id {
			return s, true
		}
	}
	return Stop{}, false
}

// ValidateOrder checks that order indices are 1..N with no duplicates.
func (r Route) ValidateOrder() error {
	seen := make(map[int]bool, len(r.Stops))
	for _, s := range r.Stops {
		if s.Order < 1 || s.Order > len(r.Stops) || seen[s.Order] {
			return ErrStopOrder
		}
		seen[s.Order] = true
	}
	return nil
}

type TripType string

const (
	MorningPickup    TripType = "morning_pickup"
	AfternoonDropoff TripType = "afternoon_dropoff"
)

type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

type Trip struct {
	ID             string     `json:"id"`
	RouteID        string     `json:"route_id"`
	Date           time.Time  `json:"trip_date"`
	Type           TripType   `json:"trip_type"`
	Status         TripStatus `json:"status"`
	TotalStudents  int        `json:"total_students"`
	CheckedIn      int        `json:"checked_in_students"`
	CheckedOut     int        `json:"checked_out_students"`
	ScheduledStart time.Time  `json:"scheduled_start_time"`
	ActualStart    *time.Time `json:"actual_start_time,omitempty"`
	ActualEnd      *time.Time `json:"actual_end_time,omitempty"`
}

// CanTransition reports whether the lifecycle allows moving to next.
func (t Trip) CanTransition(next TripStatus) bool {
	switch t.Status {
	case TripScheduled:
		return next == TripInProgress || next == TripCancelled
	case TripInProgress:
		return next == TripCompleted || next == TripCancelled
	default:
		return false
	}
}

func (t Trip) Finished() bool { return t.Status == TripCompleted || t.Status == TripCancelled }

type PositionSample struct {
	TripID    string     `json:"trip_id"`
	Timestamp time.Time  `json:"timestamp"`
	Location  Coordinate `json:"location"`
	Speed     *float64   `json:"speed,omitempty"` // km/h
	Heading   *float64   `json:"heading,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
}

type ArrivalRecord struct {
	TripID           string     `json:"trip_id"`
	StopID           string     `json:"stop_id"`
	ScheduledArrival *time.Time `json:"scheduled_arrival,omitempty"`
	ActualArrival    *time.Time `json:"actual_arrival,omitempty"`
	ActualDeparture  *time.Time `json:"actual_departure,omitempty"`
	Boarded          int        `json:"students_boarded"`
	Alighted         int        `json:"students_alighted"`
}

func (a ArrivalRecord) Arrived() bool { return a.ActualArrival != nil }

// DelayMinutes is actual minus scheduled arrival. ok is false until both are known.
func (a ArrivalRecord) DelayMinutes() (float64, bool) {
	if a.ActualArrival == nil || a.ScheduledArrival == nil {
		return 0, false
	}
	return a.ActualArrival.Sub(*a.ScheduledArrival).Minutes(), true
}

// OnTime is true when the absolute delay is at most five minutes, or when
// there is no schedule to compare against.
func (a ArrivalRecord) OnTime() bool {
	d, ok := a.DelayMinutes()
	if !ok {
		return true
	}
	return math.Abs(d) <= 5
}

func (a ArrivalRecord) DwellTime() (time.Duration, bool) {
	if a.ActualArrival == nil || a.ActualDeparture == nil {
		return 0, false
	}
	return a.ActualDeparture.Sub(*a.ActualArrival), true
}

type ETASource string

const (
	ETAFromSchedule ETASource = "schedule"
	ETAFromGPS      ETASource = "gps"
)

type ETAEstimate struct {
	ID                  string    `json:"id"`
	TripID              string    `json:"trip_id"`
	StopID              string    `json:"stop_id"`
	CalculatedAt        time.Time `json:"calculated_at"`
	EstimatedArrival    time.Time `json:"estimated_arrival"`
	DistanceRemainingKm float64   `json:"distance_remaining_km"`
	MinutesRemaining    float64   `json:"minutes_remaining"`
	Source              ETASource `json:"source"`
}

type StudentAssignment struct {
	StudentID string `json:"student_id"`
	ParentID  string `json:"parent_id"`
	RouteID   string `json:"route_id"`
	StopID    string `json:"stop_id"`
}
