package httpapi

import (
	"time"

	"github.com/example/bus-tracking/internal/ingest"
	"github.com/example/bus-tracking/internal/models"
	"github.com/example/bus-tracking/internal/tracking"
)

type positionRequest struct {
	Lat       *float64   `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng       *float64   `json:"lng" validate:"required,gte=-180,lte=180"`
	Speed     *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading   *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	Accuracy  *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p positionRequest) raw(tripID string) tracking.RawPosition {
	return tracking.RawPosition{
		TripID:    tripID,
		Lat:       *p.Lat,
		Lng:       *p.Lng,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
	}
}

func (p positionRequest) message(tripID string) ingest.PositionMessage {
	return ingest.PositionMessage{
		TripID:    tripID,
		Lat:       *p.Lat,
		Lng:       *p.Lng,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Accuracy:  p.Accuracy,
		Timestamp: p.Timestamp,
	}
}

type bulkPositionRequest struct {
	Positions []positionRequest `json:"positions" validate:"required,min=1,max=1000"`
}

type bulkItemResult struct {
	Index  int    `json:"index"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Sample any    `json:"sample,omitempty"`
}

type bulkResponse struct {
	TripID  string           `json:"trip_id"`
	Created int              `json:"created"`
	Failed  int              `json:"failed"`
	Results []bulkItemResult `json:"results"`
}

type closeRequest struct {
	Reason string `json:"reason" validate:"required,oneof=completed cancelled"`
}

type arrivalRequest struct {
	At *time.Time `json:"at,omitempty"`
}

type departureRequest struct {
	At       *time.Time `json:"at,omitempty"`
	Boarded  int        `json:"students_boarded" validate:"gte=0"`
	Alighted int        `json:"students_alighted" validate:"gte=0"`
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type childStop struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type childETAResponse struct {
	StudentID string             `json:"student_id"`
	TripID    string             `json:"trip_id"`
	RouteID   string             `json:"route_id"`
	Stop      childStop          `json:"stop"`
	ETA       models.ETAEstimate `json:"eta"`
}
