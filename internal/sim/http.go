package sim

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/bus-tracking/internal/ingest"
)

// HTTPPublisher posts reports to the tracking API when no broker is available.
type HTTPPublisher struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPPublisher(baseURL string) *HTTPPublisher {
	return &HTTPPublisher{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{Timeout: 5 * time.Second}}
}

type positionBody struct {
	Lat       float64    `json:"lat"`
	Lng       float64    `json:"lng"`
	Speed     *float64   `json:"speed,omitempty"`
	Heading   *float64   `json:"heading,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

func (p *HTTPPublisher) Publish(ctx context.Context, msgs ...ingest.PositionMessage) error {
	for _, m := range msgs {
		b, err := json.Marshal(positionBody{Lat: m.Lat, Lng: m.Lng, Speed: m.Speed, Heading: m.Heading, Accuracy: m.Accuracy, Timestamp: m.Timestamp})
		if err != nil {
			return err
		}
		endpoint := fmt.Sprintf("%s/api/v1/trips/%s/positions", p.BaseURL, url.PathEscape(m.TripID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.Client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("post position for trip %s: status %d", m.TripID, resp.StatusCode)
		}
	}
	return nil
}
