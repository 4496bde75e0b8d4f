package eta

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/bus-tracking/internal/models"
)

// Band applies Factor to travel times during [Start, End) local time.
type Band struct {
	Start  models.TimeOfDay
	End    models.TimeOfDay
	Factor float64
}

// TrafficTable maps time of day to a travel-time multiplier. Effective speed
// is divided by the factor, so 1.5 means trips take 50% longer.
type TrafficTable struct {
	Bands   []Band
	Default float64
}

func DefaultTrafficTable() *TrafficTable {
	return &TrafficTable{
		Default: 1.0,
		Bands: []Band{
			{Start: models.TimeOfDay{Hour: 7}, End: models.TimeOfDay{Hour: 9}, Factor: 1.5},
			{Start: models.TimeOfDay{Hour: 16}, End: models.TimeOfDay{Hour: 18}, Factor: 1.7},
			{Start: models.TimeOfDay{Hour: 10}, End: models.TimeOfDay{Hour: 15}, Factor: 0.9},
		},
	}
}

// Factor returns the multiplier of the first band containing t's wall clock.
func (tt *TrafficTable) Factor(t time.Time) float64 {
	sec := t.Hour()*3600 + t.Minute()*60 + t.Second()
	for _, b := range tt.Bands {
		if sec >= secondsOf(b.Start) && sec < secondsOf(b.End) {
			return b.Factor
		}
	}
	if tt.Default > 0 {
		return tt.Default
	}
	return 1.0
}

func secondsOf(t models.TimeOfDay) int { return t.Hour*3600 + t.Minute*60 + t.Second }

type trafficFile struct {
	Default float64 `yaml:"default"`
	Bands   []struct {
		Start  string  `yaml:"start"`
		End    string  `yaml:"end"`
		Factor float64 `yaml:"factor"`
	} `yaml:"bands"`
}

// LoadTrafficTable reads a YAML band table:
//
//	default: 1.0
//	bands:
//	  - {start: "07:00", end: "09:00", factor: 1.5}
func LoadTrafficTable(path string) (*TrafficTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseTrafficTable(b)
}

func ParseTrafficTable(b []byte) (*TrafficTable, error) {
	var f trafficFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse traffic table: %w", err)
	}
	tt := &TrafficTable{Default: f.Default}
	if tt.Default == 0 {
		tt.Default = 1.0
	}
	if tt.Default < 0 {
		return nil, fmt.Errorf("%w: default factor must be positive", models.ErrInvalidArgument)
	}
	for i, fb := range f.Bands {
		start, err := models.ParseTimeOfDay(fb.Start)
		if err != nil {
			return nil, fmt.Errorf("band %d start: %w", i, err)
		}
		end, err := models.ParseTimeOfDay(fb.End)
		if err != nil {
			return nil, fmt.Errorf("band %d end: %w", i, err)
		}
		if secondsOf(start) >= secondsOf(end) {
			return nil, fmt.Errorf("%w: band %d ends before it starts", models.ErrInvalidArgument, i)
		}
		if fb.Factor <= 0 {
			return nil, fmt.Errorf("%w: band %d factor must be positive", models.ErrInvalidArgument, i)
		}
		tt.Bands = append(tt.Bands, Band{Start: start, End: end, Factor: fb.Factor})
	}
	return tt, nil
}
