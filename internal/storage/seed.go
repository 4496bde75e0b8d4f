package storage

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/bus-tracking/internal/models"
)

// Seed is the YAML fixture format used to populate a MemoryCatalog when no
// database is configured.
type Seed struct {
	Routes      []seedRoute      `yaml:"routes"`
	Trips       []seedTrip       `yaml:"trips"`
	Assignments []seedAssignment `yaml:"assignments"`
}

type seedCoord struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

type seedVehicle struct {
	ID                 string `yaml:"id"`
	PlateNumber        string `yaml:"plate_number"`
	Capacity           int    `yaml:"capacity"`
	Status             string `yaml:"status"`
	InsuranceExpiry    string `yaml:"insurance_expiry"`
	RegistrationExpiry string `yaml:"registration_expiry"`
	NextMaintenance    string `yaml:"next_maintenance"`
}

type seedStop struct {
	ID               string  `yaml:"id"`
	Name             string  `yaml:"name"`
	Order            int     `yaml:"order"`
	Lat              float64 `yaml:"lat"`
	Lng              float64 `yaml:"lng"`
	DwellMinutes     float64 `yaml:"dwell_minutes"`
	ScheduledArrival string  `yaml:"scheduled_arrival"`
}

type seedRoute struct {
	ID      string         `yaml:"id"`
	Code    string         `yaml:"code"`
	Name    string         `yaml:"name"`
	Origin  *seedCoord     `yaml:"origin"`
	Vehicle *seedVehicle   `yaml:"vehicle"`
	Driver  *models.Driver `yaml:"driver"`
	Stops   []seedStop     `yaml:"stops"`
}

type seedTrip struct {
	ID             string `yaml:"id"`
	RouteID        string `yaml:"route_id"`
	Date           string `yaml:"date"`
	Type           string `yaml:"type"`
	Status         string `yaml:"status"`
	TotalStudents  int    `yaml:"total_students"`
	ScheduledStart string `yaml:"scheduled_start"`
}

type seedAssignment struct {
	StudentID string `yaml:"student_id"`
	ParentID  string `yaml:"parent_id"`
	RouteID   string `yaml:"route_id"`
	StopID    string `yaml:"stop_id"`
}

// LoadSeedFile reads a YAML fixture into a new MemoryCatalog. Dates are
// interpreted in loc.
func LoadSeedFile(path string, loc *time.Location) (*MemoryCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Seed
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return s.Catalog(loc)
}

func (s Seed) Catalog(loc *time.Location) (*MemoryCatalog, error) {
	if loc == nil {
		loc = time.UTC
	}
	cat := NewMemoryCatalog()
	for _, sr := range s.Routes {
		r := models.Route{ID: sr.ID, Code: sr.Code, Name: sr.Name, Driver: sr.Driver}
		if r.Driver != nil && r.Driver.Rating == 0 {
			r.Driver.Rating = models.DefaultDriverRating
		}
		if sr.Origin != nil {
			r.Origin = &models.Coordinate{Lat: sr.Origin.Lat, Lng: sr.Origin.Lng}
		}
		if sr.Vehicle != nil {
			v, err := sr.Vehicle.vehicle(loc)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", sr.ID, err)
			}
			r.Vehicle = &v
		}
		for _, st := range sr.Stops {
			stop := models.Stop{
				ID: st.ID, RouteID: sr.ID, Name: st.Name, Order: st.Order,
				Location:     models.Coordinate{Lat: st.Lat, Lng: st.Lng},
				DwellMinutes: st.DwellMinutes,
			}
			if st.ScheduledArrival != "" {
				tod, err := models.ParseTimeOfDay(st.ScheduledArrival)
				if err != nil {
					return nil, fmt.Errorf("stop %s: %w", st.ID, err)
				}
				stop.ScheduledArrival = &tod
			}
			r.Stops = append(r.Stops, stop)
		}
		if err := r.ValidateOrder(); err != nil {
			return nil, fmt.Errorf("route %s: %w", sr.ID, err)
		}
		cat.PutRoute(r)
	}
	for _, st := range s.Trips {
		date, err := time.ParseInLocation("2006-01-02", st.Date, loc)
		if err != nil {
			return nil, fmt.Errorf("trip %s: %w", st.ID, err)
		}
		t := models.Trip{
			ID: st.ID, RouteID: st.RouteID, Date: date,
			Type:          models.TripType(st.Type),
			Status:        models.TripStatus(st.Status),
			TotalStudents: st.TotalStudents,
		}
		if t.Status == "" {
			t.Status = models.TripScheduled
		}
		if st.ScheduledStart != "" {
			tod, err := models.ParseTimeOfDay(st.ScheduledStart)
			if err != nil {
				return nil, fmt.Errorf("trip %s: %w", st.ID, err)
			}
			t.ScheduledStart = tod.On(date)
		}
		cat.PutTrip(t)
	}
	for _, a := range s.Assignments {
		cat.PutAssignment(models.StudentAssignment(a))
	}
	return cat, nil
}

func (v seedVehicle) vehicle(loc *time.Location) (models.Vehicle, error) {
	out := models.Vehicle{
		ID: v.ID, PlateNumber: v.PlateNumber, Capacity: v.Capacity,
		Status: models.VehicleStatus(v.Status), Active: true,
	}
	if out.Status == "" {
		out.Status = models.VehicleActive
	}
	var err error
	if out.InsuranceExpiry, err = parseDate(v.InsuranceExpiry, loc); err != nil {
		return out, err
	}
	if out.RegistrationExpiry, err = parseDate(v.RegistrationExpiry, loc); err != nil {
		return out, err
	}
	if v.NextMaintenance != "" {
		d, err := parseDate(v.NextMaintenance, loc)
		if err != nil {
			return out, err
		}
		out.NextMaintenance = &d
	}
	return out, nil
}

func parseDate(s string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", models.ErrInvalidArgument, s)
	}
	return t, nil
}
