package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/example/bus-tracking/internal/models"
)

func (p *PostgresStore) Trip(ctx context.Context, id string) (models.Trip, error) {
	t := models.Trip{ID: id}
	var tripType, status string
	err := p.db.QueryRow(ctx, `
		SELECT route_id, trip_date, trip_type, status, total_students, checked_in, checked_out,
		       scheduled_start, actual_start, actual_end
		FROM trips WHERE id=$1
	`, id).Scan(&t.RouteID, &t.Date, &tripType, &status, &t.TotalStudents, &t.CheckedIn, &t.CheckedOut,
		&t.ScheduledStart, &t.ActualStart, &t.ActualEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Trip{}, models.ErrTripNotFound
	}
	if err != nil {
		return models.Trip{}, fmt.Errorf("get trip: %w", err)
	}
	t.Date = p.calendarDay(t.Date)
	t.Type = models.TripType(tripType)
	t.Status = models.TripStatus(status)
	return t, nil
}

func (p *PostgresStore) Route(ctx context.Context, id string) (models.Route, error) {
	r := models.Route{ID: id}
	var (
		originLat, originLng      *float64
		vID, vPlate, vStatus      *string
		vCapacity                 *int
		vActive                   *bool
		vInsurance, vRegistration *time.Time
		vMaintenance              *time.Time
		dID, dName, dPhone        *string
		dRating                   *float64
	)
	err := p.db.QueryRow(ctx, `
		SELECT r.code, r.name, r.origin_lat, r.origin_lng, r.total_distance_km, r.estimated_duration_min,
		       v.id, v.plate_number, v.capacity, v.status, v.is_active,
		       v.insurance_expiry, v.registration_expiry, v.next_maintenance,
		       d.id, d.name, d.phone, d.rating
		FROM routes r
		LEFT JOIN vehicles v ON v.id = r.vehicle_id
		LEFT JOIN drivers d ON d.id = r.driver_id
		WHERE r.id=$1
	`, id).Scan(&r.Code, &r.Name, &originLat, &originLng, &r.TotalDistanceKm, &r.EstimatedDurationMin,
		&vID, &vPlate, &vCapacity, &vStatus, &vActive,
		&vInsurance, &vRegistration, &vMaintenance,
		&dID, &dName, &dPhone, &dRating)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Route{}, models.ErrRouteNotFound
	}
	if err != nil {
		return models.Route{}, fmt.Errorf("get route: %w", err)
	}
	if originLat != nil && originLng != nil {
		r.Origin = &models.Coordinate{Lat: *originLat, Lng: *originLng}
	}
	if vID != nil {
		r.Vehicle = &models.Vehicle{
			ID:              *vID,
			PlateNumber:     deref(vPlate),
			Status:          models.VehicleStatus(deref(vStatus)),
			NextMaintenance: vMaintenance,
		}
		if vCapacity != nil {
			r.Vehicle.Capacity = *vCapacity
		}
		if vActive != nil {
			r.Vehicle.Active = *vActive
		}
		if vInsurance != nil {
			r.Vehicle.InsuranceExpiry = *vInsurance
		}
		if vRegistration != nil {
			r.Vehicle.RegistrationExpiry = *vRegistration
		}
	}
	if dID != nil {
		r.Driver = &models.Driver{ID: *dID, Name: deref(dName), Phone: deref(dPhone), Rating: models.DefaultDriverRating}
		if dRating != nil {
			r.Driver.Rating = *dRating
		}
	}

	stops, err := p.routeStops(ctx, id)
	if err != nil {
		return models.Route{}, err
	}
	r.Stops = stops
	return r, nil
}

func (p *PostgresStore) routeStops(ctx context.Context, routeID string) ([]models.Stop, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, name, stop_order, lat, lng, dwell_minutes, to_char(scheduled_arrival, 'HH24:MI:SS')
		FROM stops WHERE route_id=$1
		ORDER BY stop_order
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var out []models.Stop
	for rows.Next() {
		s := models.Stop{RouteID: routeID}
		var sched *string
		if err := rows.Scan(&s.ID, &s.Name, &s.Order, &s.Location.Lat, &s.Location.Lng, &s.DwellMinutes, &sched); err != nil {
			return nil, err
		}
		if sched != nil {
			tod, err := models.ParseTimeOfDay(*sched)
			if err != nil {
				return nil, err
			}
			s.ScheduledArrival = &tod
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Routes(ctx context.Context) ([]models.Route, error) {
	rows, err := p.db.Query(ctx, `SELECT id FROM routes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Route, 0, len(ids))
	for _, id := range ids {
		r, err := p.Route(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresStore) Assignments(ctx context.Context, routeID string) ([]models.StudentAssignment, error) {
	rows, err := p.db.Query(ctx, `
		SELECT student_id, parent_id, stop_id
		FROM student_assignments WHERE route_id=$1 AND is_active
	`, routeID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var out []models.StudentAssignment
	for rows.Next() {
		a := models.StudentAssignment{RouteID: routeID}
		if err := rows.Scan(&a.StudentID, &a.ParentID, &a.StopID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountAssignments(ctx context.Context, routeID string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT COUNT(*) FROM student_assignments WHERE route_id=$1 AND is_active`, routeID).Scan(&n)
	return n, err
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, tripID string, status models.TripStatus, at time.Time) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE trips
		SET status=$2,
		    actual_start = CASE WHEN $2 = 'in_progress' THEN $3 ELSE actual_start END,
		    actual_end = CASE WHEN $2 IN ('completed','cancelled') THEN $3 ELSE actual_end END
		WHERE id=$1
	`, tripID, string(status), at)
	if err != nil {
		return fmt.Errorf("update trip status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrTripNotFound
	}
	return nil
}

// SaveStopOrder rewrites stop_order for the route in one transaction; the
// (route_id, stop_order) unique constraint is deferred to commit.
func (p *PostgresStore) SaveStopOrder(ctx context.Context, routeID string, stops []models.Stop, totalKm float64, durationMin int) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin stop order: %w", err)
	}
	for _, s := range stops {
		if _, err := tx.Exec(ctx, `UPDATE stops SET stop_order=$3 WHERE route_id=$1 AND id=$2`, routeID, s.ID, s.Order); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("update stop %s: %w", s.ID, err)
		}
	}
	tag, err := tx.Exec(ctx, `UPDATE routes SET total_distance_km=$2, estimated_duration_min=$3 WHERE id=$1`, routeID, totalKm, durationMin)
	if err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("update route totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		_ = tx.Rollback(ctx)
		return models.ErrRouteNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stop order: %w", err)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
