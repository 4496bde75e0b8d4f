package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/bus-tracking/internal/models"
)

// Querier is the subset of pgx the stores use.
// Both *pgxpool.Pool and pgxmock pools satisfy it.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore persists samples, arrivals, estimates and the route catalog.
type PostgresStore struct {
	db  Querier
	loc *time.Location
}

// NewPostgresStore reads DATE columns as calendar days in loc (UTC when nil).
func NewPostgresStore(db Querier, loc *time.Location) *PostgresStore {
	if loc == nil {
		loc = time.UTC
	}
	return &PostgresStore{db: db, loc: loc}
}

// calendarDay moves a DATE value, which pgx decodes as UTC midnight, to
// midnight of the same day in the store's zone.
func (p *PostgresStore) calendarDay(d time.Time) time.Time {
	if d.IsZero() {
		return d
	}
	y, m, day := d.Date()
	return time.Date(y, m, day, 0, 0, 0, 0, p.loc)
}

func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Append stores one position sample.
func (p *PostgresStore) Append(ctx context.Context, s models.PositionSample) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO position_samples (trip_id, recorded_at, lat, lng, speed_kmh, heading, accuracy)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, s.TripID, s.Timestamp, s.Location.Lat, s.Location.Lng, s.Speed, s.Heading, s.Accuracy)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

func (p *PostgresStore) Latest(ctx context.Context, tripID string) (models.PositionSample, bool, error) {
	arr, err := p.Recent(ctx, tripID, 1)
	if err != nil || len(arr) == 0 {
		return models.PositionSample{}, false, err
	}
	return arr[0], true, nil
}

func (p *PostgresStore) Recent(ctx context.Context, tripID string, n int) ([]models.PositionSample, error) {
	var limit any
	if n > 0 {
		limit = n
	}
	rows, err := p.db.Query(ctx, `
		SELECT recorded_at, lat, lng, speed_kmh, heading, accuracy
		FROM position_samples
		WHERE trip_id=$1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, tripID, limit)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var out []models.PositionSample
	for rows.Next() {
		s := models.PositionSample{TripID: tripID}
		if err := rows.Scan(&s.Timestamp, &s.Location.Lat, &s.Location.Lng, &s.Speed, &s.Heading, &s.Accuracy); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertArrival creates the (trip, stop) record. An arrival already on file
// is kept; created reports whether this call set it.
func (p *PostgresStore) InsertArrival(ctx context.Context, rec models.ArrivalRecord) (models.ArrivalRecord, bool, error) {
	var inserted bool
	out := models.ArrivalRecord{TripID: rec.TripID, StopID: rec.StopID}
	err := p.db.QueryRow(ctx, `
		INSERT INTO arrival_records (trip_id, stop_id, scheduled_arrival, actual_arrival)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (trip_id, stop_id) DO UPDATE
		SET actual_arrival = COALESCE(arrival_records.actual_arrival, EXCLUDED.actual_arrival)
		RETURNING scheduled_arrival, actual_arrival, actual_departure, boarded, alighted, (xmax = 0)
	`, rec.TripID, rec.StopID, rec.ScheduledArrival, rec.ActualArrival).
		Scan(&out.ScheduledArrival, &out.ActualArrival, &out.ActualDeparture, &out.Boarded, &out.Alighted, &inserted)
	if err != nil {
		return models.ArrivalRecord{}, false, fmt.Errorf("upsert arrival: %w", err)
	}
	return out, inserted, nil
}

func (p *PostgresStore) SetDeparture(ctx context.Context, tripID, stopID string, at time.Time, boarded, alighted int) (models.ArrivalRecord, error) {
	out := models.ArrivalRecord{TripID: tripID, StopID: stopID}
	err := p.db.QueryRow(ctx, `
		UPDATE arrival_records
		SET actual_departure=$3, boarded=$4, alighted=$5
		WHERE trip_id=$1 AND stop_id=$2 AND actual_arrival IS NOT NULL
		RETURNING scheduled_arrival, actual_arrival, actual_departure, boarded, alighted
	`, tripID, stopID, at, boarded, alighted).
		Scan(&out.ScheduledArrival, &out.ActualArrival, &out.ActualDeparture, &out.Boarded, &out.Alighted)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ArrivalRecord{}, models.ErrArrivalNotRecorded
	}
	if err != nil {
		return models.ArrivalRecord{}, fmt.Errorf("update departure: %w", err)
	}
	return out, nil
}

func (p *PostgresStore) GetArrival(ctx context.Context, tripID, stopID string) (models.ArrivalRecord, bool, error) {
	out := models.ArrivalRecord{TripID: tripID, StopID: stopID}
	err := p.db.QueryRow(ctx, `
		SELECT scheduled_arrival, actual_arrival, actual_departure, boarded, alighted
		FROM arrival_records WHERE trip_id=$1 AND stop_id=$2
	`, tripID, stopID).
		Scan(&out.ScheduledArrival, &out.ActualArrival, &out.ActualDeparture, &out.Boarded, &out.Alighted)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ArrivalRecord{}, false, nil
	}
	if err != nil {
		return models.ArrivalRecord{}, false, fmt.Errorf("get arrival: %w", err)
	}
	return out, true, nil
}

func (p *PostgresStore) ListArrivals(ctx context.Context, tripID string) ([]models.ArrivalRecord, error) {
	rows, err := p.db.Query(ctx, `
		SELECT stop_id, scheduled_arrival, actual_arrival, actual_departure, boarded, alighted
		FROM arrival_records WHERE trip_id=$1
		ORDER BY stop_id
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list arrivals: %w", err)
	}
	defer rows.Close()

	var out []models.ArrivalRecord
	for rows.Next() {
		r := models.ArrivalRecord{TripID: tripID}
		if err := rows.Scan(&r.StopID, &r.ScheduledArrival, &r.ActualArrival, &r.ActualDeparture, &r.Boarded, &r.Alighted); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEstimate writes one row of the ETA log; rows are never updated.
func (p *PostgresStore) AppendEstimate(ctx context.Context, e models.ETAEstimate) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO eta_estimates (id, trip_id, stop_id, calculated_at, estimated_arrival, distance_remaining_km, minutes_remaining, source)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.ID, e.TripID, e.StopID, e.CalculatedAt, e.EstimatedArrival, e.DistanceRemainingKm, e.MinutesRemaining, string(e.Source))
	if err != nil {
		return fmt.Errorf("insert estimate: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListEstimates(ctx context.Context, tripID string) ([]models.ETAEstimate, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, stop_id, calculated_at, estimated_arrival, distance_remaining_km, minutes_remaining, source
		FROM eta_estimates WHERE trip_id=$1
		ORDER BY calculated_at
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list estimates: %w", err)
	}
	defer rows.Close()

	var out []models.ETAEstimate
	for rows.Next() {
		e := models.ETAEstimate{TripID: tripID}
		var source string
		if err := rows.Scan(&e.ID, &e.StopID, &e.CalculatedAt, &e.EstimatedArrival, &e.DistanceRemainingKm, &e.MinutesRemaining, &source); err != nil {
			return nil, err
		}
		e.Source = models.ETASource(source)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ping is used by the readiness probe.
func (p *PostgresStore) Ping(ctx context.Context) error {
	_, err := p.db.Exec(ctx, `SELECT 1`)
	return err
}
