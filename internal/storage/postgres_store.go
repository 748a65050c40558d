package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(ctx, &pgTx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func mapErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return models.Duplicate("unique constraint %s", pqErr.Constraint)
	}
	return err
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.NotFound(entity, id)
	}
	return err
}

func (t *pgTx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return mapErr(err)
}

func (t *pgTx) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, name, email, phone, created_at FROM riders WHERE id=$1 FOR UPDATE`, id).
		Scan(&r.ID, &r.Name, &r.Email, &r.Phone, &r.CreatedAt)
	if err != nil {
		return nil, notFound(err, "rider", id)
	}
	return &r, nil
}

func (t *pgTx) InsertRider(ctx context.Context, r *models.Rider) error {
	return t.exec(ctx, `INSERT INTO riders(id, name, email, phone, created_at) VALUES($1,$2,$3,$4,$5)`,
		r.ID, r.Name, r.Email, r.Phone, r.CreatedAt)
}

const driverCols = `id, name, email, phone, vehicle_tier, status, last_lat, last_lon, created_at, updated_at`

func (t *pgTx) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	var (
		d        models.Driver
		lat, lon sql.NullFloat64
	)
	err := t.tx.QueryRowContext(ctx, `SELECT `+driverCols+` FROM drivers WHERE id=$1 FOR UPDATE`, id).
		Scan(&d.ID, &d.Name, &d.Email, &d.Phone, &d.Tier, &d.Status, &lat, &lon, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "driver", id)
	}
	if lat.Valid && lon.Valid {
		d.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &d, nil
}

func locArgs(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func (t *pgTx) InsertDriver(ctx context.Context, d *models.Driver) error {
	lat, lon := locArgs(d.Loc)
	return t.exec(ctx, `INSERT INTO drivers(`+driverCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		d.ID, d.Name, d.Email, d.Phone, d.Tier, d.Status, lat, lon, d.CreatedAt, d.UpdatedAt)
}

func (t *pgTx) SaveDriver(ctx context.Context, d *models.Driver) error {
	lat, lon := locArgs(d.Loc)
	res, err := t.tx.ExecContext(ctx,
		`UPDATE drivers SET status=$1, last_lat=$2, last_lon=$3, updated_at=$4 WHERE id=$5`,
		d.Status, lat, lon, d.UpdatedAt, d.ID)
	return affected(res, err, "driver", d.ID)
}

func affected(res sql.Result, err error, entity, id string) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return models.NotFound(entity, id)
	}
	return nil
}

const rideCols = `id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_tier, status,
	assigned_driver_id, surge_multiplier, estimated_fare, payment_method, idempotency_key, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r      models.Ride
		driver sql.NullString
	)
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Tier, &r.Status, &driver, &r.SurgeMultiplier, &r.EstimatedFare, &r.PaymentMethod,
		&r.IdempotencyKey, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.AssignedDriverID = driver.String
	return &r, nil
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "ride", id)
	}
	return r, nil
}

func (t *pgTx) RideByIdempotencyKey(ctx context.Context, key string) (*models.Ride, error) {
	r, err := scanRide(t.tx.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE idempotency_key=$1`, key))
	if err != nil {
		return nil, notFound(err, "ride with idempotency key", key)
	}
	return r, nil
}

func (t *pgTx) HasActiveRide(ctx context.Context, riderID string) (bool, error) {
	var active bool
	err := t.tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM rides r LEFT JOIN trips tr ON tr.ride_id = r.id
			WHERE r.rider_id = $1
			  AND (r.status IN ('REQUESTED','MATCHING','MATCHED')
			       OR (r.status = 'ACCEPTED' AND (tr.id IS NULL OR tr.status <> 'COMPLETED')))
		)`, riderID).Scan(&active)
	return active, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (t *pgTx) InsertRide(ctx context.Context, r *models.Ride) error {
	return t.exec(ctx, `INSERT INTO rides(`+rideCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon, r.Tier, r.Status,
		nullString(r.AssignedDriverID), r.SurgeMultiplier, r.EstimatedFare, r.PaymentMethod,
		r.IdempotencyKey, r.CreatedAt, r.UpdatedAt)
}

func (t *pgTx) UpdateRide(ctx context.Context, r *models.Ride) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE rides SET status=$1, assigned_driver_id=$2, updated_at=$3 WHERE id=$4`,
		r.Status, nullString(r.AssignedDriverID), r.UpdatedAt, r.ID)
	return affected(res, err, "ride", r.ID)
}

const assignmentCols = `id, ride_id, driver_id, status, offered_at, responded_at`

func scanAssignment(row rowScanner) (*models.RideAssignment, error) {
	var (
		a         models.RideAssignment
		responded sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.RideID, &a.DriverID, &a.Status, &a.OfferedAt, &responded); err != nil {
		return nil, err
	}
	if responded.Valid {
		at := responded.Time
		a.RespondedAt = &at
	}
	return &a, nil
}

func (t *pgTx) AssignmentExists(ctx context.Context, rideID, driverID string) (bool, error) {
	var ok bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM ride_assignments WHERE ride_id=$1 AND driver_id=$2)`, rideID, driverID).Scan(&ok)
	return ok, err
}

func (t *pgTx) GetAssignment(ctx context.Context, rideID, driverID string) (*models.RideAssignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx,
		`SELECT `+assignmentCols+` FROM ride_assignments WHERE ride_id=$1 AND driver_id=$2 FOR UPDATE`, rideID, driverID))
	if err != nil {
		return nil, notFound(err, "assignment", rideID+"/"+driverID)
	}
	return a, nil
}

func (t *pgTx) OfferedAssignment(ctx context.Context, rideID string) (*models.RideAssignment, error) {
	a, err := scanAssignment(t.tx.QueryRowContext(ctx,
		`SELECT `+assignmentCols+` FROM ride_assignments WHERE ride_id=$1 AND status='OFFERED' FOR UPDATE`, rideID))
	if err != nil {
		return nil, notFound(err, "offered assignment for ride", rideID)
	}
	return a, nil
}

func (t *pgTx) CountAssignments(ctx context.Context, rideID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, `SELECT count(*) FROM ride_assignments WHERE ride_id=$1`, rideID).Scan(&n)
	return n, err
}

func (t *pgTx) InsertAssignment(ctx context.Context, a *models.RideAssignment) error {
	return t.exec(ctx, `INSERT INTO ride_assignments(`+assignmentCols+`) VALUES($1,$2,$3,$4,$5,$6)`,
		a.ID, a.RideID, a.DriverID, a.Status, a.OfferedAt, a.RespondedAt)
}

func (t *pgTx) UpdateAssignment(ctx context.Context, a *models.RideAssignment) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE ride_assignments SET status=$1, responded_at=$2 WHERE id=$3`, a.Status, a.RespondedAt, a.ID)
	return affected(res, err, "assignment", a.ID)
}

func (t *pgTx) PendingOffers(ctx context.Context, driverID string) ([]models.PendingOffer, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.id, r.rider_id, r.pickup_lat, r.pickup_lon, r.dest_lat, r.dest_lon, r.vehicle_tier,
		       r.estimated_fare, r.surge_multiplier, a.offered_at
		FROM ride_assignments a JOIN rides r ON r.id = a.ride_id
		WHERE a.driver_id = $1 AND a.status = 'OFFERED'
		ORDER BY a.offered_at`, driverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.PendingOffer
	for rows.Next() {
		var o models.PendingOffer
		if err := rows.Scan(&o.RideID, &o.RiderID, &o.Pickup.Lat, &o.Pickup.Lon, &o.Destination.Lat,
			&o.Destination.Lon, &o.Tier, &o.EstimatedFare, &o.SurgeMultiplier, &o.OfferedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const tripCols = `id, ride_id, driver_id, rider_id, vehicle_tier, status, start_lat, start_lon, end_lat, end_lon,
	started_at, ended_at, distance_km, base_fare, surge_multiplier, total_fare`

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		tr             models.Trip
		endLat, endLon sql.NullFloat64
		ended          sql.NullTime
	)
	err := row.Scan(&tr.ID, &tr.RideID, &tr.DriverID, &tr.RiderID, &tr.Tier, &tr.Status, &tr.Start.Lat, &tr.Start.Lon,
		&endLat, &endLon, &tr.StartedAt, &ended, &tr.DistanceKm, &tr.BaseFare, &tr.SurgeMultiplier, &tr.TotalFare)
	if err != nil {
		return nil, err
	}
	if endLat.Valid && endLon.Valid {
		tr.End = &models.Coord{Lat: endLat.Float64, Lon: endLon.Float64}
	}
	if ended.Valid {
		at := ended.Time
		tr.EndedAt = &at
	}
	return &tr, nil
}

func (t *pgTx) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "trip", id)
	}
	return tr, nil
}

func (t *pgTx) TripByRide(ctx context.Context, rideID string) (*models.Trip, error) {
	tr, err := scanTrip(t.tx.QueryRowContext(ctx, `SELECT `+tripCols+` FROM trips WHERE ride_id=$1`, rideID))
	if err != nil {
		return nil, notFound(err, "trip for ride", rideID)
	}
	return tr, nil
}

func (t *pgTx) InsertTrip(ctx context.Context, tr *models.Trip) error {
	endLat, endLon := locArgs(tr.End)
	return t.exec(ctx, `INSERT INTO trips(`+tripCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		tr.ID, tr.RideID, tr.DriverID, tr.RiderID, tr.Tier, tr.Status, tr.Start.Lat, tr.Start.Lon, endLat, endLon,
		tr.StartedAt, tr.EndedAt, tr.DistanceKm, tr.BaseFare, tr.SurgeMultiplier, tr.TotalFare)
}

func (t *pgTx) UpdateTrip(ctx context.Context, tr *models.Trip) error {
	endLat, endLon := locArgs(tr.End)
	res, err := t.tx.ExecContext(ctx, `
		UPDATE trips SET status=$1, end_lat=$2, end_lon=$3, ended_at=$4, distance_km=$5, base_fare=$6, total_fare=$7
		WHERE id=$8`,
		tr.Status, endLat, endLon, tr.EndedAt, tr.DistanceKm, tr.BaseFare, tr.TotalFare, tr.ID)
	return affected(res, err, "trip", tr.ID)
}

const paymentCols = `id, trip_id, rider_id, amount, currency, status, payment_method, psp_transaction_id,
	idempotency_key, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p   models.Payment
		psp sql.NullString
	)
	err := row.Scan(&p.ID, &p.TripID, &p.RiderID, &p.Amount, &p.Currency, &p.Status, &p.Method, &psp,
		&p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.PSPTransactionID = psp.String
	return &p, nil
}

func (t *pgTx) PaymentByIdempotencyKey(ctx context.Context, key string) (*models.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx, `SELECT `+paymentCols+` FROM payments WHERE idempotency_key=$1`, key))
	if err != nil {
		return nil, notFound(err, "payment with idempotency key", key)
	}
	return p, nil
}

func (t *pgTx) SuccessfulPaymentForTrip(ctx context.Context, tripID string) (*models.Payment, error) {
	p, err := scanPayment(t.tx.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE trip_id=$1 AND status='SUCCESS' LIMIT 1`, tripID))
	if err != nil {
		return nil, notFound(err, "successful payment for trip", tripID)
	}
	return p, nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *models.Payment) error {
	return t.exec(ctx, `INSERT INTO payments(`+paymentCols+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.TripID, p.RiderID, p.Amount, p.Currency, p.Status, p.Method, nullString(p.PSPTransactionID),
		p.IdempotencyKey, p.CreatedAt, p.UpdatedAt)
}

func (t *pgTx) UpdatePayment(ctx context.Context, p *models.Payment) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE payments SET status=$1, psp_transaction_id=$2, updated_at=$3 WHERE id=$4`,
		p.Status, nullString(p.PSPTransactionID), p.UpdatedAt, p.ID)
	return affected(res, err, "payment", p.ID)
}

func (t *pgTx) AppendEvent(ctx context.Context, e *models.RideEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if e.Metadata == nil {
		meta = []byte("{}")
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO ride_events(event_id, ride_id, rider_id, driver_id, event_type, occurred_at, metadata)
		VALUES($1,$2,$3,$4,$5,$6,$7) RETURNING seq`,
		e.ID, e.RideID, e.RiderID, nullString(e.DriverID), e.Type, e.OccurredAt, meta).Scan(&e.Seq)
	return mapErr(err)
}

func (t *pgTx) RideEvents(ctx context.Context, rideID string) ([]models.RideEvent, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT seq, event_id, ride_id, rider_id, driver_id, event_type, occurred_at, metadata
		FROM ride_events WHERE ride_id=$1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideEvent
	for rows.Next() {
		var (
			e      models.RideEvent
			driver sql.NullString
			meta   []byte
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.RideID, &e.RiderID, &driver, &e.Type, &e.OccurredAt, &meta); err != nil {
			return nil, err
		}
		e.DriverID = driver.String
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
