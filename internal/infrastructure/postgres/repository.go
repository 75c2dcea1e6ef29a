package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool the repository uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPool opens a pool and makes sure the schema exists.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

type FulfillmentRepository struct {
	db DB
}

func NewFulfillmentRepository(db DB) *FulfillmentRepository {
	return &FulfillmentRepository{db: db}
}

const selectColumns = `session_id, event_id, status, snapshot, cart_error, shipment_id, tracking_code,
	label_url, carrier, service, shortfalls, last_error, attempt_count, version, created_at, updated_at`

func (r *FulfillmentRepository) Create(ctx context.Context, rec *domain.Record) error {
	if rec == nil || rec.SessionID == "" {
		return domain.ErrSessionRequired
	}
	snapshot, shortfalls, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `INSERT INTO fulfillments (`+selectColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,1,$14,$15)
		ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.EventID, string(rec.Status), snapshot, rec.CartError, rec.ShipmentID, rec.TrackingCode,
		rec.LabelURL, rec.Carrier, rec.Service, shortfalls, rec.LastError, rec.AttemptCount, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert fulfillment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	rec.Version = 1
	return nil
}

func (r *FulfillmentRepository) Get(ctx context.Context, sessionID string) (*domain.Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM fulfillments WHERE session_id=$1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get fulfillment: %w", err)
	}
	return rec, nil
}

func (r *FulfillmentRepository) Update(ctx context.Context, rec *domain.Record) error {
	if rec == nil || rec.SessionID == "" {
		return domain.ErrSessionRequired
	}
	snapshot, shortfalls, err := encodeJSON(rec)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `UPDATE fulfillments SET
		status=$3, snapshot=$4, cart_error=$5, shipment_id=$6, tracking_code=$7, label_url=$8,
		carrier=$9, service=$10, shortfalls=$11, last_error=$12, attempt_count=$13,
		updated_at=$14, version=version+1
		WHERE session_id=$1 AND version=$2`,
		rec.SessionID, rec.Version, string(rec.Status), snapshot, rec.CartError, rec.ShipmentID, rec.TrackingCode,
		rec.LabelURL, rec.Carrier, rec.Service, shortfalls, rec.LastError, rec.AttemptCount, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update fulfillment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		rec.Version++
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM fulfillments WHERE session_id=$1)`, rec.SessionID).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: update fulfillment: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrConflict
}

func (r *FulfillmentRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM fulfillments
		WHERE status NOT IN ('notified', 'failed') AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list stale: %w", err)
	}
	defer rows.Close()

	var out []*domain.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: list stale: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list stale: %w", err)
	}
	return out, nil
}

func encodeJSON(rec *domain.Record) (snapshot, shortfalls []byte, err error) {
	snapshot, err = json.Marshal(rec.Snapshot)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode snapshot: %w", err)
	}
	if len(rec.Shortfalls) > 0 {
		shortfalls, err = json.Marshal(rec.Shortfalls)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: encode shortfalls: %w", err)
		}
	}
	return snapshot, shortfalls, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*domain.Record, error) {
	var (
		rec        domain.Record
		status     string
		snapshot   []byte
		shortfalls []byte
	)
	if err := row.Scan(
		&rec.SessionID, &rec.EventID, &status, &snapshot, &rec.CartError, &rec.ShipmentID, &rec.TrackingCode,
		&rec.LabelURL, &rec.Carrier, &rec.Service, &shortfalls, &rec.LastError, &rec.AttemptCount, &rec.Version,
		&rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = domain.Status(status)

	var snap checkout.Snapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	rec.Snapshot = snap
	if len(shortfalls) > 0 {
		if err := json.Unmarshal(shortfalls, &rec.Shortfalls); err != nil {
			return nil, fmt.Errorf("decode shortfalls: %w", err)
		}
	}
	return &rec, nil
}
