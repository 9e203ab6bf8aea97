package webhook

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresDeliveryStore implements DeliveryStore backed by PostgreSQL
type PostgresDeliveryStore struct {
	db *sql.DB
}

// NewPostgresDeliveryStore creates a new PostgreSQL-backed DeliveryStore
func NewPostgresDeliveryStore(db *sql.DB) *PostgresDeliveryStore {
	return &PostgresDeliveryStore{db: db}
}

const deliveryColumns = `id, tenant_id, rule_id, event_id, url, method, status, attempts,
	last_status_code, last_error, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row rowScanner) (*Delivery, error) {
	var (
		d         Delivery
		completed sql.NullTime
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.RuleID, &d.EventID, &d.URL, &d.Method, &d.Status,
		&d.Attempts, &d.LastStatusCode, &d.LastError, &d.CreatedAt, &completed); err != nil {
		return nil, err
	}
	if completed.Valid {
		t := completed.Time
		d.CompletedAt = &t
	}
	return &d, nil
}

func (s *PostgresDeliveryStore) Create(ctx context.Context, d *Delivery) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (id, tenant_id, rule_id, event_id, url, method, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.TenantID, d.RuleID, d.EventID, d.URL, d.Method, d.Status, d.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert webhook delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresDeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get webhook delivery: %w", err)
	}
	return d, nil
}

func (s *PostgresDeliveryStore) Complete(ctx context.Context, id, status string, attempts []Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previous int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempts FROM webhook_deliveries WHERE id = $1 FOR UPDATE`, id).Scan(&previous); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDeliveryNotFound
		}
		return fmt.Errorf("failed to lock webhook delivery: %w", err)
	}

	var lastStatus int
	var lastError string
	for _, a := range attempts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO webhook_delivery_attempts (delivery_id, attempt_number, status_code, error, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, previous+a.Number, a.StatusCode, a.Error, float64(a.Duration.Microseconds())/1000, a.At); err != nil {
			return fmt.Errorf("failed to insert webhook attempt: %w", err)
		}
		lastStatus, lastError = a.StatusCode, a.Error
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempts = attempts + $3, last_status_code = $4, last_error = $5, completed_at = $6
		WHERE id = $1`,
		id, status, len(attempts), lastStatus, lastError, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update webhook delivery: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresDeliveryStore) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt_number, status_code, error, duration_ms, created_at
		FROM webhook_delivery_attempts WHERE delivery_id = $1 ORDER BY attempt_number`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query webhook attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a  Attempt
			ms float64
		)
		if err := rows.Scan(&a.Number, &a.StatusCode, &a.Error, &ms, &a.At); err != nil {
			return nil, fmt.Errorf("failed to scan webhook attempt: %w", err)
		}
		a.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresDeliveryStore) List(ctx context.Context, tenantID string, limit int) ([]*Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries`
	args := []any{}
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
