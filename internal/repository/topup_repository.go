package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/mapleshot/mapleshot/internal/models"
)

// TopUpRepository is the durable processed-event set. The unique key
// on (event_id, credit_type) makes Mark idempotent under concurrent
// webhook redeliveries.
type TopUpRepository struct {
	db *sql.DB
}

func NewTopUpRepository(db *sql.DB) *TopUpRepository {
	return &TopUpRepository{db: db}
}

func (r *TopUpRepository) Seen(ctx context.Context, eventID string, creditType models.CreditType) (bool, error) {
	const query = `SELECT 1 FROM topup_events WHERE event_id = ? AND credit_type = ? LIMIT 1`
	var one int
	err := r.db.QueryRowContext(ctx, query, eventID, string(creditType)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query topup event: %w", err)
	}
	return true, nil
}

func (r *TopUpRepository) Mark(ctx context.Context, rec models.TopUpRecord) error {
	const query = `
INSERT INTO topup_events (event_id, credit_type, identity, credits)
VALUES (?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, rec.EventID, string(rec.CreditType), rec.Identity, rec.Credits)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// Duplicate key: another delivery already marked it.
			return nil
		}
		return fmt.Errorf("insert topup event: %w", err)
	}
	return nil
}

// ListByIdentity returns the applied top-ups for one identity, newest
// first.
func (r *TopUpRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]models.TopUpRecord, error) {
	const query = `
SELECT event_id, credit_type, identity, credits, created_at
FROM topup_events WHERE identity = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query topup events: %w", err)
	}
	defer rows.Close()

	var out []models.TopUpRecord
	for rows.Next() {
		var rec models.TopUpRecord
		var creditType string
		if err := rows.Scan(&rec.EventID, &creditType, &rec.Identity, &rec.Credits, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan topup event: %w", err)
		}
		rec.CreditType = models.CreditType(creditType)
		out = append(out, rec)
	}
	return out, rows.Err()
}
