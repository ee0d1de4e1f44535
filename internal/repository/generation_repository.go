package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mapleshot/mapleshot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, entry models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (identity, preset_id, content_type, cost_type, request_hash)
VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, entry.Identity, entry.PresetID, string(entry.ContentType), string(entry.CostType), entry.RequestHash)
	if err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

// ListByIdentity returns recent generations for one identity, newest
// first.
func (r *GenerationRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]models.GenerationLog, error) {
	const query = `
SELECT identity, preset_id, content_type, cost_type, request_hash, created_at
FROM generation_logs WHERE identity = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query generation logs: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationLog
	for rows.Next() {
		var entry models.GenerationLog
		var contentType, costType string
		if err := rows.Scan(&entry.Identity, &entry.PresetID, &contentType, &costType, &entry.RequestHash, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation log: %w", err)
		}
		entry.ContentType = models.CreditType(contentType)
		entry.CostType = models.CostType(costType)
		out = append(out, entry)
	}
	return out, rows.Err()
}
