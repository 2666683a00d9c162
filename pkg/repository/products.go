package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// ProductRepository resolves product titles from the catalog table.
type ProductRepository struct {
	db *sql.DB
}

// NewProductRepository creates a product repository.
func NewProductRepository(db *sql.DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// GetTitles returns the titles for the given product ids. Ids without a
// catalog row are simply absent from the map; callers fall back to a
// placeholder title.
func (r *ProductRepository) GetTitles(ctx context.Context, ids []int64) (map[int64]string, error) {
	titles := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, title FROM amazon_products WHERE id = ANY($1::bigint[])`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch product titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			title sql.NullString
		)
		if err := rows.Scan(&id, &title); err != nil {
			return nil, err
		}
		if title.Valid {
			titles[id] = title.String
		}
	}
	return titles, rows.Err()
}
