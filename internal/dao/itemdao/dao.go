package itemdao

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	apperrors "github.com/savaki/itemstack/internal/errors"
)

// Item represents a row in the items table
type Item struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
}

// CreateInput contains the fields needed to create a new item
type CreateInput struct {
	Name        string
	Description *string
}

// UpdateInput contains the replacement fields for an existing item
type UpdateInput struct {
	Name        string
	Description *string
}

// DAO provides data access operations for items
type DAO struct {
	pool *pgxpool.Pool
}

// New creates a new DAO instance backed by the given connection pool
func New(pool *pgxpool.Pool) *DAO {
	return &DAO{pool: pool}
}

// NewFromDSN creates a new DAO with its own connection pool.
// The pool is owned by the DAO and released by Close.
func NewFromDSN(ctx context.Context, dsn string) (*DAO, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return New(pool), nil
}

// Close releases the underlying connection pool
func (d *DAO) Close() {
	d.pool.Close()
}

// Ping verifies the database is reachable
func (d *DAO) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

// Insert creates a new item and returns it with the assigned id
func (d *DAO) Insert(ctx context.Context, input CreateInput) (Item, error) {
	item := Item{
		Name:        input.Name,
		Description: input.Description,
	}

	err := d.pool.QueryRow(ctx,
		`INSERT INTO items (name, description) VALUES ($1, $2) RETURNING id`,
		input.Name, input.Description,
	).Scan(&item.ID)
	if err != nil {
		return Item{}, fmt.Errorf("failed to insert item: %w", err)
	}

	return item, nil
}

// Get retrieves an item by id
func (d *DAO) Get(ctx context.Context, id int64) (Item, error) {
	var item Item

	err := d.pool.QueryRow(ctx,
		`SELECT id, name, description FROM items WHERE id = $1`,
		id,
	).Scan(&item.ID, &item.Name, &item.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %d", apperrors.ErrItemNotFound, id)
	}
	if err != nil {
		return Item{}, fmt.Errorf("failed to get item: %w", err)
	}

	return item, nil
}

// List returns all items ordered by id
func (d *DAO) List(ctx context.Context) ([]Item, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, name, description FROM items ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	// Non-nil so an empty table serializes as [] rather than null
	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Name, &item.Description); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}

	return items, nil
}

// Update replaces the name and description of an existing item
func (d *DAO) Update(ctx context.Context, id int64, input UpdateInput) (Item, error) {
	tag, err := d.pool.Exec(ctx,
		`UPDATE items SET name = $1, description = $2 WHERE id = $3`,
		input.Name, input.Description, id,
	)
	if err != nil {
		return Item{}, fmt.Errorf("failed to update item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Item{}, fmt.Errorf("%w: %d", apperrors.ErrItemNotFound, id)
	}

	return Item{ID: id, Name: input.Name, Description: input.Description}, nil
}

// Delete removes an item by id
func (d *DAO) Delete(ctx context.Context, id int64) error {
	tag, err := d.pool.Exec(ctx, `DELETE FROM items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", apperrors.ErrItemNotFound, id)
	}

	return nil
}
