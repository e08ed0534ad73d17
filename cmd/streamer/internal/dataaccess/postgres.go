package dataaccess

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/marketlens/portfolio-stream/pkg/models"
)

// Compile-time check to ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// PostgresStore resolves watchlist topics from the CRUD application's
// database. Every method borrows a pooled connection for the duration of one
// query only.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Authorize(ctx context.Context, topicID int64, principal string) error {
	var ownerID string
	var isPublic bool
	err := s.db.QueryRowContext(ctx,
		`SELECT owner_id, is_public FROM watchlists WHERE id = $1`,
		topicID,
	).Scan(&ownerID, &isPublic)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("authorize topic %d: %w", topicID, err)
	}
	if ownerID != principal && !isPublic {
		return ErrUnauthorized
	}
	return nil
}

func (s *PostgresStore) ResolveTopic(ctx context.Context, topicID int64) (*models.TopicData, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT wi.symbol, h.quantity, h.cost_basis
		FROM watchlist_items wi
		LEFT JOIN holdings h
		  ON h.watchlist_id = wi.watchlist_id AND h.symbol = wi.symbol
		WHERE wi.watchlist_id = $1
		ORDER BY wi.position, wi.symbol`,
		topicID,
	)
	if err != nil {
		return nil, fmt.Errorf("resolve topic %d: %w", topicID, err)
	}
	defer rows.Close()

	td := &models.TopicData{
		TopicID: topicID,
		Overlay: make(map[string]models.Overlay),
	}
	for rows.Next() {
		var symbol string
		var quantity, costBasis sql.NullFloat64
		if err := rows.Scan(&symbol, &quantity, &costBasis); err != nil {
			return nil, fmt.Errorf("resolve topic %d: %w", topicID, err)
		}
		td.Symbols = append(td.Symbols, symbol)
		if quantity.Valid {
			td.Overlay[symbol] = models.Overlay{
				Quantity:  quantity.Float64,
				CostBasis: costBasis.Float64,
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("resolve topic %d: %w", topicID, err)
	}
	if len(td.Symbols) == 0 {
		// Distinguish empty watchlists from missing ones.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM watchlists WHERE id = $1)`, topicID,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("resolve topic %d: %w", topicID, err)
		}
		if !exists {
			return nil, ErrNotFound
		}
	}
	return td, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
