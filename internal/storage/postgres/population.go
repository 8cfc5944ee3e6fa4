package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoSamples is returned when a server has not recorded any population.
var ErrNoSamples = errors.New("no population samples")

// PopulationSample is the player count of one server at one instant.
type PopulationSample struct {
	ServerID   int
	Players    int
	RecordedAt time.Time
}

// PopulationRepository appends to the population_samples table. It
// implements world.PopulationRecorder.
type PopulationRepository struct {
	db *pgxpool.Pool
}

// NewPopulationRepository creates a PopulationRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewPopulationRepository(db *pgxpool.Pool) *PopulationRepository {
	return &PopulationRepository{db: db}
}

// RecordPopulation stores one sample.
//
// Precondition: players must be >= 0.
func (r *PopulationRepository) RecordPopulation(ctx context.Context, serverID, players int, at time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO population_samples (server_id, players, recorded_at) VALUES ($1, $2, $3)`,
		serverID, players, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting population sample: %w", err)
	}
	return nil
}

// Latest returns the most recent sample for serverID.
//
// Postcondition: Returns ErrNoSamples if serverID has none.
func (r *PopulationRepository) Latest(ctx context.Context, serverID int) (PopulationSample, error) {
	var s PopulationSample
	err := r.db.QueryRow(ctx,
		`SELECT server_id, players, recorded_at FROM population_samples
		 WHERE server_id = $1 ORDER BY recorded_at DESC LIMIT 1`,
		serverID,
	).Scan(&s.ServerID, &s.Players, &s.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PopulationSample{}, ErrNoSamples
	}
	if err != nil {
		return PopulationSample{}, fmt.Errorf("loading latest population sample: %w", err)
	}
	return s, nil
}

// Peak returns the highest player count recorded for serverID since since.
func (r *PopulationRepository) Peak(ctx context.Context, serverID int, since time.Time) (int, error) {
	var peak int
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(players), 0) FROM population_samples
		 WHERE server_id = $1 AND recorded_at >= $2`,
		serverID, since.UTC(),
	).Scan(&peak)
	if err != nil {
		return 0, fmt.Errorf("loading peak population: %w", err)
	}
	return peak, nil
}
