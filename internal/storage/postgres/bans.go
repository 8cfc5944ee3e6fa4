package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrBanNotFound is returned when an address has no ban to lift.
var ErrBanNotFound = errors.New("ban not found")

// Ban is a banned remote address.
type Ban struct {
	Address   string
	Reason    string
	CreatedAt time.Time
	// ExpiresAt is nil for a permanent ban.
	ExpiresAt *time.Time
}

// BanRepository reads and writes the ip_bans table. It implements
// delivery.BanChecker.
type BanRepository struct {
	db *pgxpool.Pool
}

// NewBanRepository creates a BanRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewBanRepository(db *pgxpool.Pool) *BanRepository {
	return &BanRepository{db: db}
}

// IsBanned reports whether addr has an unexpired ban.
func (r *BanRepository) IsBanned(ctx context.Context, addr string) (bool, error) {
	var banned bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM ip_bans
		   WHERE address = $1 AND (expires_at IS NULL OR expires_at > NOW())
		 )`,
		addr,
	).Scan(&banned)
	if err != nil {
		return false, fmt.Errorf("checking ban for %s: %w", addr, err)
	}
	return banned, nil
}

// Ban bans addr, replacing any existing ban. A zero duration bans permanently.
//
// Postcondition: Returns the stored Ban.
func (r *BanRepository) Ban(ctx context.Context, addr, reason string, duration time.Duration) (Ban, error) {
	var expires *time.Time
	if duration > 0 {
		at := time.Now().Add(duration).UTC()
		expires = &at
	}

	var b Ban
	err := r.db.QueryRow(ctx,
		`INSERT INTO ip_bans (address, reason, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (address) DO UPDATE
		   SET reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, created_at = NOW()
		 RETURNING address, reason, created_at, expires_at`,
		addr, reason, expires,
	).Scan(&b.Address, &b.Reason, &b.CreatedAt, &b.ExpiresAt)
	if err != nil {
		return Ban{}, fmt.Errorf("banning %s: %w", addr, err)
	}
	return b, nil
}

// Unban lifts the ban on addr.
//
// Postcondition: Returns ErrBanNotFound if addr was not banned.
func (r *BanRepository) Unban(ctx context.Context, addr string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM ip_bans WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("unbanning %s: %w", addr, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBanNotFound
	}
	return nil
}

// Get returns the ban on addr, expired or not.
//
// Postcondition: Returns ErrBanNotFound if addr has no ban row.
func (r *BanRepository) Get(ctx context.Context, addr string) (Ban, error) {
	var b Ban
	err := r.db.QueryRow(ctx,
		`SELECT address, reason, created_at, expires_at FROM ip_bans WHERE address = $1`,
		addr,
	).Scan(&b.Address, &b.Reason, &b.CreatedAt, &b.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ban{}, ErrBanNotFound
	}
	if err != nil {
		return Ban{}, fmt.Errorf("loading ban for %s: %w", addr, err)
	}
	return b, nil
}

// PurgeExpired deletes bans whose expiry has passed and returns how many were
// removed.
func (r *BanRepository) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM ip_bans WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purging expired bans: %w", err)
	}
	return tag.RowsAffected(), nil
}
