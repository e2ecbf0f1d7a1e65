package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
)

type SubscriptionRepo struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepo(pool *pgxpool.Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// Upsert registers a pool to watch. Pool metadata is refreshed on conflict
// so a token-decimals correction propagates.
func (r *SubscriptionRepo) Upsert(ctx context.Context, s *models.PoolSubscription) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pool_subscriptions
		 (chain_id, pool_address, token0_decimals, token1_decimals, quote_is_token0, created_at)
		 VALUES ($1,$2,$3,$4,$5,NOW())
		 ON CONFLICT (chain_id, pool_address) DO UPDATE
		 SET token0_decimals = EXCLUDED.token0_decimals,
		     token1_decimals = EXCLUDED.token1_decimals,
		     quote_is_token0 = EXCLUDED.quote_is_token0`,
		s.ChainID, s.PoolAddress, s.Token0Decimals, s.Token1Decimals, s.QuoteIsToken0,
	)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) Delete(ctx context.Context, chainID int64, pool string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pool_subscriptions WHERE chain_id = $1 AND pool_address = $2`,
		chainID, pool,
	)
	return err
}

func (r *SubscriptionRepo) List(ctx context.Context) ([]models.PoolSubscription, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, chain_id, pool_address, token0_decimals, token1_decimals,
		        quote_is_token0, last_price::text, last_checked_at, created_at
		 FROM pool_subscriptions ORDER BY chain_id, pool_address`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSubscriptions(rows)
}

func (r *SubscriptionRepo) Get(ctx context.Context, chainID int64, pool string) (*models.PoolSubscription, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, chain_id, pool_address, token0_decimals, token1_decimals,
		        quote_is_token0, last_price::text, last_checked_at, created_at
		 FROM pool_subscriptions WHERE chain_id = $1 AND pool_address = $2`,
		chainID, pool,
	)
	s, err := scanSubscription(row)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	return s, nil
}

// RecordPrice persists the latest observed price on the subscription record.
func (r *SubscriptionRepo) RecordPrice(ctx context.Context, chainID int64, pool string, price decimal.Decimal, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE pool_subscriptions
		 SET last_price = $3, last_checked_at = $4
		 WHERE chain_id = $1 AND pool_address = $2`,
		chainID, pool, price.String(), at,
	)
	return err
}

// --- scan helpers ---

func scanSubscription(row scannable) (*models.PoolSubscription, error) {
	var s models.PoolSubscription
	var price *string
	err := row.Scan(
		&s.ID, &s.ChainID, &s.PoolAddress, &s.Token0Decimals, &s.Token1Decimals,
		&s.QuoteIsToken0, &price, &s.LastCheckedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if price != nil {
		d, err := decimal.NewFromString(*price)
		if err != nil {
			return nil, fmt.Errorf("parse last price %q: %w", *price, err)
		}
		s.LastPrice = &d
	}
	return &s, nil
}

func collectSubscriptions(rows rowsIter) ([]models.PoolSubscription, error) {
	var out []models.PoolSubscription
	for rows.Next() {
		var s models.PoolSubscription
		var price *string
		if err := rows.Scan(
			&s.ID, &s.ChainID, &s.PoolAddress, &s.Token0Decimals, &s.Token1Decimals,
			&s.QuoteIsToken0, &price, &s.LastCheckedAt, &s.CreatedAt,
		); err != nil {
			return nil, err
		}
		if price != nil {
			d, err := decimal.NewFromString(*price)
			if err != nil {
				return nil, fmt.Errorf("parse last price %q: %w", *price, err)
			}
			s.LastPrice = &d
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
