package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/midcurve/autoclose/internal/models"
)

type PositionRepo struct {
	pool *pgxpool.Pool
}

func NewPositionRepo(pool *pgxpool.Pool) *PositionRepo {
	return &PositionRepo{pool: pool}
}

func (r *PositionRepo) GetByID(ctx context.Context, id string) (*models.Position, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, chain_id, token_id::text, owner_address, pool_address,
		        token0_address, token1_address, token0_decimals, token1_decimals,
		        quote_is_token0, created_at
		 FROM positions WHERE id = $1`,
		id,
	)
	var p models.Position
	err := row.Scan(
		&p.ID, &p.ChainID, &p.TokenID, &p.OwnerAddress, &p.PoolAddress,
		&p.Token0Address, &p.Token1Address, &p.Token0Decimals, &p.Token1Decimals,
		&p.QuoteIsToken0, &p.CreatedAt,
	)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}
