package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
)

// orderColumns casts trigger_price to text so it round-trips through
// shopspring decimal without precision loss.
const orderColumns = `id, position_id, chain_id, pool_address, trigger_side,
	trigger_price::text, state, attempts, last_error, tx_hash, operator_address,
	contract_address, swap_enabled, slippage_bps, fee_bps, created_at, updated_at`

type OrderRepo struct {
	pool *pgxpool.Pool
}

func NewOrderRepo(pool *pgxpool.Pool) *OrderRepo {
	return &OrderRepo{pool: pool}
}

func (r *OrderRepo) GetByID(ctx context.Context, id string) (*models.CloseOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM close_orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// TransitionToExecuting is the single compare-and-set gate that prevents two
// competing consumers (or a retry timer racing a fresh trigger) from
// executing the same order twice. It atomically claims the order and bumps
// the attempt counter; the returned bool says whether this caller won.
func (r *OrderRepo) TransitionToExecuting(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE close_orders
		 SET state = 'executing', attempts = attempts + 1, updated_at = NOW()
		 WHERE id = $1 AND state IN ('monitoring', 'retrying')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("transition to executing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TransitionToRetrying records the attempt's error and parks the order for a
// delayed re-check. Only valid from executing.
func (r *OrderRepo) TransitionToRetrying(ctx context.Context, id, lastError string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE close_orders
		 SET state = 'retrying', last_error = $2, updated_at = NOW()
		 WHERE id = $1 AND state = 'executing'`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("transition to retrying: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s not in executing state", id)
	}
	return nil
}

// ResetToMonitoring returns a retrying order to the watch pool with a clean
// attempt counter — the price moved away before attempts ran out.
func (r *OrderRepo) ResetToMonitoring(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE close_orders
		 SET state = 'monitoring', attempts = 0, last_error = NULL, updated_at = NOW()
		 WHERE id = $1 AND state = 'retrying'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("reset to monitoring: %w", err)
	}
	return nil
}

func (r *OrderRepo) MarkExecuted(ctx context.Context, id, txHash string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE close_orders
		 SET state = 'executed', last_error = NULL, tx_hash = $2, updated_at = NOW()
		 WHERE id = $1 AND state = 'executing'`,
		id, txHash,
	)
	if err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	return nil
}

func (r *OrderRepo) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE close_orders
		 SET state = 'failed', last_error = $2, updated_at = NOW()
		 WHERE id = $1 AND state IN ('executing', 'retrying')`,
		id, lastError,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// FindMonitoringForPool returns the orders a trigger strategy must evaluate
// for one pool. Orders mid-execution or parked for retry are excluded: the
// retry path owns them until they resolve.
func (r *OrderRepo) FindMonitoringForPool(ctx context.Context, chainID int64, pool string) ([]models.CloseOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM close_orders
		 WHERE chain_id = $1 AND pool_address = $2 AND state = 'monitoring'
		 ORDER BY created_at ASC`,
		chainID, pool,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// FindRetrying feeds the crash-recovery sweep: orders whose in-memory
// recheck timers were lost to a restart.
func (r *OrderRepo) FindRetrying(ctx context.Context) ([]models.CloseOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM close_orders WHERE state = 'retrying'
		 ORDER BY updated_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetPoolsWithActiveOrders drives subscription sync: every (chain, pool)
// pair at least one non-terminal order references.
func (r *OrderRepo) GetPoolsWithActiveOrders(ctx context.Context) ([]models.PoolKey, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT chain_id, pool_address FROM close_orders
		 WHERE state IN ('monitoring', 'executing', 'retrying')`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PoolKey
	for rows.Next() {
		var k models.PoolKey
		if err := rows.Scan(&k.ChainID, &k.PoolAddress); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// CountActiveForPool supports post-execution subscription cleanup.
func (r *OrderRepo) CountActiveForPool(ctx context.Context, chainID int64, pool string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM close_orders
		 WHERE chain_id = $1 AND pool_address = $2
		   AND state IN ('monitoring', 'executing', 'retrying')`,
		chainID, pool,
	).Scan(&n)
	return n, err
}

// --- scan helpers ---

func scanOrder(row scannable) (*models.CloseOrder, error) {
	var o models.CloseOrder
	var price string
	err := row.Scan(
		&o.ID, &o.PositionID, &o.ChainID, &o.PoolAddress, &o.TriggerSide,
		&price, &o.State, &o.Attempts, &o.LastError, &o.TxHash, &o.OperatorAddress,
		&o.ContractAddress, &o.SwapEnabled, &o.SlippageBps, &o.FeeBps,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.TriggerPrice, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse trigger price %q: %w", price, err)
	}
	return &o, nil
}

func collectOrders(rows rowsIter) ([]models.CloseOrder, error) {
	var out []models.CloseOrder
	for rows.Next() {
		var o models.CloseOrder
		var price string
		if err := rows.Scan(
			&o.ID, &o.PositionID, &o.ChainID, &o.PoolAddress, &o.TriggerSide,
			&price, &o.State, &o.Attempts, &o.LastError, &o.TxHash, &o.OperatorAddress,
			&o.ContractAddress, &o.SwapEnabled, &o.SlippageBps, &o.FeeBps,
			&o.CreatedAt, &o.UpdatedAt,
		); err != nil {
			return nil, err
		}
		var err error
		o.TriggerPrice, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse trigger price %q: %w", price, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
