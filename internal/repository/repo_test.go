package repository_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/repository"
	"github.com/midcurve/autoclose/internal/testutil"
)

func TestOrderRepoLifecycle(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewOrderRepo(pool)
	ctx := context.Background()

	posID := "pos-" + uuid.NewString()
	orderID := "ord-" + uuid.NewString()
	poolAddr := "0x" + uuid.NewString()[:8]

	_, err := pool.Exec(ctx,
		`INSERT INTO positions (id, chain_id, token_id, owner_address, pool_address,
		 token0_address, token1_address, token0_decimals, token1_decimals, quote_is_token0)
		 VALUES ($1, 42161, 7, '0xowner', $2, '0xtok0', '0xtok1', 18, 6, false)`,
		posID, poolAddr)
	if err != nil {
		t.Fatalf("insert position: %v", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO close_orders (id, position_id, chain_id, pool_address, trigger_side,
		 trigger_price, operator_address, contract_address)
		 VALUES ($1, $2, 42161, $3, 'lower', 1234.567890123456789, '0xmgr', '0xcloser')`,
		orderID, posID, poolAddr)
	if err != nil {
		t.Fatalf("insert order: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM close_orders WHERE id = $1`, orderID)
		pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, posID)
	})

	// GetByID round-trips the NUMERIC trigger price without precision loss.
	o, err := repo.GetByID(ctx, orderID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if o == nil {
		t.Fatal("expected order")
	}
	if !o.TriggerPrice.Equal(decimal.RequireFromString("1234.567890123456789")) {
		t.Fatalf("trigger price mismatch: got %s", o.TriggerPrice)
	}
	if o.State != models.StateMonitoring {
		t.Fatalf("state: got %s", o.State)
	}
	t.Logf("Loaded order: id=%s state=%s price=%s", o.ID, o.State, o.TriggerPrice)

	// Claim bumps the attempt counter.
	won, err := repo.TransitionToExecuting(ctx, orderID)
	if err != nil {
		t.Fatalf("TransitionToExecuting: %v", err)
	}
	if !won {
		t.Fatal("monitoring order must be claimable")
	}
	o, _ = repo.GetByID(ctx, orderID)
	if o.State != models.StateExecuting || o.Attempts != 1 {
		t.Fatalf("after claim: state=%s attempts=%d", o.State, o.Attempts)
	}

	// Failed attempt parks for retry with the error recorded.
	if err := repo.TransitionToRetrying(ctx, orderID, "simulation reverted"); err != nil {
		t.Fatalf("TransitionToRetrying: %v", err)
	}
	retrying, err := repo.FindRetrying(ctx)
	if err != nil {
		t.Fatalf("FindRetrying: %v", err)
	}
	found := false
	for _, r := range retrying {
		if r.ID == orderID {
			found = true
			if r.LastError == nil || *r.LastError != "simulation reverted" {
				t.Fatalf("last error not recorded: %+v", r.LastError)
			}
		}
	}
	if !found {
		t.Fatal("order missing from retrying sweep")
	}

	// Price recovery resets to monitoring with a clean counter.
	if err := repo.ResetToMonitoring(ctx, orderID); err != nil {
		t.Fatalf("ResetToMonitoring: %v", err)
	}
	o, _ = repo.GetByID(ctx, orderID)
	if o.State != models.StateMonitoring || o.Attempts != 0 || o.LastError != nil {
		t.Fatalf("after reset: state=%s attempts=%d lastErr=%v", o.State, o.Attempts, o.LastError)
	}

	// Claim again and finish.
	if won, _ := repo.TransitionToExecuting(ctx, orderID); !won {
		t.Fatal("reset order must be claimable again")
	}
	if err := repo.MarkExecuted(ctx, orderID, "0xdeadbeef"); err != nil {
		t.Fatalf("MarkExecuted: %v", err)
	}
	o, _ = repo.GetByID(ctx, orderID)
	if o.State != models.StateExecuted || o.TxHash == nil || *o.TxHash != "0xdeadbeef" {
		t.Fatalf("after execute: state=%s tx=%v", o.State, o.TxHash)
	}

	// Terminal orders are unclaimable: a stale trigger loses the CAS.
	if won, _ := repo.TransitionToExecuting(ctx, orderID); won {
		t.Fatal("executed order must not be claimable")
	}

	n, err := repo.CountActiveForPool(ctx, 42161, poolAddr)
	if err != nil {
		t.Fatalf("CountActiveForPool: %v", err)
	}
	if n != 0 {
		t.Fatalf("no active orders expected on pool, got %d", n)
	}
}

func TestTransitionToExecutingSingleWinner(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewOrderRepo(pool)
	ctx := context.Background()

	posID := "pos-" + uuid.NewString()
	orderID := "ord-" + uuid.NewString()

	if _, err := pool.Exec(ctx,
		`INSERT INTO positions (id, chain_id, token_id, owner_address, pool_address,
		 token0_address, token1_address, token0_decimals, token1_decimals, quote_is_token0)
		 VALUES ($1, 42161, 8, '0xowner', '0xpool', '0xtok0', '0xtok1', 18, 6, false)`,
		posID); err != nil {
		t.Fatalf("insert position: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`INSERT INTO close_orders (id, position_id, chain_id, pool_address, trigger_side,
		 trigger_price, operator_address, contract_address)
		 VALUES ($1, $2, 42161, '0xpool', 'upper', 3000, '0xmgr', '0xcloser')`,
		orderID, posID); err != nil {
		t.Fatalf("insert order: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM close_orders WHERE id = $1`, orderID)
		pool.Exec(ctx, `DELETE FROM positions WHERE id = $1`, posID)
	})

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := repo.TransitionToExecuting(ctx, orderID)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one racer must win the claim, got %d", winners)
	}
	o, _ := repo.GetByID(ctx, orderID)
	if o.Attempts != 1 {
		t.Fatalf("losing claims must not bump attempts, got %d", o.Attempts)
	}
	t.Logf("CAS race: %d racers, %d winner, attempts=%d", racers, winners, o.Attempts)
}

func TestSubscriptionRepo(t *testing.T) {
	pool := testutil.SetupPool(t)
	repo := repository.NewSubscriptionRepo(pool)
	ctx := context.Background()

	poolAddr := fmt.Sprintf("0xsub-%s", uuid.NewString()[:8])
	t.Cleanup(func() {
		pool.Exec(ctx, `DELETE FROM pool_subscriptions WHERE pool_address = $1`, poolAddr)
	})

	sub := &models.PoolSubscription{
		ChainID:        42161,
		PoolAddress:    poolAddr,
		Token0Decimals: 18,
		Token1Decimals: 6,
		QuoteIsToken0:  false,
	}
	if err := repo.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Second upsert with corrected metadata must update, not duplicate.
	sub.Token1Decimals = 8
	if err := repo.Upsert(ctx, sub); err != nil {
		t.Fatalf("Upsert again: %v", err)
	}

	got, err := repo.Get(ctx, 42161, poolAddr)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Token1Decimals != 8 {
		t.Fatalf("upsert did not refresh metadata: %+v", got)
	}

	price := decimal.RequireFromString("2500.25")
	if err := repo.RecordPrice(ctx, 42161, poolAddr, price, time.Now()); err != nil {
		t.Fatalf("RecordPrice: %v", err)
	}
	got, _ = repo.Get(ctx, 42161, poolAddr)
	if got.LastPrice == nil || !got.LastPrice.Equal(price) {
		t.Fatalf("last price not recorded: %+v", got.LastPrice)
	}
	t.Logf("Subscription: pool=%s lastPrice=%s", got.PoolAddress, got.LastPrice)

	if err := repo.Delete(ctx, 42161, poolAddr); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = repo.Get(ctx, 42161, poolAddr)
	if got != nil {
		t.Fatal("subscription must be gone after delete")
	}
}
