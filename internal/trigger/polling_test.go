package trigger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/models"
)

type fakeSubLister struct {
	mu       sync.Mutex
	subs     []models.PoolSubscription
	recorded []decimal.Decimal
}

func (f *fakeSubLister) List(ctx context.Context) ([]models.PoolSubscription, error) {
	return f.subs, nil
}

func (f *fakeSubLister) RecordPrice(ctx context.Context, chainID int64, pool string, price decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, price)
	return nil
}

type fixedPrices struct {
	sqrtPrice *big.Int
}

func (f *fixedPrices) ReadPoolPrice(ctx context.Context, pool string) (*big.Int, int32, error) {
	return f.sqrtPrice, 0, nil
}

func TestSweepTriggersOrdersBelowThreshold(t *testing.T) {
	stopLoss := monitoringOrder("sl", "lower", "1000")
	orders := &fakeOrderSource{
		monitored: []models.CloseOrder{stopLoss},
		fresh:     map[string]*models.CloseOrder{"sl": &stopLoss},
	}
	subs := &fakeSubLister{subs: []models.PoolSubscription{{
		ChainID:        42161,
		PoolAddress:    "0xpool",
		Token0Decimals: 18,
		Token1Decimals: 18,
	}}}
	pub := &capturePublisher{}
	eval := NewEvaluator(orders, pub, &captureNotifier{}, quietLog())

	m := NewPollingMonitor(subs, &fixedPrices{sqrtPrice: sqrtX96(950)}, eval, 42161, time.Second, quietLog())
	m.sweep()

	if pub.count() != 1 {
		t.Fatalf("want one trigger published, got %d", pub.count())
	}
	if len(subs.recorded) != 1 {
		t.Fatalf("sweep must record the observed price, got %d", len(subs.recorded))
	}
}

func TestSweepSkipsForeignChains(t *testing.T) {
	stopLoss := monitoringOrder("sl", "lower", "1000")
	orders := &fakeOrderSource{
		monitored: []models.CloseOrder{stopLoss},
		fresh:     map[string]*models.CloseOrder{"sl": &stopLoss},
	}
	subs := &fakeSubLister{subs: []models.PoolSubscription{{
		ChainID:        1, // not this worker's chain
		PoolAddress:    "0xpool",
		Token0Decimals: 18,
		Token1Decimals: 18,
	}}}
	pub := &capturePublisher{}
	m := NewPollingMonitor(subs, &fixedPrices{sqrtPrice: sqrtX96(900)}, NewEvaluator(orders, pub, &captureNotifier{}, quietLog()), 42161, time.Second, quietLog())
	m.sweep()

	if pub.count() != 0 || len(subs.recorded) != 0 {
		t.Fatalf("foreign-chain subscription must be skipped, published=%d recorded=%d", pub.count(), len(subs.recorded))
	}
}

func TestPollingMonitorStartStop(t *testing.T) {
	subs := &fakeSubLister{}
	m := NewPollingMonitor(subs, &fixedPrices{sqrtPrice: sqrtX96(1)}, NewEvaluator(&fakeOrderSource{}, &capturePublisher{}, &captureNotifier{}, quietLog()), 42161, 10*time.Millisecond, quietLog())

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(); err == nil {
		t.Fatal("double start must fail")
	}
	if !m.Running() {
		t.Fatal("monitor should report running")
	}
	m.Stop()
	if m.Running() {
		t.Fatal("monitor should report stopped")
	}
	m.Stop() // idempotent
}
