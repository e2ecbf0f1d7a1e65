package trigger

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/candle"
	"github.com/midcurve/autoclose/internal/chain"
	"github.com/midcurve/autoclose/internal/models"
)

type fakeStream struct {
	mu      sync.Mutex
	pools   []string
	started bool
}

func (f *fakeStream) Start() error { f.started = true; return nil }
func (f *fakeStream) Stop()        { f.started = false }
func (f *fakeStream) Running() bool {
	return f.started
}
func (f *fakeStream) SetPools(pools []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pools = append([]string(nil), pools...)
	return nil
}

type fakeDecoder struct {
	obs *chain.SwapObservation
}

func (f *fakeDecoder) DecodeSwapLog(data []byte) (*chain.SwapObservation, error) {
	return f.obs, nil
}

type fakeActiveOrders struct {
	fakeOrderSource
	pools []models.PoolKey
}

func (f *fakeActiveOrders) GetPoolsWithActiveOrders(ctx context.Context) ([]models.PoolKey, error) {
	return f.pools, nil
}

type fakePositionReader struct {
	pos *models.Position
}

func (f *fakePositionReader) GetByID(ctx context.Context, id string) (*models.Position, error) {
	return f.pos, nil
}

type fakeSubStore struct {
	mu       sync.Mutex
	upserts  int
	deletes  int
	recorded int
}

func (f *fakeSubStore) List(ctx context.Context) ([]models.PoolSubscription, error) {
	return nil, nil
}

func (f *fakeSubStore) Upsert(ctx context.Context, s *models.PoolSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	return nil
}

func (f *fakeSubStore) Delete(ctx context.Context, chainID int64, pool string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return nil
}

func (f *fakeSubStore) RecordPrice(ctx context.Context, chainID int64, pool string, price decimal.Decimal, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded++
	return nil
}

type fakePoolPrices struct {
	sqrtPrice *big.Int
}

func (f *fakePoolPrices) ReadPoolPrice(ctx context.Context, pool string) (*big.Int, int32, error) {
	return f.sqrtPrice, 0, nil
}

func newTestMonitor(orders *fakeActiveOrders, subs *fakeSubStore, prices *fakePoolPrices, pub *capturePublisher, stream *fakeStream, decoder *fakeDecoder) *EventMonitor {
	pos := &fakePositionReader{pos: &models.Position{
		ID:             "pos-sl",
		ChainID:        42161,
		TokenID:        "7",
		Token0Decimals: 18,
		Token1Decimals: 18,
	}}
	eval := NewEvaluator(orders, pub, &captureNotifier{}, quietLog())
	return NewEventMonitor(stream, decoder, orders, pos, subs, prices, eval, pub,
		42161, time.Minute, time.Minute, quietLog())
}

func seedPool(m *EventMonitor, pool string, price string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pools[pool] = &poolState{
		builder: candle.New(42161, pool, time.Minute, dec(price), at),
		meta:    PoolMeta{Token0Decimals: 18, Token1Decimals: 18},
	}
}

func TestHandleSwapLogFoldsIntoCandle(t *testing.T) {
	subs := &fakeSubStore{}
	pub := &capturePublisher{}
	decoder := &fakeDecoder{obs: &chain.SwapObservation{
		Amount0:      big.NewInt(-1e18),
		Amount1:      big.NewInt(950e10),
		SqrtPriceX96: sqrtX96(950),
	}}
	m := newTestMonitor(&fakeActiveOrders{}, subs, &fakePoolPrices{}, pub, &fakeStream{}, decoder)
	seedPool(m, "0xpool", "1000", time.Now())

	m.HandleSwapLog("0xPOOL", []byte{0x01})

	m.mu.Lock()
	st := m.pools["0xpool"]
	trades := st.builder.TradeCount
	last := st.builder.Close
	m.mu.Unlock()

	if trades != 1 {
		t.Fatalf("want one trade folded in, got %d", trades)
	}
	if last.Sub(dec("950")).Abs().GreaterThan(dec("0.01")) {
		t.Fatalf("close: got %s, want ~950", last)
	}
	if subs.recorded != 1 {
		t.Fatalf("swap must record last price, recorded=%d", subs.recorded)
	}
}

func TestHandleSwapLogIgnoresUnknownPool(t *testing.T) {
	subs := &fakeSubStore{}
	decoder := &fakeDecoder{obs: &chain.SwapObservation{SqrtPriceX96: sqrtX96(950)}}
	m := newTestMonitor(&fakeActiveOrders{}, subs, &fakePoolPrices{}, &capturePublisher{}, &fakeStream{}, decoder)

	m.HandleSwapLog("0xunknown", []byte{0x01})

	if subs.recorded != 0 {
		t.Fatalf("unknown pool must be ignored, recorded=%d", subs.recorded)
	}
}

func TestRollEmitsCandleAndEvaluatesClose(t *testing.T) {
	stopLoss := monitoringOrder("sl", "lower", "1000")
	orders := &fakeActiveOrders{fakeOrderSource: fakeOrderSource{
		monitored: []models.CloseOrder{stopLoss},
		fresh:     map[string]*models.CloseOrder{"sl": &stopLoss},
	}}
	pub := &capturePublisher{}
	m := newTestMonitor(orders, &fakeSubStore{}, &fakePoolPrices{}, pub, &fakeStream{}, &fakeDecoder{})

	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	seedPool(m, "0xpool", "1010", start)

	// One swap below the stop-loss lands in the bucket, then the timer
	// crosses the boundary.
	m.mu.Lock()
	st := m.pools["0xpool"]
	st.builder, _ = st.builder.Apply(candle.Event{Price: dec("990"), At: start.Add(10 * time.Second)})
	m.mu.Unlock()

	m.rollAll(start.Add(time.Minute))

	var candleMsgs, triggerMsgs int
	var closed models.OhlcCandle
	pub.mu.Lock()
	for _, msg := range pub.messages {
		switch msg.exchange {
		case broker.CandlesExchange:
			candleMsgs++
			if err := json.Unmarshal(msg.body, &closed); err != nil {
				pub.mu.Unlock()
				t.Fatalf("unmarshal candle: %v", err)
			}
		case broker.OrdersExchange:
			triggerMsgs++
		}
	}
	pub.mu.Unlock()

	if candleMsgs != 1 {
		t.Fatalf("want one finalized candle published, got %d", candleMsgs)
	}
	if !closed.Open.Equal(dec("1010")) || !closed.Close.Equal(dec("990")) {
		t.Fatalf("candle open/close: got %s/%s, want 1010/990", closed.Open, closed.Close)
	}
	if triggerMsgs != 1 {
		t.Fatalf("candle close below stop-loss must trigger, got %d messages", triggerMsgs)
	}
}

func TestRollStaysQuietOnIdleBucket(t *testing.T) {
	pub := &capturePublisher{}
	m := newTestMonitor(&fakeActiveOrders{}, &fakeSubStore{}, &fakePoolPrices{}, pub, &fakeStream{}, &fakeDecoder{})

	start := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	seedPool(m, "0xpool", "1000", start)
	m.rollAll(start.Add(time.Minute))

	if pub.count() != 0 {
		t.Fatalf("idle bucket must emit nothing, got %d messages", pub.count())
	}
}

func TestRollTimerAlignsToBucketBoundary(t *testing.T) {
	bucket := time.Minute
	midBucket := time.Date(2026, 8, 28, 12, 0, 23, 500_000_000, time.UTC)

	wait := untilNextBoundary(midBucket, bucket)
	if got := midBucket.Add(wait); !got.Equal(time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC)) {
		t.Fatalf("mid-bucket start must land on the boundary, got %s", got)
	}

	// Starting exactly on a boundary waits a full bucket, never zero.
	onBoundary := time.Date(2026, 8, 28, 12, 1, 0, 0, time.UTC)
	if wait := untilNextBoundary(onBoundary, bucket); wait != bucket {
		t.Fatalf("boundary start must wait one full bucket, got %s", wait)
	}
}

func TestReconcileAddsAndRemovesPools(t *testing.T) {
	stopLoss := monitoringOrder("sl", "lower", "1000")
	orders := &fakeActiveOrders{
		fakeOrderSource: fakeOrderSource{
			monitored: []models.CloseOrder{stopLoss},
			fresh:     map[string]*models.CloseOrder{"sl": &stopLoss},
		},
		pools: []models.PoolKey{{ChainID: 42161, PoolAddress: "0xPool"}},
	}
	subs := &fakeSubStore{}
	stream := &fakeStream{}
	m := newTestMonitor(orders, subs, &fakePoolPrices{sqrtPrice: sqrtX96(1500)}, &capturePublisher{}, stream, &fakeDecoder{})

	if err := m.reconcilePools(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	m.mu.Lock()
	_, watched := m.pools["0xpool"]
	m.mu.Unlock()
	if !watched {
		t.Fatal("pool with active orders must be watched")
	}
	if subs.upserts != 1 {
		t.Fatalf("want subscription upserted, got %d", subs.upserts)
	}
	if len(stream.pools) != 1 {
		t.Fatalf("stream filter must carry the pool, got %v", stream.pools)
	}

	// Orders resolved: the pool disappears from the active set.
	orders.pools = nil
	if err := m.reconcilePools(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	m.mu.Lock()
	remaining := len(m.pools)
	m.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("orphaned pool must be dropped, %d remain", remaining)
	}
	if subs.deletes != 1 {
		t.Fatalf("want subscription deleted, got %d", subs.deletes)
	}
	if len(stream.pools) != 0 {
		t.Fatalf("stream filter must be cleared, got %v", stream.pools)
	}
}
