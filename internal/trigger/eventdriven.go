package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/candle"
	"github.com/midcurve/autoclose/internal/chain"
	"github.com/midcurve/autoclose/internal/metrics"
	"github.com/midcurve/autoclose/internal/models"
)

const reconcileTimeout = 60 * time.Second

type swapDecoder interface {
	DecodeSwapLog(data []byte) (*chain.SwapObservation, error)
}

type activeOrderSource interface {
	GetPoolsWithActiveOrders(ctx context.Context) ([]models.PoolKey, error)
	FindMonitoringForPool(ctx context.Context, chainID int64, pool string) ([]models.CloseOrder, error)
}

type positionReader interface {
	GetByID(ctx context.Context, id string) (*models.Position, error)
}

type subscriptionSyncStore interface {
	List(ctx context.Context) ([]models.PoolSubscription, error)
	Upsert(ctx context.Context, s *models.PoolSubscription) error
	Delete(ctx context.Context, chainID int64, pool string) error
	RecordPrice(ctx context.Context, chainID int64, pool string, price decimal.Decimal, at time.Time) error
}

type logStream interface {
	Start() error
	Stop()
	Running() bool
	SetPools(pools []string) error
}

// poolState is the per-pool tracking the monitor keeps in memory: the candle
// under construction and how to humanize raw prices for it.
type poolState struct {
	builder candle.Builder
	meta    PoolMeta
}

// EventMonitor is the low-latency detection strategy. It folds live Swap
// logs into one-minute candles per pool and evaluates trigger conditions on
// every finalized candle's close. A periodic reconciliation keeps the
// watched pool set aligned with pools that actually have active orders,
// which also heals subscriptions missed while the worker was down.
type EventMonitor struct {
	stream    logStream
	decoder   swapDecoder
	orders    activeOrderSource
	positions positionReader
	subs      subscriptionSyncStore
	prices    poolPriceReader
	eval      *Evaluator
	pub       publisher
	chainID   int64
	bucket    time.Duration
	reconcile time.Duration
	log       *logrus.Entry

	mu    sync.Mutex
	pools map[string]*poolState

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewEventMonitor(
	stream logStream,
	decoder swapDecoder,
	orders activeOrderSource,
	positions positionReader,
	subs subscriptionSyncStore,
	prices poolPriceReader,
	eval *Evaluator,
	pub publisher,
	chainID int64,
	bucket time.Duration,
	reconcileEvery time.Duration,
	log *logrus.Entry,
) *EventMonitor {
	if bucket <= 0 {
		bucket = candle.DefaultBucket
	}
	return &EventMonitor{
		stream:    stream,
		decoder:   decoder,
		orders:    orders,
		positions: positions,
		subs:      subs,
		prices:    prices,
		eval:      eval,
		pub:       pub,
		chainID:   chainID,
		bucket:    bucket,
		reconcile: reconcileEvery,
		log:       log,
		pools:     make(map[string]*poolState),
	}
}

// Start syncs the watched pool set, opens the log stream and arms the roll
// and reconcile tickers. The startup reconciliation doubles as recovery:
// orders created while the worker was down get their pools watched here.
func (m *EventMonitor) Start() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return fmt.Errorf("event monitor already running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	err := m.reconcilePools(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("initial pool sync: %w", err)
	}

	if err := m.stream.Start(); err != nil {
		return fmt.Errorf("start log stream: %w", err)
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(2)
	go m.rollLoop()
	go m.reconcileLoop()

	m.log.WithFields(logrus.Fields{
		"pools":  len(m.pools),
		"bucket": m.bucket,
	}).Info("event monitor started")
	return nil
}

// Stop closes the stream, stops the tickers and flushes every in-progress
// candle so observed trades are not silently dropped.
func (m *EventMonitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.stream.Stop()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for pool, st := range m.pools {
		if st.builder.HasData {
			c := st.builder.Finalize()
			m.emitCandle(pool, &c)
		}
	}
	m.log.Info("event monitor stopped")
}

func (m *EventMonitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running && m.stream.Running()
}

// HandleSwapLog is the stream callback: decode the swap, fold it into the
// pool's candle, and act on any candle the event closed.
func (m *EventMonitor) HandleSwapLog(pool string, data []byte) {
	obs, err := m.decoder.DecodeSwapLog(data)
	if err != nil {
		m.log.WithError(err).WithField("pool", pool).Warn("undecodable swap log")
		return
	}

	key := strings.ToLower(pool)
	m.mu.Lock()
	st, ok := m.pools[key]
	if !ok {
		m.mu.Unlock()
		return // pool dropped between log emission and delivery
	}

	price := QuotePrice(obs.SqrtPriceX96, st.meta)
	if price.Sign() <= 0 {
		m.mu.Unlock()
		m.log.WithField("pool", pool).Warn("swap log produced non-positive price")
		return
	}

	now := time.Now().UTC()
	builder, closed := st.builder.Apply(candle.Event{
		Price:   price,
		Volume0: decimal.NewFromBigInt(obs.Amount0, -int32(st.meta.Token0Decimals)),
		Volume1: decimal.NewFromBigInt(obs.Amount1, -int32(st.meta.Token1Decimals)),
		At:      now,
	})
	st.builder = builder
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := m.subs.RecordPrice(ctx, m.chainID, key, price, now); err != nil {
		m.log.WithError(err).WithField("pool", pool).Warn("record last price")
	}
	if closed != nil {
		m.emitCandle(key, closed)
	}
}

// rollLoop closes buckets by time for pools the market went quiet on, so a
// candle never stays open past its boundary just because no swap arrived.
// The first tick is aligned to the next bucket boundary; a ticker armed at
// an arbitrary start phase would close quiet candles up to a full bucket
// late.
func (m *EventMonitor) rollLoop() {
	defer m.wg.Done()

	align := time.NewTimer(untilNextBoundary(time.Now().UTC(), m.bucket))
	defer align.Stop()
	select {
	case <-m.stopCh:
		return
	case now := <-align.C:
		m.rollAll(now)
	}

	ticker := time.NewTicker(m.bucket)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-ticker.C:
			m.rollAll(now)
		}
	}
}

// untilNextBoundary returns the wait from now to the next multiple of bucket.
func untilNextBoundary(now time.Time, bucket time.Duration) time.Duration {
	return now.Truncate(bucket).Add(bucket).Sub(now)
}

func (m *EventMonitor) rollAll(now time.Time) {
	type closedCandle struct {
		pool string
		c    *models.OhlcCandle
	}
	var out []closedCandle

	m.mu.Lock()
	for pool, st := range m.pools {
		builder, closed := st.builder.Roll(now)
		st.builder = builder
		if closed != nil {
			out = append(out, closedCandle{pool: pool, c: closed})
		}
	}
	m.mu.Unlock()

	for _, cc := range out {
		m.emitCandle(cc.pool, cc.c)
	}
}

// emitCandle publishes the finalized candle for downstream consumers and
// evaluates trigger conditions against its close.
func (m *EventMonitor) emitCandle(pool string, c *models.OhlcCandle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.Candles.Inc()
	body, err := json.Marshal(c)
	if err != nil {
		m.log.WithError(err).Error("marshal candle")
	} else if err := m.pub.Publish(ctx, broker.CandlesExchange, broker.KeyCandle1m, body); err != nil {
		m.log.WithError(err).WithField("pool", pool).Warn("publish candle")
	}

	m.eval.EvaluatePool(ctx, c.ChainID, c.PoolAddress, c.Close, "events")
}

func (m *EventMonitor) reconcileLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.reconcile)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
			if err := m.reconcilePools(ctx); err != nil {
				m.log.WithError(err).Error("pool reconciliation failed")
			}
			cancel()
		}
	}
}

// reconcilePools diffs pools-with-active-orders against the watched set:
// missing pools are subscribed (metadata sourced from the first order's
// position), orphaned pools are unsubscribed with their partial candle
// flushed, and the stream filter is updated when anything changed.
func (m *EventMonitor) reconcilePools(ctx context.Context) error {
	keys, err := m.orders.GetPoolsWithActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("pools with active orders: %w", err)
	}
	want := make(map[string]bool)
	for _, k := range keys {
		if k.ChainID == m.chainID {
			want[strings.ToLower(k.PoolAddress)] = true
		}
	}

	var added, removed int
	for pool := range want {
		m.mu.Lock()
		_, known := m.pools[pool]
		m.mu.Unlock()
		if known {
			continue
		}
		if err := m.watchPool(ctx, pool); err != nil {
			m.log.WithError(err).WithField("pool", pool).Error("subscribe pool")
			continue
		}
		added++
	}

	m.mu.Lock()
	var orphans []string
	for pool := range m.pools {
		if !want[pool] {
			orphans = append(orphans, pool)
		}
	}
	m.mu.Unlock()

	for _, pool := range orphans {
		m.unwatchPool(ctx, pool)
		removed++
	}

	if added > 0 || removed > 0 {
		m.log.WithFields(logrus.Fields{"added": added, "removed": removed}).Info("pool set reconciled")
		return m.pushPoolSet()
	}
	return nil
}

// watchPool installs a subscription record and an in-memory builder seeded
// from the pool's current price.
func (m *EventMonitor) watchPool(ctx context.Context, pool string) error {
	orders, err := m.orders.FindMonitoringForPool(ctx, m.chainID, pool)
	if err != nil {
		return fmt.Errorf("orders for pool: %w", err)
	}
	if len(orders) == 0 {
		return fmt.Errorf("no monitoring orders resolve pool metadata")
	}
	pos, err := m.positions.GetByID(ctx, orders[0].PositionID)
	if err != nil {
		return fmt.Errorf("load position %s: %w", orders[0].PositionID, err)
	}
	if pos == nil {
		return fmt.Errorf("position %s not found", orders[0].PositionID)
	}

	meta := PoolMeta{
		Token0Decimals: pos.Token0Decimals,
		Token1Decimals: pos.Token1Decimals,
		QuoteIsToken0:  pos.QuoteIsToken0,
	}
	sqrtPrice, _, err := m.prices.ReadPoolPrice(ctx, pool)
	if err != nil {
		return fmt.Errorf("seed price: %w", err)
	}
	price := QuotePrice(sqrtPrice, meta)
	if price.Sign() <= 0 {
		return fmt.Errorf("pool returned non-positive seed price")
	}

	if err := m.subs.Upsert(ctx, &models.PoolSubscription{
		ChainID:        m.chainID,
		PoolAddress:    pool,
		Token0Decimals: pos.Token0Decimals,
		Token1Decimals: pos.Token1Decimals,
		QuoteIsToken0:  pos.QuoteIsToken0,
	}); err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}

	m.mu.Lock()
	m.pools[pool] = &poolState{
		builder: candle.New(m.chainID, pool, m.bucket, price, time.Now()),
		meta:    meta,
	}
	m.mu.Unlock()
	return nil
}

func (m *EventMonitor) unwatchPool(ctx context.Context, pool string) {
	m.mu.Lock()
	st, ok := m.pools[pool]
	delete(m.pools, pool)
	m.mu.Unlock()

	if ok && st.builder.HasData {
		c := st.builder.Finalize()
		m.emitCandle(pool, &c)
	}
	if err := m.subs.Delete(ctx, m.chainID, pool); err != nil {
		m.log.WithError(err).WithField("pool", pool).Warn("delete subscription")
	}
}

func (m *EventMonitor) pushPoolSet() error {
	m.mu.Lock()
	pools := make([]string, 0, len(m.pools))
	for pool := range m.pools {
		pools = append(pools, pool)
	}
	m.mu.Unlock()
	return m.stream.SetPools(pools)
}
