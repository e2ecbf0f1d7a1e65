package trigger

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/models"
)

type subscriptionLister interface {
	List(ctx context.Context) ([]models.PoolSubscription, error)
	RecordPrice(ctx context.Context, chainID int64, pool string, price decimal.Decimal, at time.Time) error
}

type poolPriceReader interface {
	ReadPoolPrice(ctx context.Context, pool string) (*big.Int, int32, error)
}

// PollingMonitor is the interval-based detection strategy: every tick it
// reads the current price of each subscribed pool straight from the chain
// and evaluates the monitoring orders against it. Simple, stateless between
// ticks, and entirely independent of the event-driven strategy.
type PollingMonitor struct {
	subs     subscriptionLister
	prices   poolPriceReader
	eval     *Evaluator
	chainID  int64
	interval time.Duration
	log      *logrus.Entry

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewPollingMonitor(
	subs subscriptionLister,
	prices poolPriceReader,
	eval *Evaluator,
	chainID int64,
	interval time.Duration,
	log *logrus.Entry,
) *PollingMonitor {
	return &PollingMonitor{
		subs:     subs,
		prices:   prices,
		eval:     eval,
		chainID:  chainID,
		interval: interval,
		log:      log,
	}
}

func (m *PollingMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("polling monitor already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})

	m.wg.Add(1)
	go m.loop()
	m.log.WithField("interval", m.interval).Info("polling monitor started")
	return nil
}

func (m *PollingMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("polling monitor stopped")
}

func (m *PollingMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *PollingMonitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one full pass. A failing pool is logged and skipped; one broken
// RPC read must not starve the other pools.
func (m *PollingMonitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	subs, err := m.subs.List(ctx)
	if err != nil {
		m.log.WithError(err).Error("list pool subscriptions")
		return
	}

	for i := range subs {
		sub := &subs[i]
		if sub.ChainID != m.chainID {
			continue
		}
		if err := m.checkPool(ctx, sub); err != nil {
			m.log.WithError(err).WithField("pool", sub.PoolAddress).Warn("poll pool failed")
		}
	}
}

func (m *PollingMonitor) checkPool(ctx context.Context, sub *models.PoolSubscription) error {
	sqrtPrice, _, err := m.prices.ReadPoolPrice(ctx, sub.PoolAddress)
	if err != nil {
		return fmt.Errorf("read pool price: %w", err)
	}
	price := QuotePrice(sqrtPrice, PoolMeta{
		Token0Decimals: sub.Token0Decimals,
		Token1Decimals: sub.Token1Decimals,
		QuoteIsToken0:  sub.QuoteIsToken0,
	})
	if price.Sign() <= 0 {
		return fmt.Errorf("pool returned non-positive price")
	}

	if err := m.subs.RecordPrice(ctx, sub.ChainID, sub.PoolAddress, price, time.Now().UTC()); err != nil {
		m.log.WithError(err).WithField("pool", sub.PoolAddress).Warn("record last price")
	}

	m.eval.EvaluatePool(ctx, sub.ChainID, sub.PoolAddress, price, "polling")
	return nil
}
