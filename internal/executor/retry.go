package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/metrics"
	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/notifications"
	"github.com/midcurve/autoclose/internal/trigger"
)

const recheckTimeout = 30 * time.Second

type recheckOrderStore interface {
	GetByID(ctx context.Context, id string) (*models.CloseOrder, error)
	ResetToMonitoring(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	FindRetrying(ctx context.Context) ([]models.CloseOrder, error)
}

type priceReader interface {
	ReadPoolPrice(ctx context.Context, pool string) (*big.Int, int32, error)
}

type triggerPublisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

type eventSink interface {
	Send(ctx context.Context, ev notifications.OrderEvent)
}

// RecheckScheduler owns the delayed re-evaluation of retrying orders. A
// failed attempt does not blindly re-execute: after the delay the trigger
// condition is checked against a fresh price, and only if it still holds is
// a new trigger message published. Timers live in memory; orders whose
// timers are lost to a crash are re-armed by Recover on startup.
type RecheckScheduler struct {
	orders      recheckOrderStore
	positions   positionStore
	prices      priceReader
	pub         triggerPublisher
	notify      eventSink
	delay       time.Duration
	maxAttempts int
	log         *logrus.Entry

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewRecheckScheduler(
	orders recheckOrderStore,
	positions positionStore,
	prices priceReader,
	pub triggerPublisher,
	notify eventSink,
	delay time.Duration,
	maxAttempts int,
	log *logrus.Entry,
) *RecheckScheduler {
	return &RecheckScheduler{
		orders:      orders,
		positions:   positions,
		prices:      prices,
		pub:         pub,
		notify:      notify,
		delay:       delay,
		maxAttempts: maxAttempts,
		log:         log,
		timers:      make(map[string]*time.Timer),
	}
}

// Schedule arms (or re-arms) the recheck timer for an order.
func (s *RecheckScheduler) Schedule(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if t, ok := s.timers[orderID]; ok {
		t.Stop()
	}
	s.timers[orderID] = time.AfterFunc(s.delay, func() {
		s.recheck(orderID)
	})
}

// Cancel drops a pending recheck, e.g. when the order was cancelled.
func (s *RecheckScheduler) Cancel(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[orderID]; ok {
		t.Stop()
		delete(s.timers, orderID)
	}
}

// Recover re-arms rechecks for every order stranded in retrying by a prior
// crash. Must run before trigger consumption starts, so stranded orders
// resolve even if their price never moves again.
func (s *RecheckScheduler) Recover(ctx context.Context) error {
	stranded, err := s.orders.FindRetrying(ctx)
	if err != nil {
		return fmt.Errorf("find retrying orders: %w", err)
	}
	for i := range stranded {
		s.Schedule(stranded[i].ID)
	}
	if len(stranded) > 0 {
		s.log.WithField("count", len(stranded)).Info("re-armed rechecks for stranded retrying orders")
	}
	return nil
}

// Stop cancels all pending timers. Rechecks that already fired run out.
func (s *RecheckScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *RecheckScheduler) recheck(orderID string) {
	s.mu.Lock()
	delete(s.timers, orderID)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), recheckTimeout)
	defer cancel()
	log := s.log.WithField("order", orderID)

	order, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		log.WithError(err).Warn("recheck load failed, re-arming")
		s.Schedule(orderID)
		return
	}
	if order == nil || order.State != models.StateRetrying {
		return // resolved by someone else in the meantime
	}

	price, err := s.observePrice(ctx, order)
	if err != nil {
		log.WithError(err).Warn("recheck price read failed, re-arming")
		s.Schedule(orderID)
		return
	}

	if !trigger.ShouldTrigger(order.TriggerSide, order.TriggerPrice, price) {
		// Price moved back out of the trigger zone; the failed attempts no
		// longer count against a future, genuinely new trigger.
		if err := s.orders.ResetToMonitoring(ctx, orderID); err != nil {
			log.WithError(err).Error("reset to monitoring failed")
			s.Schedule(orderID)
			return
		}
		metrics.Rechecks.WithLabelValues("reset").Inc()
		log.WithField("price", price.String()).Info("price recovered, order back to monitoring")
		return
	}

	if order.Attempts >= s.maxAttempts {
		// Can happen when the attempt limit was lowered between restarts.
		reason := fmt.Sprintf("execution attempts exhausted (%d)", order.Attempts)
		if err := s.orders.MarkFailed(ctx, orderID, reason); err != nil {
			log.WithError(err).Error("mark failed after exhausted attempts")
			s.Schedule(orderID)
			return
		}
		metrics.Rechecks.WithLabelValues("failed").Inc()
		s.notify.Send(ctx, notifications.OrderEvent{
			Event:       notifications.EventFailed,
			OrderID:     order.ID,
			PositionID:  order.PositionID,
			ChainID:     order.ChainID,
			TriggerSide: string(order.TriggerSide),
			Attempts:    order.Attempts,
			Reason:      reason,
		})
		log.Warn(reason)
		return
	}

	msg := models.OrderTriggerMessage{
		MessageID:     uuid.NewString(),
		OrderID:       order.ID,
		PositionID:    order.PositionID,
		ChainID:       order.ChainID,
		PoolAddress:   order.PoolAddress,
		TriggerSide:   order.TriggerSide,
		TriggerPrice:  order.TriggerPrice,
		ObservedPrice: price,
		ObservedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("marshal recheck trigger")
		return
	}
	if err := s.pub.Publish(ctx, broker.OrdersExchange, broker.KeyOrderTriggered, body); err != nil {
		log.WithError(err).Warn("republish trigger failed, re-arming")
		s.Schedule(orderID)
		return
	}
	metrics.Rechecks.WithLabelValues("republished").Inc()
	log.WithFields(logrus.Fields{
		"price":    price.String(),
		"attempts": order.Attempts,
	}).Info("condition still holds, trigger republished")
}

func (s *RecheckScheduler) observePrice(ctx context.Context, order *models.CloseOrder) (price decimal.Decimal, err error) {
	pos, err := s.positions.GetByID(ctx, order.PositionID)
	if err != nil {
		return decimal.Zero, err
	}
	if pos == nil {
		return decimal.Zero, fmt.Errorf("position %s not found", order.PositionID)
	}
	sqrtPrice, _, err := s.prices.ReadPoolPrice(ctx, order.PoolAddress)
	if err != nil {
		return decimal.Zero, err
	}
	return trigger.QuotePrice(sqrtPrice, trigger.PoolMeta{
		Token0Decimals: pos.Token0Decimals,
		Token1Decimals: pos.Token1Decimals,
		QuoteIsToken0:  pos.QuoteIsToken0,
	}), nil
}
