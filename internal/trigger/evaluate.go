package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/metrics"
	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/notifications"
)

type monitoredOrders interface {
	FindMonitoringForPool(ctx context.Context, chainID int64, pool string) ([]models.CloseOrder, error)
	GetByID(ctx context.Context, id string) (*models.CloseOrder, error)
}

type publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte) error
}

type notifier interface {
	Send(ctx context.Context, ev notifications.OrderEvent)
}

// Evaluator applies the trigger rule for one observed price and publishes a
// trigger message per order whose condition holds. Both detection strategies
// share it, so they cannot drift apart on the comparison rule.
//
// Publishing is deliberately not exactly-once: if two strategies observe the
// same crossing, two messages go out and the execution engine's claim
// transition drops the loser.
type Evaluator struct {
	orders monitoredOrders
	pub    publisher
	notify notifier
	log    *logrus.Entry
}

func NewEvaluator(orders monitoredOrders, pub publisher, notify notifier, log *logrus.Entry) *Evaluator {
	return &Evaluator{orders: orders, pub: pub, notify: notify, log: log}
}

// EvaluatePool checks every monitoring order on the pool against price and
// returns how many triggers were published.
func (e *Evaluator) EvaluatePool(ctx context.Context, chainID int64, pool string, price decimal.Decimal, strategy string) int {
	orders, err := e.orders.FindMonitoringForPool(ctx, chainID, pool)
	if err != nil {
		e.log.WithError(err).WithField("pool", pool).Error("load monitoring orders")
		return 0
	}

	published := 0
	for i := range orders {
		order := &orders[i]
		if !ShouldTrigger(order.TriggerSide, order.TriggerPrice, price) {
			continue
		}

		// Re-read right before publishing: the order may have been cancelled
		// or claimed since the list query.
		fresh, err := e.orders.GetByID(ctx, order.ID)
		if err != nil {
			e.log.WithError(err).WithField("order", order.ID).Error("re-read triggered order")
			continue
		}
		if fresh == nil || fresh.State != models.StateMonitoring {
			continue
		}

		if err := e.publishTrigger(ctx, fresh, price); err != nil {
			e.log.WithError(err).WithField("order", order.ID).Error("publish trigger")
			continue
		}
		metrics.Triggers.WithLabelValues(strategy, string(order.TriggerSide)).Inc()
		e.notify.Send(ctx, notifications.OrderEvent{
			Event:       notifications.EventTriggered,
			OrderID:     fresh.ID,
			PositionID:  fresh.PositionID,
			ChainID:     fresh.ChainID,
			TriggerSide: string(fresh.TriggerSide),
			Price:       price,
		})
		e.log.WithFields(logrus.Fields{
			"order":     order.ID,
			"side":      order.TriggerSide,
			"threshold": order.TriggerPrice.String(),
			"price":     price.String(),
			"strategy":  strategy,
		}).Info("trigger condition met")
		published++
	}
	return published
}

func (e *Evaluator) publishTrigger(ctx context.Context, order *models.CloseOrder, price decimal.Decimal) error {
	body, err := json.Marshal(models.OrderTriggerMessage{
		MessageID:     uuid.NewString(),
		OrderID:       order.ID,
		PositionID:    order.PositionID,
		ChainID:       order.ChainID,
		PoolAddress:   order.PoolAddress,
		TriggerSide:   order.TriggerSide,
		TriggerPrice:  order.TriggerPrice,
		ObservedPrice: price,
		ObservedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, broker.OrdersExchange, broker.KeyOrderTriggered, body)
}
