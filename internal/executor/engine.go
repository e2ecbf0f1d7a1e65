package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/broker"
	"github.com/midcurve/autoclose/internal/metrics"
	"github.com/midcurve/autoclose/internal/models"
	"github.com/midcurve/autoclose/internal/notifications"
)

type orderStore interface {
	GetByID(ctx context.Context, id string) (*models.CloseOrder, error)
	TransitionToExecuting(ctx context.Context, id string) (bool, error)
	TransitionToRetrying(ctx context.Context, id, lastError string) error
	MarkExecuted(ctx context.Context, id, txHash string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	CountActiveForPool(ctx context.Context, chainID int64, pool string) (int, error)
}

type subscriptionCleaner interface {
	Delete(ctx context.Context, chainID int64, pool string) error
}

type attemptRunner interface {
	Execute(ctx context.Context, order *models.CloseOrder) (string, error)
}

type consumerBroker interface {
	Consume(ctx context.Context, queue string, prefetch int, handler broker.Handler) (string, error)
	CancelConsumer(tag string) error
}

// Engine consumes trigger messages off the execution queue with a pool of
// competing consumers, each prefetching a single message. Correctness does
// not rest on the queue: the database state transition is the sole gate
// against double execution, so duplicate or replayed messages are harmless.
type Engine struct {
	broker      consumerBroker
	orders      orderStore
	subs        subscriptionCleaner
	pipeline    attemptRunner
	rechecks    *RecheckScheduler
	notify      *notifications.Sender
	poolSize    int
	maxAttempts int
	log         *logrus.Entry

	tags []string
}

func NewEngine(
	b consumerBroker,
	orders orderStore,
	subs subscriptionCleaner,
	pipeline attemptRunner,
	rechecks *RecheckScheduler,
	notify *notifications.Sender,
	poolSize, maxAttempts int,
	log *logrus.Entry,
) *Engine {
	return &Engine{
		broker:      b,
		orders:      orders,
		subs:        subs,
		pipeline:    pipeline,
		rechecks:    rechecks,
		notify:      notify,
		poolSize:    poolSize,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Start recovers orphaned retrying orders, then brings up the consumer pool.
// Recovery runs first so stranded orders resolve even if the queue is empty.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.rechecks.Recover(ctx); err != nil {
		return fmt.Errorf("crash recovery sweep: %w", err)
	}

	for i := 0; i < e.poolSize; i++ {
		tag, err := e.broker.Consume(ctx, broker.QueueOrderExecution, 1, e.handleDelivery)
		if err != nil {
			e.Stop()
			return fmt.Errorf("start consumer %d: %w", i, err)
		}
		e.tags = append(e.tags, tag)
	}
	e.log.WithField("consumers", e.poolSize).Info("execution engine started")
	return nil
}

// Stop cancels the consumers and pending rechecks. An execution already in
// flight finishes and acks its delivery.
func (e *Engine) Stop() {
	for _, tag := range e.tags {
		if err := e.broker.CancelConsumer(tag); err != nil {
			e.log.WithError(err).WithField("tag", tag).Warn("cancel consumer")
		}
	}
	e.tags = nil
	e.rechecks.Stop()
	e.log.Info("execution engine stopped")
}

func (e *Engine) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var msg models.OrderTriggerMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.OrderID == "" {
		// Malformed messages are dropped, not requeued: they would fail
		// identically forever.
		e.log.WithError(err).Warn("rejecting malformed trigger message")
		metrics.Executions.WithLabelValues("rejected").Inc()
		_ = d.Nack(false, false)
		return
	}

	log := e.log.WithFields(logrus.Fields{
		"order":   msg.OrderID,
		"message": msg.MessageID,
	})

	won, err := e.orders.TransitionToExecuting(ctx, msg.OrderID)
	if err != nil {
		// Database unavailable is an infrastructure fault; requeue so the
		// message survives until the store is back.
		log.WithError(err).Error("claim transition failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	if !won {
		// Already claimed, already terminal, or cancelled — the message is
		// stale and the order's current owner is responsible for it.
		metrics.Executions.WithLabelValues("stale").Inc()
		log.Debug("stale trigger message dropped")
		_ = d.Ack(false)
		return
	}

	order, err := e.orders.GetByID(ctx, msg.OrderID)
	if err != nil || order == nil {
		// Claimed but unreadable: park it for the recheck path rather than
		// leaving it stuck in executing.
		log.WithError(err).Error("load claimed order failed")
		if terr := e.orders.TransitionToRetrying(ctx, msg.OrderID, "order load failed after claim"); terr != nil {
			log.WithError(terr).Error("park claimed order failed")
		} else {
			e.rechecks.Schedule(msg.OrderID)
		}
		_ = d.Ack(false)
		return
	}

	e.notify.Send(ctx, notifications.OrderEvent{
		Event:       notifications.EventExecuting,
		OrderID:     order.ID,
		PositionID:  order.PositionID,
		ChainID:     order.ChainID,
		TriggerSide: string(order.TriggerSide),
		Price:       msg.ObservedPrice,
		Attempts:    order.Attempts,
	})

	txHash, execErr := e.pipeline.Execute(ctx, order)
	if execErr == nil {
		e.finishExecuted(ctx, order, txHash, log)
	} else {
		e.finishFailed(ctx, order, execErr, log)
	}
	_ = d.Ack(false)
}

func (e *Engine) finishExecuted(ctx context.Context, order *models.CloseOrder, txHash string, log *logrus.Entry) {
	if err := e.orders.MarkExecuted(ctx, order.ID, txHash); err != nil {
		log.WithError(err).Error("mark executed failed")
		return
	}
	metrics.Executions.WithLabelValues("executed").Inc()
	log.WithField("tx", txHash).Info("order executed")

	e.notify.Send(ctx, notifications.OrderEvent{
		Event:       notifications.EventExecuted,
		OrderID:     order.ID,
		PositionID:  order.PositionID,
		ChainID:     order.ChainID,
		TriggerSide: string(order.TriggerSide),
		TxHash:      txHash,
	})

	// Drop the pool subscription when this was the last active order on it.
	n, err := e.orders.CountActiveForPool(ctx, order.ChainID, order.PoolAddress)
	if err != nil {
		log.WithError(err).Warn("count active orders for pool")
		return
	}
	if n == 0 {
		if err := e.subs.Delete(ctx, order.ChainID, order.PoolAddress); err != nil {
			log.WithError(err).Warn("delete pool subscription")
		}
	}
}

func (e *Engine) finishFailed(ctx context.Context, order *models.CloseOrder, execErr error, log *logrus.Entry) {
	var stage *StageError
	isStage := errors.As(execErr, &stage)
	retry := isStage && stage.Retryable && order.Attempts < e.maxAttempts

	if !retry {
		if err := e.orders.MarkFailed(ctx, order.ID, execErr.Error()); err != nil {
			log.WithError(err).Error("mark failed failed")
			return
		}
		metrics.Executions.WithLabelValues("failed").Inc()
		log.WithError(execErr).WithField("attempts", order.Attempts).Warn("order failed")

		e.notify.Send(ctx, notifications.OrderEvent{
			Event:       notifications.EventFailed,
			OrderID:     order.ID,
			PositionID:  order.PositionID,
			ChainID:     order.ChainID,
			TriggerSide: string(order.TriggerSide),
			Attempts:    order.Attempts,
			Reason:      execErr.Error(),
		})
		return
	}

	if err := e.orders.TransitionToRetrying(ctx, order.ID, execErr.Error()); err != nil {
		log.WithError(err).Error("transition to retrying failed")
		return
	}
	e.rechecks.Schedule(order.ID)
	metrics.Executions.WithLabelValues("retrying").Inc()
	log.WithError(execErr).WithField("attempts", order.Attempts).Info("attempt failed, recheck scheduled")

	e.notify.Send(ctx, notifications.OrderEvent{
		Event:       notifications.EventRetryScheduled,
		OrderID:     order.ID,
		PositionID:  order.PositionID,
		ChainID:     order.ChainID,
		TriggerSide: string(order.TriggerSide),
		Attempts:    order.Attempts,
		Reason:      execErr.Error(),
	})
}
