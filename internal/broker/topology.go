package broker

import amqp "github.com/rabbitmq/amqp091-go"

// Fixed topology: one exchange and routing key per logical event type, one
// durable queue per consumer group. Declarations are declare-if-missing and
// never destructive, so re-running them on every (re)connect is safe.
const (
	OrdersExchange  = "autoclose.orders"
	CandlesExchange = "autoclose.candles"

	KeyOrderTriggered = "order.triggered"
	KeyCandle1m       = "candle.1m"

	QueueOrderExecution = "autoclose.order-execution"
	QueueCandles1m      = "autoclose.candles-1m"
)

func declareTopology(ch *amqp.Channel) error {
	exchanges := []struct {
		name, kind string
	}{
		{OrdersExchange, "direct"},
		{CandlesExchange, "topic"}, // analytics consumers bind wildcards per timeframe
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return err
		}
	}

	bindings := []struct {
		queue, key, exchange string
	}{
		{QueueOrderExecution, KeyOrderTriggered, OrdersExchange},
		{QueueCandles1m, KeyCandle1m, CandlesExchange},
	}
	for _, b := range bindings {
		if _, err := ch.QueueDeclare(b.queue, true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}
