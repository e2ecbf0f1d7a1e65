package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/midcurve/autoclose/internal/metrics"
)

var (
	// ErrClosed is returned after an explicit Close.
	ErrClosed = errors.New("broker: connection closed")
	// ErrReconnectExhausted means automatic recovery gave up; a process
	// restart is required.
	ErrReconnectExhausted = errors.New("broker: reconnect attempts exhausted")
)

// Handler is invoked once per delivery. The handler owns the ack: it must
// call d.Ack or d.Nack before returning.
type Handler func(ctx context.Context, d amqp.Delivery)

type consumerReg struct {
	queue    string
	prefetch int
	handler  Handler
	tag      string

	ch *amqp.Channel
}

// Connection owns one logical connection and channel to the broker. It is
// constructed explicitly and injected into consumers — there is no ambient
// global. On connection loss it retries on a fixed delay up to a bounded
// attempt count, re-declaring topology and re-establishing registered
// consumers on every successful reconnect.
type Connection struct {
	url            string
	reconnectDelay time.Duration
	maxReconnects  int
	log            *logrus.Entry

	mu        sync.Mutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	pending   chan struct{} // non-nil while a dial is in flight
	dialErr   error
	consumers map[string]*consumerReg
	closed    bool
	gaveUp    bool
}

func NewConnection(url string, reconnectDelay time.Duration, maxReconnects int, log *logrus.Entry) *Connection {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if maxReconnects <= 0 {
		maxReconnects = 10
	}
	return &Connection{
		url:            url,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		log:            log,
		consumers:      make(map[string]*consumerReg),
	}
}

// Connect establishes the connection and declares topology. It is a thin
// wrapper over Channel so startup and lazy use share one code path.
func (c *Connection) Connect(ctx context.Context) error {
	_, err := c.Channel(ctx)
	return err
}

// Channel returns the live channel, dialing if necessary. Concurrent callers
// during a dial share the in-flight attempt instead of opening duplicate
// connections.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		c.mu.Lock()
		switch {
		case c.closed:
			c.mu.Unlock()
			return nil, ErrClosed
		case c.gaveUp:
			c.mu.Unlock()
			return nil, ErrReconnectExhausted
		case c.ch != nil:
			ch := c.ch
			c.mu.Unlock()
			return ch, nil
		}
		if c.pending == nil {
			c.pending = make(chan struct{})
			c.dialErr = nil
			go c.dial()
		}
		p := c.pending
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p:
		}

		c.mu.Lock()
		if c.ch == nil && c.dialErr != nil {
			err := c.dialErr
			c.mu.Unlock()
			return nil, err
		}
		c.mu.Unlock()
	}
}

// dial performs one connection attempt and, on success, installs the
// handles, re-declares topology, restarts registered consumers and arms the
// close watcher.
func (c *Connection) dial() {
	conn, err := amqp.Dial(c.url)
	var ch *amqp.Channel
	if err == nil {
		ch, err = conn.Channel()
	}
	if err == nil {
		err = declareTopology(ch)
	}

	c.mu.Lock()
	defer func() {
		close(c.pending)
		c.pending = nil
		c.mu.Unlock()
	}()

	if err != nil {
		if conn != nil {
			_ = conn.Close()
		}
		c.dialErr = fmt.Errorf("broker dial: %w", err)
		return
	}

	c.conn = conn
	c.ch = ch
	c.log.Info("broker connected, topology declared")

	for _, reg := range c.consumers {
		if err := c.startConsumerLocked(reg); err != nil {
			c.log.WithError(err).WithField("queue", reg.queue).Error("restart consumer failed")
		}
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(closeCh)
}

// watch handles connection loss: null the cached handles, then retry on a
// fixed delay up to the bounded attempt count. Exhausting the budget is
// fatal for this component — no further automatic recovery.
func (c *Connection) watch(closeCh chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok || amqpErr == nil {
		return // clean shutdown
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	c.log.WithError(amqpErr).Warn("broker connection lost")

	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		time.Sleep(c.reconnectDelay)

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		metrics.BrokerReconnects.Inc()
		ctx, cancel := context.WithTimeout(context.Background(), c.reconnectDelay)
		_, err := c.Channel(ctx)
		cancel()
		if err == nil {
			c.log.WithField("attempt", attempt).Info("broker reconnected")
			return
		}
		c.log.WithError(err).WithField("attempt", attempt).Warn("broker reconnect failed")
	}

	c.mu.Lock()
	c.gaveUp = true
	c.mu.Unlock()
	c.log.Error("broker reconnect attempts exhausted — restart required")
}

// Publish sends a persistent message to an exchange.
func (c *Connection) Publish(ctx context.Context, exchange, key string, body []byte) error {
	ch, err := c.Channel(ctx)
	if err != nil {
		return err
	}
	return ch.PublishWithContext(ctx, exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// PublishToQueue sends a persistent message directly to a queue via the
// default exchange.
func (c *Connection) PublishToQueue(ctx context.Context, queue string, body []byte) error {
	return c.Publish(ctx, "", queue, body)
}

// Consume registers a handler on a queue with the given prefetch and returns
// the consumer tag. Each consumer gets its own channel so prefetch bounds
// in-flight messages per consumer, and deliveries are handled one at a time
// in the consumer's goroutine.
func (c *Connection) Consume(ctx context.Context, queue string, prefetch int, handler Handler) (string, error) {
	if _, err := c.Channel(ctx); err != nil {
		return "", err
	}

	reg := &consumerReg{
		queue:    queue,
		prefetch: prefetch,
		handler:  handler,
		tag:      queue + "." + uuid.NewString()[:8],
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", ErrClosed
	}
	if err := c.startConsumerLocked(reg); err != nil {
		return "", err
	}
	c.consumers[reg.tag] = reg
	return reg.tag, nil
}

func (c *Connection) startConsumerLocked(reg *consumerReg) error {
	// The watcher nulls c.conn on connection loss; a Consume racing it lands
	// here between the Channel check and the lock.
	if c.conn == nil {
		return fmt.Errorf("broker connection down")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer channel: %w", err)
	}
	if err := ch.Qos(reg.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(reg.queue, reg.tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consume %s: %w", reg.queue, err)
	}

	reg.ch = ch

	// Deliveries are handled one at a time; a handler mid-flight when the
	// consumer is cancelled runs to completion, only new deliveries stop.
	go func() {
		for d := range deliveries {
			reg.handler(context.Background(), d)
		}
	}()
	return nil
}

// CancelConsumer stops further deliveries to the given consumer. A message
// already pulled is allowed to finish; only new deliveries stop.
func (c *Connection) CancelConsumer(tag string) error {
	c.mu.Lock()
	reg, ok := c.consumers[tag]
	if ok {
		delete(c.consumers, tag)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}

	if reg.ch != nil {
		if err := reg.ch.Cancel(tag, false); err != nil {
			return fmt.Errorf("cancel consumer %s: %w", tag, err)
		}
		_ = reg.ch.Close()
	}
	return nil
}

// Healthy reports whether the connection is currently usable.
func (c *Connection) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && !c.closed && !c.gaveUp
}

// Close shuts the connection down for good; no reconnects follow.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.ch = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
