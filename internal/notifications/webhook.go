package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Event names for order lifecycle signals pushed to the operator webhook.
const (
	EventTriggered      = "order.triggered"
	EventExecuting      = "order.executing"
	EventExecuted       = "order.executed"
	EventFailed         = "order.failed"
	EventRetryScheduled = "order.retry_scheduled"
)

// OrderEvent is the webhook payload. Optional fields are omitted when empty
// so every event shares one shape.
type OrderEvent struct {
	Event       string          `json:"event"`
	OrderID     string          `json:"orderId"`
	PositionID  string          `json:"positionId"`
	ChainID     int64           `json:"chainId"`
	TriggerSide string          `json:"triggerSide"`
	Price       decimal.Decimal `json:"price,omitempty"`
	Attempts    int             `json:"attempts,omitempty"`
	TxHash      string          `json:"txHash,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	At          time.Time       `json:"at"`
}

// Sender delivers order events to a webhook. Delivery is best-effort: a
// failed notification is logged and dropped, never retried, and never blocks
// the execution path.
type Sender struct {
	url        string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewSender(url string, log *logrus.Entry) *Sender {
	return &Sender{
		url:        url,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		log:        log,
	}
}

// Enabled reports whether a webhook URL is configured.
func (s *Sender) Enabled() bool {
	return s.url != ""
}

// Send posts the event. A Sender with no URL is a no-op, so callers never
// branch on configuration.
func (s *Sender) Send(ctx context.Context, ev OrderEvent) {
	if s.url == "" {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		s.log.WithError(err).Error("marshal webhook event")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.log.WithError(err).Error("build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.WithError(err).WithField("event", ev.Event).Warn("webhook delivery failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		s.log.WithFields(logrus.Fields{
			"event":  ev.Event,
			"status": resp.StatusCode,
		}).Warn(fmt.Sprintf("webhook rejected: HTTP %d", resp.StatusCode))
	}
}
