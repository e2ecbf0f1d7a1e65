package trigger

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	streamDialTimeout  = 10 * time.Second
	streamReplyTimeout = 10 * time.Second
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcFrame struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *subNotify      `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type subNotify struct {
	Subscription string    `json:"subscription"`
	Result       logRecord `json:"result"`
}

type logRecord struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
	Removed bool     `json:"removed"`
}

// LogHandler receives one matched event log: the emitting pool address and
// the raw (non-indexed) data section.
type LogHandler func(pool string, data []byte)

// SwapStream maintains one eth_subscribe("logs") subscription over a
// websocket RPC endpoint, filtered to a single event topic across the
// watched pool set. Connection loss triggers a bounded fixed-delay
// reconnect, and the subscription is re-established after every successful
// dial. The pool set can change at runtime; the stream swaps the
// subscription in place.
type SwapStream struct {
	url            string
	topic          string
	handler        LogHandler
	reconnectDelay time.Duration
	maxReconnects  int
	log            *logrus.Entry

	mu      sync.Mutex
	conn    *websocket.Conn
	pools   []string
	subID   string
	reqID   int
	replyCh chan rpcFrame
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewSwapStream(url, topic string, handler LogHandler, reconnectDelay time.Duration, maxReconnects int, log *logrus.Entry) *SwapStream {
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if maxReconnects <= 0 {
		maxReconnects = 10
	}
	return &SwapStream{
		url:            url,
		topic:          topic,
		handler:        handler,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		log:            log,
		replyCh:        make(chan rpcFrame, 1),
	}
}

func (s *SwapStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("stream already running")
	}
	if err := s.connectLocked(); err != nil {
		return err
	}
	s.running = true
	s.stopCh = make(chan struct{})
	return nil
}

func (s *SwapStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("swap stream stopped")
}

// Running reports whether the stream has a live connection.
func (s *SwapStream) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.conn != nil
}

// SetPools replaces the watched pool set. With a live connection the old
// subscription is dropped and a new one installed; otherwise the set is
// picked up on the next (re)connect.
func (s *SwapStream) SetPools(pools []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools = append([]string(nil), pools...)
	if s.conn == nil {
		return nil
	}
	return s.resubscribeLocked()
}

func (s *SwapStream) connectLocked() error {
	dialer := websocket.Dialer{HandshakeTimeout: streamDialTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.conn = conn
	s.subID = ""

	s.wg.Add(1)
	go s.readLoop(conn)

	if len(s.pools) > 0 {
		if err := s.resubscribeLocked(); err != nil {
			_ = conn.Close()
			s.conn = nil
			return err
		}
	}
	s.log.Info("swap stream connected")
	return nil
}

// resubscribeLocked drops any existing subscription and installs one for the
// current pool set. Callers hold s.mu; replies arrive via the read loop.
func (s *SwapStream) resubscribeLocked() error {
	if s.subID != "" {
		if _, err := s.callLocked("eth_unsubscribe", []any{s.subID}); err != nil {
			s.log.WithError(err).Warn("unsubscribe old log filter")
		}
		s.subID = ""
	}
	if len(s.pools) == 0 {
		return nil
	}

	result, err := s.callLocked("eth_subscribe", []any{
		"logs",
		map[string]any{
			"address": s.pools,
			"topics":  [][]string{{s.topic}},
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	var subID string
	if err := json.Unmarshal(result, &subID); err != nil {
		return fmt.Errorf("decode subscription id: %w", err)
	}
	s.subID = subID
	s.log.WithFields(logrus.Fields{"sub": subID, "pools": len(s.pools)}).Info("log subscription installed")
	return nil
}

func (s *SwapStream) callLocked(method string, params []any) (json.RawMessage, error) {
	s.reqID++
	req := rpcRequest{JSONRPC: "2.0", ID: s.reqID, Method: method, Params: params}
	if err := s.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case frame := <-s.replyCh:
		if frame.Error != nil {
			return nil, fmt.Errorf("%s: rpc error %d: %s", method, frame.Error.Code, frame.Error.Message)
		}
		return frame.Result, nil
	case <-time.After(streamReplyTimeout):
		return nil, fmt.Errorf("%s: no reply within %s", method, streamReplyTimeout)
	}
}

func (s *SwapStream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.onReadError(conn, err)
			return
		}

		var frame rpcFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.log.WithError(err).Warn("undecodable stream frame")
			continue
		}

		switch {
		case frame.Method == "eth_subscription" && frame.Params != nil:
			s.dispatch(frame.Params.Result)
		case frame.ID != 0:
			select {
			case s.replyCh <- frame:
			default:
				s.log.Warn("dropping unexpected rpc reply")
			}
		}
	}
}

func (s *SwapStream) dispatch(rec logRecord) {
	if rec.Removed {
		return // reorged log
	}
	if len(rec.Topics) == 0 || rec.Topics[0] != s.topic {
		return
	}
	data, err := hexutil.Decode(rec.Data)
	if err != nil {
		s.log.WithError(err).WithField("pool", rec.Address).Warn("undecodable log data")
		return
	}
	s.handler(rec.Address, data)
}

// onReadError runs the bounded reconnect. It fires from the dying read loop
// goroutine; the replacement connection starts its own.
func (s *SwapStream) onReadError(conn *websocket.Conn, readErr error) {
	s.mu.Lock()
	stale := s.conn != conn // already replaced or shut down
	running := s.running
	s.mu.Unlock()
	if stale || !running {
		return
	}
	s.log.WithError(readErr).Warn("swap stream connection lost")

	for attempt := 1; attempt <= s.maxReconnects; attempt++ {
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.reconnectDelay):
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}
		s.conn = nil
		err := s.connectLocked()
		s.mu.Unlock()

		if err == nil {
			s.log.WithField("attempt", attempt).Info("swap stream reconnected")
			return
		}
		s.log.WithError(err).WithField("attempt", attempt).Warn("swap stream reconnect failed")
	}
	s.log.Error("swap stream reconnect attempts exhausted")
}
