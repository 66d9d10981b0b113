package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

var (
	// ErrStreamDisconnected is returned by Run once reconnecting has failed for good.
	ErrStreamDisconnected = errors.New("order stream disconnected")
	ErrAuthRejected       = errors.New("stream authentication rejected")
)

const maxReconnectDelay = 60 * time.Second

var Topics = []string{"order.spot", "execution.spot"}

type StreamConfig struct {
	URL               string
	APIKey            string
	APISecret         string
	RecvWindow        int64
	Heartbeat         time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
}

type wsRequest struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// wsMessage covers control acks, heartbeats and topic data.
type wsMessage struct {
	Op      string          `json:"op"`
	Success *bool           `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Topic   string          `json:"topic"`
	Data    json.RawMessage `json:"data"`
}

type orderEvent struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	FeeCurrency string `json:"feeCurrency"`
	OrderStatus string `json:"orderStatus"`
	UpdatedTime string `json:"updatedTime"`
}

type executionEvent struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderPrice  string `json:"orderPrice"`
	OrderQty    string `json:"orderQty"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	FeeCurrency string `json:"feeCurrency"`
	LeavesQty   string `json:"leavesQty"`
	ExecTime    string `json:"execTime"`
}

// execTotals accumulates the executions of one order.
type execTotals struct {
	qty      decimal.Decimal
	fee      decimal.Decimal
	notional decimal.Decimal
}

// StreamService keeps an authenticated private WebSocket open and turns the
// order and execution topics into OrderUpdate values.
type StreamService struct {
	Cfg         StreamConfig
	Dialer      *websocket.Dialer
	OnReconnect func(attempt int)

	updates      chan model.OrderUpdate
	resubscribed chan struct{}
	done         chan struct{}
	once         sync.Once

	// Owned by the Run goroutine.
	sessions int
	execs    map[string]*execTotals

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStreamService(cfg StreamConfig) *StreamService {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 20 * time.Second
	}
	if cfg.RecvWindow <= 0 {
		cfg.RecvWindow = api.DefaultRecvWindow
	}
	return &StreamService{
		Cfg:          cfg,
		Dialer:       websocket.DefaultDialer,
		updates:      make(chan model.OrderUpdate, 256),
		resubscribed: make(chan struct{}, 1),
		done:         make(chan struct{}),
		execs:        make(map[string]*execTotals),
	}
}

func (s *StreamService) Updates() <-chan model.OrderUpdate {
	return s.updates
}

// Resubscribed receives a value each time a session after the first has
// authenticated and subscribed. Events pushed while disconnected are lost,
// so the receiver should resync order state from REST.
func (s *StreamService) Resubscribed() <-chan struct{} {
	return s.resubscribed
}

// Run connects and serves the stream until ctx is cancelled or Close is
// called (nil), or until every reconnect attempt has failed
// (ErrStreamDisconnected). A session that authenticated resets the count.
func (s *StreamService) Run(ctx context.Context) error {
	attempt := 0
	for {
		established, err := s.session(ctx)
		if s.stopped(ctx) {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			return fmt.Errorf("%w: %w", ErrStreamDisconnected, err)
		}
		if established {
			attempt = 0
		}

		attempt++
		if attempt > s.Cfg.ReconnectAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrStreamDisconnected, s.Cfg.ReconnectAttempts, err)
		}

		delay := s.Cfg.ReconnectDelay * time.Duration(attempt)
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		logger.Warn("🔌 WebSocket disconnected, reconnecting",
			"error", err,
			"attempt", attempt,
			"max_attempts", s.Cfg.ReconnectAttempts,
			"delay", delay,
		)
		if s.OnReconnect != nil {
			s.OnReconnect(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *StreamService) Close() error {
	s.once.Do(func() { close(s.done) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return s.conn.Close()
	}
	return nil
}

func (s *StreamService) stopped(ctx context.Context) bool {
	select {
	case <-s.done:
		return true
	default:
		return ctx.Err() != nil
	}
}

// session runs one connection. established reports whether authentication
// and subscription succeeded before the connection ended.
func (s *StreamService) session(ctx context.Context) (established bool, err error) {
	conn, _, err := s.Dialer.DialContext(ctx, s.Cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to websocket: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	// Close may have raced with the dial.
	if s.stopped(ctx) {
		return false, nil
	}

	go func() {
		select {
		case <-sessionCtx.Done():
		case <-s.done:
		}
		conn.Close()
	}()

	readTimeout := 2*s.Cfg.Heartbeat + 5*time.Second
	var writeMu sync.Mutex
	send := func(req wsRequest) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(req)
	}

	if err := send(s.authRequest()); err != nil {
		return false, fmt.Errorf("failed to send auth: %w", err)
	}
	if err := s.await(conn, "auth", readTimeout); err != nil {
		return false, err
	}
	if err := send(wsRequest{Op: "subscribe", Args: []any{Topics[0], Topics[1]}}); err != nil {
		return false, fmt.Errorf("failed to subscribe: %w", err)
	}
	if err := s.await(conn, "subscribe", readTimeout); err != nil {
		return false, err
	}
	logger.Info("📡 WebSocket connected to Bybit private stream", "topics", Topics, "session", s.sessions+1)
	if s.sessions > 0 {
		select {
		case s.resubscribed <- struct{}{}:
		default:
		}
	}
	s.sessions++

	go s.heartbeat(sessionCtx, send)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("websocket read error: %w", err)
		}

		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Error("❌ Failed to parse WebSocket message", "error", err, "msg", string(raw))
			continue
		}
		if err := s.dispatch(ctx, msg); err != nil {
			return true, err
		}
	}
}

// authRequest signs expires+apiKey+recvWindow with the API secret.
func (s *StreamService) authRequest() wsRequest {
	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	recvWindow := strconv.FormatInt(s.Cfg.RecvWindow, 10)
	signature := api.Sign(s.Cfg.APISecret, expires+s.Cfg.APIKey+recvWindow)
	return wsRequest{Op: "auth", Args: []any{s.Cfg.APIKey, expires, signature, recvWindow}}
}

// await reads until the ack for op arrives. Pushed data that shows up
// before the ack is ignored; Resubscribed covers that window.
func (s *StreamService) await(conn *websocket.Conn, op string, timeout time.Duration) error {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for %s ack: %w", op, err)
		}
		var msg wsMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Op != op {
			continue
		}
		if msg.Success != nil && !*msg.Success {
			if op == "auth" {
				return fmt.Errorf("%w: %s", ErrAuthRejected, msg.RetMsg)
			}
			return fmt.Errorf("%s failed: %s", op, msg.RetMsg)
		}
		return nil
	}
}

func (s *StreamService) heartbeat(ctx context.Context, send func(wsRequest) error) {
	ticker := time.NewTicker(s.Cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := send(wsRequest{Op: "ping"}); err != nil {
				logger.Error("❌ Failed to send heartbeat", "error", err)
				return
			}
			logger.Debug("💓 Heartbeat sent")
		}
	}
}

func (s *StreamService) dispatch(ctx context.Context, msg wsMessage) error {
	switch {
	case msg.Op == "pong" || msg.Op == "ping":
		return nil
	case msg.Op != "":
		logger.Debug("WebSocket control message", "op", msg.Op, "success", msg.Success, "msg", msg.RetMsg)
		return nil
	}

	var updates []model.OrderUpdate
	switch msg.Topic {
	case "order", "order.spot":
		var events []orderEvent
		if err := json.Unmarshal(msg.Data, &events); err != nil {
			logger.Error("❌ Failed to parse order event", "error", err)
			return nil
		}
		for _, e := range events {
			u := e.toUpdate()
			if u.Status == model.StatusFilled || u.Status.Closed() {
				delete(s.execs, u.OrderID)
			}
			updates = append(updates, u)
		}
	case "execution", "execution.spot":
		var events []executionEvent
		if err := json.Unmarshal(msg.Data, &events); err != nil {
			logger.Error("❌ Failed to parse execution event", "error", err)
			return nil
		}
		for _, e := range events {
			if u, ok := s.applyExecution(e); ok {
				updates = append(updates, u)
			}
		}
	default:
		return nil
	}

	for _, u := range updates {
		select {
		case s.updates <- u:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		}
	}
	return nil
}

func (e orderEvent) toUpdate() model.OrderUpdate {
	return model.OrderUpdate{
		OrderID:       e.OrderID,
		ClientOrderID: e.OrderLinkID,
		Symbol:        e.Symbol,
		Side:          model.Side(e.Side),
		Price:         dec(e.Price),
		Qty:           dec(e.Qty),
		AvgPrice:      dec(e.AvgPrice),
		CumExecQty:    dec(e.CumExecQty),
		CumExecFee:    dec(e.CumExecFee),
		FeeCurrency:   e.FeeCurrency,
		Status:        model.OrderStatus(e.OrderStatus),
		UpdatedAt:     millis(e.UpdatedTime),
	}
}

// applyExecution adds e to its order's running totals. The execution that
// completes the order is turned into a Filled update carrying the totals.
// When executions were missed the totals are incomplete and nothing is
// forwarded; the order topic or the next resync reports the fill instead.
func (s *StreamService) applyExecution(e executionEvent) (model.OrderUpdate, bool) {
	t, ok := s.execs[e.OrderID]
	if !ok {
		t = &execTotals{}
		s.execs[e.OrderID] = t
	}
	qty, price := dec(e.ExecQty), dec(e.ExecPrice)
	t.qty = t.qty.Add(qty)
	t.fee = t.fee.Add(dec(e.ExecFee))
	t.notional = t.notional.Add(qty.Mul(price))

	if e.LeavesQty == "" || !dec(e.LeavesQty).IsZero() {
		return model.OrderUpdate{}, false
	}
	delete(s.execs, e.OrderID)

	orderQty := dec(e.OrderQty)
	if !t.qty.IsPositive() || !t.qty.Equal(orderQty) {
		logger.Debug("Incomplete executions for filled order, waiting for the order topic",
			"order_id", e.OrderID,
			"exec_qty", t.qty,
			"order_qty", orderQty,
		)
		return model.OrderUpdate{}, false
	}

	return model.OrderUpdate{
		OrderID:       e.OrderID,
		ClientOrderID: e.OrderLinkID,
		Symbol:        e.Symbol,
		Side:          model.Side(e.Side),
		Price:         dec(e.OrderPrice),
		Qty:           orderQty,
		AvgPrice:      t.notional.Div(t.qty),
		CumExecQty:    t.qty,
		CumExecFee:    t.fee,
		FeeCurrency:   e.FeeCurrency,
		Status:        model.StatusFilled,
		UpdatedAt:     millis(e.ExecTime),
	}, true
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
