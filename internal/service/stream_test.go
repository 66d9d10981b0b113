package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grid-trading-bybit/internal/api"
	"grid-trading-bybit/internal/model"
)

const orderMessage = `{"topic":"order.spot","id":"1","creationTime":1700000000000,"data":[{
	"orderId":"1001","orderLinkId":"link-1","symbol":"BTCUSDT","side":"Buy",
	"price":"1200","qty":"0.01","avgPrice":"1200","cumExecQty":"0.01",
	"cumExecFee":"0.00001","feeCurrency":"BTC","orderStatus":"Filled","updatedTime":"1700000000123"}]}`

// fakeBybit is a private-stream server that checks auth and subscription and
// then runs serve on the connection.
type fakeBybit struct {
	t        *testing.T
	conns    atomic.Int32
	authFail bool
	serve    func(conn *websocket.Conn, n int32)
}

func (f *fakeBybit) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := f.conns.Add(1)

	var auth struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	assert.Equal(f.t, "auth", auth.Op)
	if assert.Len(f.t, auth.Args, 4) {
		assert.Equal(f.t, "key", auth.Args[0])
		assert.Equal(f.t, "5000", auth.Args[3])
		assert.Equal(f.t, api.Sign("secret", auth.Args[1]+"key"+"5000"), auth.Args[2])
	}
	if f.authFail {
		_ = conn.WriteJSON(map[string]any{"op": "auth", "success": false, "ret_msg": "invalid signature"})
		return
	}
	_ = conn.WriteJSON(map[string]any{"op": "auth", "success": true})

	var sub struct {
		Op   string   `json:"op"`
		Args []string `json:"args"`
	}
	if err := conn.ReadJSON(&sub); err != nil {
		return
	}
	assert.Equal(f.t, "subscribe", sub.Op)
	assert.Equal(f.t, []string{"order.spot", "execution.spot"}, sub.Args)
	_ = conn.WriteJSON(map[string]any{"op": "subscribe", "success": true})

	f.serve(conn, n)
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestStream(url string) *StreamService {
	return NewStreamService(StreamConfig{
		URL:               url,
		APIKey:            "key",
		APISecret:         "secret",
		RecvWindow:        5000,
		Heartbeat:         time.Second,
		ReconnectAttempts: 2,
		ReconnectDelay:    10 * time.Millisecond,
	})
}

func TestStream_DeliversOrderUpdates(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, _ int32) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"pong","success":true}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMessage))
		// Partial execution: not forwarded.
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"execution.spot","data":[{"orderId":"2002","leavesQty":"0.5","execQty":"0.5"}]}`))
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	select {
	case u := <-stream.Updates():
		assert.Equal(t, "1001", u.OrderID)
		assert.Equal(t, "link-1", u.ClientOrderID)
		assert.Equal(t, model.SideBuy, u.Side)
		assert.Equal(t, model.StatusFilled, u.Status)
		assert.Equal(t, "1200", u.Price.String())
		assert.Equal(t, "0.00001", u.CumExecFee.String())
		assert.Equal(t, int64(1700000000123), u.UpdatedAt.UnixMilli())
	case <-time.After(2 * time.Second):
		t.Fatal("no order update received")
	}

	select {
	case u := <-stream.Updates():
		t.Fatalf("unexpected update %+v", u)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, stream.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestStream_FinalExecutionIsForwardedAsFill(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, _ int32) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"execution.spot","data":[{
			"orderId":"3003","symbol":"BTCUSDT","side":"Sell","orderPrice":"1600","orderQty":"0.01",
			"execPrice":"1600","execQty":"0.01","execFee":"0.016","feeCurrency":"USDT","leavesQty":"0","execTime":"1700000000000"}]}`))
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()
	defer stream.Close()

	select {
	case u := <-stream.Updates():
		assert.Equal(t, "3003", u.OrderID)
		assert.Equal(t, model.StatusFilled, u.Status)
		assert.Equal(t, model.SideSell, u.Side)
		assert.Equal(t, "0.01", u.CumExecQty.String())
	case <-time.After(2 * time.Second):
		t.Fatal("no fill received")
	}
}

func TestStream_ExecutionsAreAccumulated(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, _ int32) {
		for _, msg := range []string{
			`{"topic":"execution.spot","data":[{"orderId":"9","symbol":"BTCUSDT","side":"Sell","orderPrice":"1600","orderQty":"0.01",
				"execPrice":"1600","execQty":"0.005","execFee":"0.016","feeCurrency":"USDT","leavesQty":"0.005","execTime":"1700000000000"}]}`,
			`{"topic":"execution.spot","data":[{"orderId":"9","symbol":"BTCUSDT","side":"Sell","orderPrice":"1600","orderQty":"0.01",
				"execPrice":"1610","execQty":"0.005","execFee":"0.0161","feeCurrency":"USDT","leavesQty":"0","execTime":"1700000000500"}]}`,
			// Order 10 lost its first execution: the totals do not add up.
			`{"topic":"execution.spot","data":[{"orderId":"10","symbol":"BTCUSDT","side":"Buy","orderPrice":"1400","orderQty":"0.01",
				"execPrice":"1400","execQty":"0.004","execFee":"0.000004","feeCurrency":"BTC","leavesQty":"0","execTime":"1700000001000"}]}`,
			`{"topic":"order.spot","data":[{"orderId":"10","symbol":"BTCUSDT","side":"Buy","price":"1400","qty":"0.01",
				"avgPrice":"1400","cumExecQty":"0.01","cumExecFee":"0.00001","feeCurrency":"BTC","orderStatus":"Filled","updatedTime":"1700000001001"}]}`,
		} {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
		}
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()
	defer stream.Close()

	next := func() model.OrderUpdate {
		t.Helper()
		select {
		case u := <-stream.Updates():
			return u
		case <-time.After(2 * time.Second):
			t.Fatal("no update received")
			return model.OrderUpdate{}
		}
	}

	u := next()
	assert.Equal(t, "9", u.OrderID)
	assert.Equal(t, model.StatusFilled, u.Status)
	assert.Equal(t, "0.01", u.CumExecQty.String())
	assert.Equal(t, "0.0321", u.CumExecFee.String())
	assert.Equal(t, "1605", u.AvgPrice.String())
	assert.Equal(t, "1600", u.Price.String())

	u = next()
	assert.Equal(t, "10", u.OrderID)
	assert.Equal(t, "0.00001", u.CumExecFee.String(), "order topic, not the partial execution")
}

func TestStream_ReconnectsAndResubscribes(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, n int32) {
		if n == 1 {
			// Drop the first session right after subscribing.
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMessage))
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	var reconnects atomic.Int32
	stream.OnReconnect = func(int) { reconnects.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()
	defer stream.Close()

	select {
	case u := <-stream.Updates():
		assert.Equal(t, "1001", u.OrderID)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after reconnect")
	}
	assert.Equal(t, int32(2), fake.conns.Load())
	assert.Equal(t, int32(1), reconnects.Load())

	select {
	case <-stream.Resubscribed():
	default:
		t.Fatal("second session did not signal a resubscription")
	}
	select {
	case <-stream.Resubscribed():
		t.Fatal("resubscription signalled twice")
	default:
	}
}

func TestStream_FirstSessionDoesNotSignalResubscription(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, _ int32) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMessage))
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = stream.Run(ctx) }()
	defer stream.Close()

	select {
	case <-stream.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
	select {
	case <-stream.Resubscribed():
		t.Fatal("first session signalled a resubscription")
	default:
	}
}

func TestStream_GivesUpAfterMaxAttempts(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	err := stream.Run(context.Background())
	assert.ErrorIs(t, err, ErrStreamDisconnected)
	assert.Equal(t, int32(3), dials.Load(), "initial dial plus two reconnects")
}

func TestStream_AuthRejectionIsTerminal(t *testing.T) {
	fake := &fakeBybit{t: t, authFail: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	err := stream.Run(context.Background())
	assert.True(t, errors.Is(err, ErrStreamDisconnected))
	assert.True(t, errors.Is(err, ErrAuthRejected))
	assert.Equal(t, int32(1), fake.conns.Load())
}

func TestStream_ContextCancelStopsCleanly(t *testing.T) {
	fake := &fakeBybit{t: t}
	fake.serve = func(conn *websocket.Conn, _ int32) {
		_, _, _ = conn.ReadMessage()
	}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	stream := newTestStream(wsURL(srv))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	require.Eventually(t, func() bool { return fake.conns.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
