package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

const (
	BaseURL           = "https://api.bybit.com"
	DefaultRecvWindow = 5000
	DefaultCategory   = "spot"
)

type BybitClient struct {
	APIKey      string
	SecretKey   string
	BaseURL     string
	Category    string
	AccountType string
	RecvWindow  int64
	Client      *http.Client
	Retry       RetryPolicy

	timeOffset atomic.Int64
}

// apiResponse is the V5 envelope shared by every endpoint.
type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func NewBybitClient(apiKey, secretKey, baseURL string, timeout time.Duration, retry RetryPolicy) *BybitClient {
	if baseURL == "" {
		baseURL = BaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &BybitClient{
		APIKey:      apiKey,
		SecretKey:   secretKey,
		BaseURL:     strings.TrimSuffix(baseURL, "/"),
		Category:    DefaultCategory,
		AccountType: "UNIFIED",
		RecvWindow:  DefaultRecvWindow,
		Client:      &http.Client{Timeout: timeout},
		Retry:       retry,
	}
}

// SyncTime measures the offset between the local clock and Bybit server time.
func (c *BybitClient) SyncTime(ctx context.Context) error {
	var res struct {
		TimeNano string `json:"timeNano"`
	}
	if err := c.request(ctx, http.MethodGet, "/v5/market/time", nil, false, &res); err != nil {
		return fmt.Errorf("failed to get server time: %w", err)
	}
	nanos, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return fmt.Errorf("failed to parse server time %q: %w", res.TimeNano, err)
	}

	serverTime := nanos / int64(time.Millisecond)
	localTime := time.Now().UnixMilli()
	c.timeOffset.Store(serverTime - localTime)

	logger.Info("Time synchronized", "server_time", serverTime, "local_time", localTime, "offset_ms", serverTime-localTime)
	return nil
}

// serverTime returns the current time in ms adjusted by the measured offset.
func (c *BybitClient) serverTime() int64 {
	return time.Now().UnixMilli() + c.timeOffset.Load()
}

// Sign returns hex(HMAC-SHA256(secret, payload)).
func Sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// signature covers timestamp + apiKey + recvWindow + (query or body).
func (c *BybitClient) signature(timestamp int64, payload string) string {
	return Sign(c.SecretKey, strconv.FormatInt(timestamp, 10)+c.APIKey+strconv.FormatInt(c.RecvWindow, 10)+payload)
}

func (c *BybitClient) request(ctx context.Context, method, endpoint string, params map[string]any, signed bool, out any) error {
	return c.Retry.Do(ctx, method+" "+endpoint, func(ctx context.Context) error {
		return c.doRequest(ctx, method, endpoint, params, signed, out)
	})
}

func (c *BybitClient) doRequest(ctx context.Context, method, endpoint string, params map[string]any, signed bool, out any) error {
	var (
		payload string
		body    io.Reader
	)
	reqURL := c.BaseURL + endpoint

	if method == http.MethodGet {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, fmt.Sprint(v))
		}
		// Encode sorts by key, which is the order the signature expects.
		payload = query.Encode()
		if payload != "" {
			reqURL += "?" + payload
		}
	} else {
		if params == nil {
			params = map[string]any{}
		}
		// json.Marshal writes map keys in sorted order.
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = string(raw)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if method != http.MethodGet {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		ts := c.serverTime()
		req.Header.Set("X-BAPI-API-KEY", c.APIKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(ts, 10))
		req.Header.Set("X-BAPI-SIGN", c.signature(ts, payload))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.RecvWindow, 10))
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if limit := resp.Header.Get("X-Bapi-Limit-Status"); limit != "" {
		logger.Debug("Bybit API rate limit", "endpoint", endpoint, "remaining", limit)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &ExchangeError{HTTPStatus: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if envelope.RetCode != 0 {
		return &ExchangeError{Code: envelope.RetCode, Message: envelope.RetMsg, HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return &ExchangeError{HTTPStatus: resp.StatusCode, Message: resp.Status}
	}

	if out != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return nil
}

type tickerResponse struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	HighPrice24h string `json:"highPrice24h"`
	LowPrice24h  string `json:"lowPrice24h"`
}

func (c *BybitClient) GetTicker(ctx context.Context, symbol string) (*model.Ticker, error) {
	var res struct {
		List []tickerResponse `json:"list"`
	}
	params := map[string]any{"category": c.Category, "symbol": symbol}
	if err := c.request(ctx, http.MethodGet, "/v5/market/tickers", params, false, &res); err != nil {
		var ee *ExchangeError
		if errors.As(err, &ee) && ee.Code == CodeInvalidParams {
			return nil, fmt.Errorf("symbol %s: %w: %w", symbol, ErrNotFound, err)
		}
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("symbol %s: %w", symbol, ErrNotFound)
	}

	t := res.List[0]
	return &model.Ticker{
		Symbol:    t.Symbol,
		LastPrice: parseDecimal(t.LastPrice),
		High24h:   parseDecimal(t.HighPrice24h),
		Low24h:    parseDecimal(t.LowPrice24h),
		Time:      time.Now(),
	}, nil
}

// PlaceOrder submits a GTC order and returns the exchange order id.
func (c *BybitClient) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	params := map[string]any{
		"category":  c.Category,
		"symbol":    req.Symbol,
		"side":      string(req.Side),
		"orderType": string(req.Type),
		"qty":       req.Qty.String(),
	}
	if req.Type == model.OrderTypeLimit {
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		params["orderLinkId"] = req.ClientOrderID
	}

	var res struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.request(ctx, http.MethodPost, "/v5/order/create", params, true, &res); err != nil {
		return "", err
	}
	if res.OrderID == "" {
		return "", fmt.Errorf("order accepted without an order id")
	}
	return res.OrderID, nil
}

func (c *BybitClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]any{
		"category": c.Category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	return c.request(ctx, http.MethodPost, "/v5/order/cancel", params, true, nil)
}

func (c *BybitClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]any{
		"category": c.Category,
		"symbol":   symbol,
	}
	return c.request(ctx, http.MethodPost, "/v5/order/cancel-all", params, true, nil)
}

type orderResponse struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecFee  string `json:"cumExecFee"`
	FeeCurrency string `json:"feeCurrency"`
	CreatedTime string `json:"createdTime"`
}

type orderListResponse struct {
	List           []orderResponse `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

func (o orderResponse) toModel() model.Order {
	return model.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Side:          model.Side(o.Side),
		Price:         parseDecimal(o.Price),
		Qty:           parseDecimal(o.Qty),
		Status:        model.OrderStatus(o.OrderStatus),
		CreatedAt:     parseMillis(o.CreatedTime),
		AvgPrice:      parseDecimal(o.AvgPrice),
		CumExecQty:    parseDecimal(o.CumExecQty),
		CumExecFee:    parseDecimal(o.CumExecFee),
		FeeCurrency:   o.FeeCurrency,
	}
}

// GetOpenOrders pages through /v5/order/realtime for symbol.
func (c *BybitClient) GetOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	var orders []model.Order
	cursor := ""
	for {
		params := map[string]any{
			"category": c.Category,
			"symbol":   symbol,
			"limit":    50,
		}
		if cursor != "" {
			params["cursor"] = cursor
		}

		var res orderListResponse
		if err := c.request(ctx, http.MethodGet, "/v5/order/realtime", params, true, &res); err != nil {
			return nil, err
		}
		for _, o := range res.List {
			orders = append(orders, o.toModel())
		}
		if res.NextPageCursor == "" || len(res.List) == 0 {
			return orders, nil
		}
		cursor = res.NextPageCursor
	}
}

// GetOrder looks an order up among open orders first, then in the history.
func (c *BybitClient) GetOrder(ctx context.Context, symbol, orderID string) (*model.Order, error) {
	for _, endpoint := range []string{"/v5/order/realtime", "/v5/order/history"} {
		params := map[string]any{
			"category": c.Category,
			"symbol":   symbol,
			"orderId":  orderID,
		}
		var res orderListResponse
		if err := c.request(ctx, http.MethodGet, endpoint, params, true, &res); err != nil {
			return nil, err
		}
		for _, o := range res.List {
			if o.OrderID == orderID {
				order := o.toModel()
				return &order, nil
			}
		}
	}
	return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
}

type walletResponse struct {
	List []struct {
		AccountType string `json:"accountType"`
		Coin        []struct {
			Coin          string `json:"coin"`
			WalletBalance string `json:"walletBalance"`
			Locked        string `json:"locked"`
		} `json:"coin"`
	} `json:"list"`
}

func (c *BybitClient) GetWalletBalance(ctx context.Context, coins ...string) ([]model.Balance, error) {
	params := map[string]any{"accountType": c.AccountType}
	if len(coins) > 0 {
		params["coin"] = strings.Join(coins, ",")
	}

	var res walletResponse
	if err := c.request(ctx, http.MethodGet, "/v5/account/wallet-balance", params, true, &res); err != nil {
		return nil, err
	}

	var balances []model.Balance
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			total := parseDecimal(coin.WalletBalance)
			locked := parseDecimal(coin.Locked)
			balances = append(balances, model.Balance{
				Currency: coin.Coin,
				Free:     total.Sub(locked),
				Locked:   locked,
			})
		}
	}
	return balances, nil
}

// parseDecimal tolerates the empty strings Bybit returns for unset numbers.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
