package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// Opposite returns the side a mirror order is placed on.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	StatusNew             OrderStatus = "New"
	StatusPartiallyFilled OrderStatus = "PartiallyFilled"
	StatusFilled          OrderStatus = "Filled"
	StatusCancelled       OrderStatus = "Cancelled"
	StatusRejected        OrderStatus = "Rejected"
	StatusDeactivated     OrderStatus = "Deactivated"

	// Spot only: cancelled after a partial execution.
	StatusPartiallyFilledCanceled OrderStatus = "PartiallyFilledCanceled"
)

// Closed reports whether the status removes an order from the book without
// a complete fill.
func (s OrderStatus) Closed() bool {
	switch s {
	case StatusCancelled, StatusRejected, StatusDeactivated, StatusPartiallyFilledCanceled:
		return true
	}
	return false
}

// Open reports whether the order is still resting on the book.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

type OrderType string

const (
	OrderTypeLimit  OrderType = "Limit"
	OrderTypeMarket OrderType = "Market"
)

// GridLevel is one rung of the price ladder, index 0 being the lowest.
type GridLevel struct {
	Index int             `json:"index"`
	Price decimal.Decimal `json:"price"`
}

// Order is a resting or filled limit order.
type Order struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"orderLinkId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	GridLevel     *int            `json:"gridLevel,omitempty"`
	Status        OrderStatus     `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`

	// Execution totals, set on orders read back from the exchange.
	AvgPrice    decimal.Decimal `json:"avgPrice"`
	CumExecQty  decimal.Decimal `json:"cumExecQty"`
	CumExecFee  decimal.Decimal `json:"cumExecFee"`
	FeeCurrency string          `json:"feeCurrency,omitempty"`
}

// Level returns the grid index or -1 when the order is not tied to a level.
func (o Order) Level() int {
	if o.GridLevel == nil {
		return -1
	}
	return *o.GridLevel
}

// OrderRequest carries the parameters of a new order.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Fill is an executed trade. Created once and never mutated.
type Fill struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"orderLinkId,omitempty"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Fee           decimal.Decimal `json:"fee"`
	FeeCurrency   string          `json:"feeCurrency,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderUpdate is an order status change pushed by the exchange.
type OrderUpdate struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          Side
	Price         decimal.Decimal
	Qty           decimal.Decimal
	AvgPrice      decimal.Decimal
	CumExecQty    decimal.Decimal
	CumExecFee    decimal.Decimal
	FeeCurrency   string
	Status        OrderStatus
	UpdatedAt     time.Time
}

// Balance represents the wallet balance for a specific coin
type Balance struct {
	Currency string          `json:"currency"`
	Free     decimal.Decimal `json:"free"`
	Locked   decimal.Decimal `json:"locked"`
}
