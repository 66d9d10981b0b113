package api

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrNotFound = errors.New("not found")

// Bybit retCodes that signal the request was not processed and may be sent again.
const (
	CodeServerTimeout = 10000
	CodeRateLimit     = 10006
	CodeServerBusy    = 10016
)

var transientCodes = map[int]bool{
	CodeServerTimeout: true,
	CodeRateLimit:     true,
	CodeServerBusy:    true,
}

var transientStatus = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// ExchangeError is a non-zero retCode (or a non-200 response without one).
type ExchangeError struct {
	Code       int
	Message    string
	HTTPStatus int
}

func (e *ExchangeError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("bybit api error (status %d): %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("bybit api error (code %d): %s", e.Code, e.Message)
}

// Transient reports whether the error is one the retry policy resends.
func (e *ExchangeError) Transient() bool {
	if e.Code != 0 {
		return transientCodes[e.Code]
	}
	return transientStatus[e.HTTPStatus]
}

// IsTransient classifies err for the retry policy. Transport errors are not
// retried: an order request that timed out may still have been accepted.
func IsTransient(err error) bool {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Transient()
	}
	return false
}
