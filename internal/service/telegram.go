package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"grid-trading-bybit/internal/logger"
	"grid-trading-bybit/internal/model"
)

const TelegramBaseURL = "https://api.telegram.org"

// Notifier delivers operator alerts. Implementations must not block the caller.
type Notifier interface {
	NotifyFill(fill model.Fill, mirror *model.Order)
	NotifyMirrorFailed(fill model.Fill, err error)
	NotifyDisconnect(symbol string, err error)
}

type TelegramService struct {
	Token   string
	ChatID  string
	BaseURL string
	Client  *http.Client
}

func NewTelegramService(token, chatID string) *TelegramService {
	return &TelegramService{
		Token:   token,
		ChatID:  chatID,
		BaseURL: TelegramBaseURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *TelegramService) Enabled() bool {
	return s != nil && s.Token != "" && s.ChatID != ""
}

// SendMessage posts text to the configured chat and waits for the answer.
func (s *TelegramService) SendMessage(ctx context.Context, text string) error {
	if !s.Enabled() {
		logger.Warn("Telegram credentials not set, skipping message")
		return nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.BaseURL, s.Token)
	payload, err := json.Marshal(map[string]string{
		"chat_id":    s.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to marshal Telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram api error: %s", resp.Status)
	}
	return nil
}

// send fires the message in the background.
func (s *TelegramService) send(text string) {
	if !s.Enabled() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.SendMessage(ctx, text); err != nil {
			logger.Error("Failed to deliver Telegram message", "error", err)
		}
	}()
}

func (s *TelegramService) NotifyFill(fill model.Fill, mirror *model.Order) {
	s.send(FormatFill(fill, mirror, time.Now()))
}

func (s *TelegramService) NotifyMirrorFailed(fill model.Fill, err error) {
	s.send(fmt.Sprintf(
		"⚠️ *Mirror order failed* - %s\n\n"+
			"🆔 Fill: %s\n"+
			"❌ %s\n"+
			"🔁 Will retry on the next reconcile pass.",
		fill.Symbol, escapeMarkdown(fill.OrderID), escapeMarkdown(err.Error()),
	))
}

func (s *TelegramService) NotifyDisconnect(symbol string, err error) {
	s.send(fmt.Sprintf(
		"🚨 *Grid bot stopped* - %s\n\n"+
			"🔌 Order stream lost: %s\n"+
			"📅 %s",
		symbol, escapeMarkdown(err.Error()), time.Now().Format("02/01/2006, 15:04:05"),
	))
}

// FormatFill renders the fill alert.
func FormatFill(fill model.Fill, mirror *model.Order, now time.Time) string {
	side := "🟢 Side: BUY"
	if fill.Side == model.SideSell {
		side = "🔴 Side: SELL"
	}
	next := "➖ No mirror order (grid edge or level occupied)"
	if mirror != nil {
		next = fmt.Sprintf("🔁 Mirror: %s %s @ %s", mirror.Side, mirror.Qty, mirror.Price)
	}
	return fmt.Sprintf(
		"🤖 Grid Trading - %s - Bybit\n"+
			"🆔 ID: %s\n"+
			"%s\n"+
			"📦 Qty: %s\n"+
			"💲 Price: %s\n"+
			"💵 Total: %s\n"+
			"%s\n"+
			"📅 Date: %s",
		fill.Symbol,
		escapeMarkdown(fill.OrderID),
		side,
		fill.Qty,
		fill.Price,
		fill.Price.Mul(fill.Qty).StringFixed(2),
		next,
		now.Format("02/01/2006, 15:04:05"),
	)
}

func escapeMarkdown(text string) string {
	return strings.ReplaceAll(text, "_", "\\_")
}

// NopNotifier discards every alert.
type NopNotifier struct{}

func (NopNotifier) NotifyFill(model.Fill, *model.Order) {}
func (NopNotifier) NotifyMirrorFailed(model.Fill, error) {}
func (NopNotifier) NotifyDisconnect(string, error) {}
