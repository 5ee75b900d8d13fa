package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tao-dividends/internal/domain"
)

// Event 标识通知类型。
type Event string

const (
	EventTradeCommitted Event = "trade_committed"
	EventTradeFailed    Event = "trade_failed"
	EventReconciled     Event = "reconciled"
	EventSimulated      Event = "simulated"
)

// Notification 封装一次交易通知的上下文。
type Notification struct {
	Event         Event
	RequestID     string
	SubnetID      uint16
	AccountKey    string
	Action        domain.StakeAction
	Score         *int
	Status        domain.Status
	TxRef         string
	Error         string
	Attempts      int
	At            time.Time
	AdditionalMsg string
}

// FromRecord 由交易记录构造通知。
func FromRecord(event Event, rec domain.TransactionRecord) Notification {
	at := rec.UpdatedAt
	if rec.CompletedAt != nil {
		at = *rec.CompletedAt
	}
	return Notification{
		Event:      event,
		RequestID:  rec.RequestID,
		SubnetID:   rec.SubnetID,
		AccountKey: rec.AccountKey,
		Action:     rec.StakeAction(),
		Score:      rec.Score,
		Status:     rec.Status,
		TxRef:      rec.TxRef,
		Error:      rec.Error,
		Attempts:   rec.Attempts,
		At:         at,
	}
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Str("event", string(note.Event)).
		Str("request_id", note.RequestID).
		Str("status", string(note.Status)).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[TAO Dividends] %s\n", note.Event))
	builder.WriteString(fmt.Sprintf("Request: %s\n", note.RequestID))
	builder.WriteString(fmt.Sprintf("Subnet: %d\n", note.SubnetID))
	builder.WriteString(fmt.Sprintf("Hotkey: %s\n", note.AccountKey))
	builder.WriteString(fmt.Sprintf("Action: %s\n", note.Action))
	if note.Score != nil {
		builder.WriteString(fmt.Sprintf("Sentiment: %d\n", *note.Score))
	}
	builder.WriteString(fmt.Sprintf("Status: %s (attempt %d)\n", note.Status, note.Attempts))
	if note.TxRef != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxRef))
	}
	if note.Error != "" {
		builder.WriteString(fmt.Sprintf("Error: %s\n", note.Error))
	}
	if !note.At.IsZero() {
		builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
