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
)

// Kind classifies a notification.
type Kind string

const (
	KindJobFinished       Kind = "job_finished"
	KindReadinessCritical Kind = "readiness_critical"
	KindBreakerOpened     Kind = "breaker_opened"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          Kind
	At            time.Time
	JobID         string
	JobStatus     string
	Keyword       string
	Period        string
	Succeeded     int
	Failed        int
	Skipped       int
	Readiness     string
	Ready         int
	TopK          int
	MissingASINs  []string
	Breaker       string
	AdditionalMsg string
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

	n.logger.Info().Str("kind", string(note.Kind)).
		Str("job_id", note.JobID).
		Str("keyword", note.Keyword).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	at := note.At
	if at.IsZero() {
		at = time.Now()
	}

	builder := strings.Builder{}
	switch note.Kind {
	case KindJobFinished:
		builder.WriteString("[Rank Sheet] refresh job finished\n")
		builder.WriteString(fmt.Sprintf("Job: %s\n", note.JobID))
		builder.WriteString(fmt.Sprintf("Status: %s\n", note.JobStatus))
		if note.Period != "" {
			builder.WriteString(fmt.Sprintf("Period: %s\n", note.Period))
		}
		builder.WriteString(fmt.Sprintf("Succeeded: %d, failed: %d, skipped: %d\n", note.Succeeded, note.Failed, note.Skipped))
	case KindReadinessCritical:
		builder.WriteString("[Rank Sheet] readiness critical\n")
		builder.WriteString(fmt.Sprintf("Keyword: %s (%s)\n", note.Keyword, note.Period))
		builder.WriteString(fmt.Sprintf("Ready: %d/%d (%s)\n", note.Ready, note.TopK, note.Readiness))
		if len(note.MissingASINs) > 0 {
			builder.WriteString(fmt.Sprintf("Missing images: %s\n", strings.Join(note.MissingASINs, ", ")))
		}
	case KindBreakerOpened:
		builder.WriteString("[Rank Sheet] circuit opened\n")
		builder.WriteString(fmt.Sprintf("Dependency: %s\n", note.Breaker))
	default:
		builder.WriteString(fmt.Sprintf("[Rank Sheet] %s\n", note.Kind))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", at.UTC().Format(time.RFC3339)))
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
