package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/pkg/logger"
)

// Event 描述一次需要告警的请求级事件，
// 如保证金不足、交易失败或答案被质疑。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RequestID  uint64            `json:"requestId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Notifier 负责将事件发送到某个通知渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 把事件投递给全部注册的通知器，
// 单个渠道失败不影响其余渠道。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建广播分发器，nil 通知器会被忽略。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	out := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			out = append(out, n)
		}
	}
	return &FanoutDispatcher{notifiers: out}
}

// Notify 广播事件并合并各渠道错误。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Name(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把告警写入结构化日志，始终可用，作为保底渠道。
type LogNotifier struct{}

// Name 返回渠道名。
func (LogNotifier) Name() string { return "log" }

// Notify 以日志形式记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Named("alert").Warn(event.Message,
		"code", string(event.Code),
		"severity", string(event.Severity),
		"request_id", event.RequestID,
		"metadata", event.Metadata)
	return nil
}

// WebhookNotifier 将事件以 JSON 形式 POST 到外部地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Name 返回渠道名。
func (n *WebhookNotifier) Name() string { return "webhook" }

// Notify 推送事件。未配置地址时静默跳过。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		return nil
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化告警事件失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("构建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警端点返回状态码 %d", resp.StatusCode)
	}
	return nil
}
