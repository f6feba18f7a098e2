package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/llm"
	"Clawracle-Agent/pkg/logger"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o"
)

// Config 描述 OpenAI 兼容端点的连接参数。
type Config struct {
	// APIKey 为访问凭证，必填。
	APIKey string
	// BaseURL 为 API 根地址，默认官方端点，可指向任何兼容服务。
	BaseURL string
	// Model 为模型名，默认 gpt-4o。
	Model string
	// Timeout 为单次请求超时，默认 60 秒。
	Timeout time.Duration
}

// Client 是 chat-completions 协议的最小实现。
type Client struct {
	config     Config
	httpClient *http.Client
	log        *slog.Logger
}

var _ llm.Client = (*Client)(nil)

// NewClient 构建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI 访问凭证")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger.Named("openai"),
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete 执行一次补全。JSONMode 被端点拒绝时自动去掉
// response_format 重试一次。
func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	payload := chatRequest{
		Model:       c.config.Model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		payload.Messages = append(payload.Messages, chatMessage{Role: "system", Content: req.System})
	}
	payload.Messages = append(payload.Messages, chatMessage{Role: "user", Content: req.User})
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	content, status, body, err := c.send(ctx, payload)
	if err == nil {
		return content, nil
	}
	if req.JSONMode && status == http.StatusBadRequest && strings.Contains(body, "response_format") {
		c.log.Info("端点不支持 JSON 输出模式，降级为普通补全", "model", c.config.Model)
		payload.ResponseFormat = nil
		content, _, _, err = c.send(ctx, payload)
		if err == nil {
			return content, nil
		}
	}
	return "", err
}

func (c *Client) send(ctx context.Context, payload chatRequest) (content string, status int, body string, err error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", 0, "", xerrors.Wrap(xerrors.CodeLLMUnavailable, err, "序列化补全请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return "", 0, "", xerrors.Wrap(xerrors.CodeLLMUnavailable, err, "构建补全请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", 0, "", xerrors.Wrap(xerrors.CodeLLMUnavailable, err, "补全请求发送失败")
	}
	defer resp.Body.Close()

	// 错误响应体只读有限长度，避免异常端点拖垮内存。
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, "", xerrors.Wrap(xerrors.CodeLLMUnavailable, err, "读取补全响应失败")
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(data)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return "", resp.StatusCode, snippet, xerrors.New(xerrors.CodeLLMUnavailable, "补全端点返回错误",
			xerrors.WithMetadata("status", http.StatusText(resp.StatusCode)),
			xerrors.WithMetadata("body", snippet))
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", resp.StatusCode, "", xerrors.Wrap(xerrors.CodeLLMUnavailable, err, "解析补全响应失败")
	}
	if parsed.Error != nil {
		return "", resp.StatusCode, "", xerrors.New(xerrors.CodeLLMUnavailable, "补全端点返回业务错误",
			xerrors.WithMetadata("type", parsed.Error.Type),
			xerrors.WithMetadata("message", parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", resp.StatusCode, "", xerrors.New(xerrors.CodeLLMUnavailable, "补全响应不含任何候选")
	}
	return parsed.Choices[0].Message.Content, resp.StatusCode, "", nil
}
