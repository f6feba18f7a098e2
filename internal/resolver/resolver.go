package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"Clawracle-Agent/internal/apis"
	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/llm"
	"Clawracle-Agent/pkg/logger"
)

// Result 是一次成功解析得到的可提交答案。
type Result struct {
	Answer    string
	Source    string
	IsPrivate bool
}

// callPlan 是规划阶段模型输出的调用计划。
type callPlan struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
	Steps   []string          `json:"steps"`
}

// extraction 是抽取阶段模型输出的结构。
type extraction struct {
	Answer     any    `json:"answer"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
}

// Resolver 按请求类别规划并执行外部 API 调用，再从响应中抽取单一答案。
// 除出站 HTTP 与模型调用外没有任何副作用。
type Resolver struct {
	llm      llm.Client
	registry *apis.Registry
	client   *http.Client
	log      *slog.Logger
}

// New 创建解析引擎。llmClient 为 nil 时引擎整体停用，
// 所有类别都解析失败。
func New(llmClient llm.Client, registry *apis.Registry) *Resolver {
	return &Resolver{
		llm:      llmClient,
		registry: registry,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      logger.Named("resolver"),
	}
}

// Resolve 解析问题文本。每一步失败都短路为 RESOLUTION_FAILED，
// 绝不向上层抛出非业务错误。
func (r *Resolver) Resolve(ctx context.Context, queryText, category string) (*Result, error) {
	if r.llm == nil {
		return nil, xerrors.New(xerrors.CodeResolutionFailure, "语言模型未配置，无法动态解析数据")
	}

	api, ok := r.registry.Lookup(category)
	if !ok {
		return nil, xerrors.New(xerrors.CodeNoCapability, "该类别没有配置数据源能力",
			xerrors.WithMetadata("category", category))
	}

	docs, err := r.registry.Docs(api)
	if err != nil {
		r.log.Warn("读取能力文档失败", "api", api.Name, "error", err)
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "无法读取数据源文档")
	}

	apiKey, err := r.registry.ResolveKey(api)
	if err != nil {
		r.log.Warn("解析数据源密钥失败", "api", api.Name, "error", err)
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "数据源密钥不可用")
	}

	plan, err := r.planCall(ctx, queryText, api, apiKey, docs)
	if err != nil {
		r.log.Warn("规划 API 调用失败", "api", api.Name, "error", err)
		return nil, err
	}
	r.log.Info("API 调用计划", "method", plan.Method, "url", plan.URL)

	payload, err := r.execute(ctx, plan)
	if err != nil {
		r.log.Warn("执行 API 调用失败", "url", plan.URL, "error", err)
		return nil, err
	}

	bounded := boundResponse(payload)
	result, err := r.extractAnswer(ctx, queryText, bounded)
	if err != nil {
		return nil, err
	}
	if result == nil {
		logResponseSummary(r.log, payload)
		return nil, xerrors.New(xerrors.CodeResolutionFailure, "响应中没有可用答案")
	}
	if result.Source == "" {
		result.Source = plan.URL
	}
	return result, nil
}

func (r *Resolver) planCall(ctx context.Context, queryText string, api apis.API, apiKey, docs string) (*callPlan, error) {
	raw, err := r.llm.Complete(ctx, llm.Request{
		System:      plannerPrompt(api, apiKey, docs),
		User:        fmt.Sprintf("Query: %q\n\nConstruct the API call(s) needed to answer this query using the API documentation above.", queryText),
		JSONMode:    true,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "调用计划生成失败")
	}

	plan := new(callPlan)
	if err := llm.DecodeLoose(raw, plan); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "调用计划不可解析")
	}
	if plan.URL == "" {
		return nil, xerrors.New(xerrors.CodeResolutionFailure, "调用计划缺少目标地址")
	}
	if plan.Method == "" {
		plan.Method = http.MethodGet
	}
	return plan, nil
}

func (r *Resolver) execute(ctx context.Context, plan *callPlan) (map[string]any, error) {
	method := strings.ToUpper(plan.Method)
	var body io.Reader
	if method == http.MethodPost {
		payload := plan.Body
		if len(payload) == 0 {
			payload = json.RawMessage(`{}`)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, plan.URL, body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "构建 API 请求失败")
	}
	for key, value := range plan.Headers {
		req.Header.Set(key, value)
	}
	if method == http.MethodPost && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "API 请求发送失败")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "读取 API 响应失败")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, xerrors.New(xerrors.CodeResolutionFailure, "API 返回错误状态",
			xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)))
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "API 响应不是 JSON 对象")
	}
	return payload, nil
}

// boundResponse 在进入抽取阶段前截断列表型字段，
// 只保留前 10 条并保留总数字段。
func boundResponse(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for key, value := range payload {
		out[key] = value
	}
	for _, field := range []string{"articles", "event"} {
		list, ok := out[field].([]any)
		if ok && len(list) > 10 {
			out[field] = list[:10]
		}
	}
	return out
}

// extractAnswer 返回 (nil, nil) 表示响应中没有答案。
func (r *Resolver) extractAnswer(ctx context.Context, queryText string, bounded map[string]any) (*Result, error) {
	encoded, err := json.MarshalIndent(bounded, "", "  ")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "序列化受限响应失败")
	}

	raw, err := r.llm.Complete(ctx, llm.Request{
		System:      extractorPrompt(queryText, string(encoded)),
		User:        fmt.Sprintf("Extract the SINGLE most relevant answer to: %q\n\nRemember: Prioritize most recent match, be concise, return only one answer.", queryText),
		JSONMode:    true,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "答案抽取调用失败")
	}

	extracted := new(extraction)
	if err := llm.DecodeLoose(raw, extracted); err != nil {
		snippet := raw
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		r.log.Warn("抽取回复不可解析", "content", snippet)
		return nil, xerrors.Wrap(xerrors.CodeResolutionFailure, err, "抽取回复不可解析")
	}

	answer := answerText(extracted.Answer)
	if answer == "" {
		return nil, nil
	}
	return &Result{Answer: answer, Source: extracted.Source}, nil
}

// answerText 把模型给出的答案归一化为字符串，空答案返回空串。
func answerText(v any) string {
	switch answer := v.(type) {
	case nil:
		return ""
	case string:
		if answer == "" || strings.EqualFold(answer, "null") {
			return ""
		}
		return answer
	default:
		raw, err := json.Marshal(answer)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// logResponseSummary 在无答案时记录响应概要，便于排查数据源质量。
func logResponseSummary(log *slog.Logger, payload map[string]any) {
	var titles []string
	var articleCount int
	if articles, ok := payload["articles"].([]any); ok {
		articleCount = len(articles)
		for _, item := range articles {
			if len(titles) == 3 {
				break
			}
			if article, ok := item.(map[string]any); ok {
				if title, ok := article["title"].(string); ok {
					titles = append(titles, title)
				}
			}
		}
	}
	total := payload["totalResults"]
	if total == nil {
		total = articleCount
	}
	log.Info("响应概要",
		"status", payload["status"],
		"total_results", total,
		"articles_returned", articleCount,
		"first_titles", titles)
}
