package query

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"Clawracle-Agent/internal/llm"
	"Clawracle-Agent/pkg/logger"
)

// Intent 是对请求问题的结构化理解结果。
type Intent struct {
	Subjects     []string `json:"subjects"`
	Date         string   `json:"date,omitempty"`
	QuestionType string   `json:"questionType"`
}

const defaultQuestionType = "score"

// 确定性兜底使用的固定主题词表。
var knownSubjects = []string{
	"arsenal",
	"chelsea",
	"sunderland",
	"liverpool",
	"manchester united",
	"manchester city",
}

var datePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

const systemPrompt = `You are a query parser for a data oracle. Extract subjects, dates, and question type from queries. Return ONLY valid JSON with: subjects (array), date (YYYY-MM-DD or null), questionType (score, winner, etc). Do not include any text outside the JSON object.`

// Fallback 用词表与日期正则做确定性抽取，永不失败。
func Fallback(queryText string) Intent {
	lower := strings.ToLower(queryText)
	intent := Intent{QuestionType: defaultQuestionType}
	for _, subject := range knownSubjects {
		if strings.Contains(lower, subject) {
			intent.Subjects = append(intent.Subjects, subject)
		}
	}
	if m := datePattern.FindString(queryText); m != "" {
		intent.Date = m
	}
	return intent
}

// Understander 负责把自由文本问题解析为 Intent，
// 语言模型缺席或出错时退回确定性抽取。
type Understander struct {
	llm llm.Client
	log *slog.Logger
}

// NewUnderstander 创建解析器，client 可以为 nil。
func NewUnderstander(client llm.Client) *Understander {
	return &Understander{llm: client, log: logger.Named("query")}
}

// Understand 解析问题文本。该调用从不向上返回错误，
// 任何一步失败都以兜底结果收尾。
func (u *Understander) Understand(ctx context.Context, queryText string) Intent {
	if u.llm == nil {
		u.log.Debug("语言模型未配置，使用确定性解析", "query", queryText)
		return Fallback(queryText)
	}

	raw, err := u.llm.Complete(ctx, llm.Request{
		System:      systemPrompt,
		User:        "Parse this query and return JSON: " + queryText,
		JSONMode:    true,
		Temperature: 0.1,
	})
	if err != nil {
		u.log.Warn("问题解析调用失败，退回确定性解析", "error", err)
		return Fallback(queryText)
	}

	var intent Intent
	if err := llm.DecodeLoose(raw, &intent); err != nil {
		snippet := raw
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		u.log.Warn("问题解析回复不可解析，退回确定性解析", "content", snippet, "error", err)
		return Fallback(queryText)
	}

	// 缺失字段逐项用兜底结果补齐。
	fallback := Fallback(queryText)
	if len(intent.Subjects) == 0 {
		intent.Subjects = fallback.Subjects
	}
	if intent.Date == "" || strings.EqualFold(intent.Date, "null") {
		intent.Date = fallback.Date
	}
	if intent.QuestionType == "" {
		intent.QuestionType = defaultQuestionType
	}
	return intent
}
