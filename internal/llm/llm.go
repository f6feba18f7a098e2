package llm

import "context"

// Request 描述一次结构化补全调用。
type Request struct {
	// System 为系统提示词，可为空。
	System string
	// User 为用户消息正文。
	User string
	// JSONMode 要求传输层尽量启用 JSON 输出模式；
	// 底层不支持时由传输层降级重试。
	JSONMode bool
	// Temperature 为采样温度，零值表示使用服务端默认。
	Temperature float64
}

// Client 是语言模型能力的统一入口。未配置凭证时整个能力缺席，
// 调用方以 nil 客户端表达降级。
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}
