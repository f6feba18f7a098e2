package llm

import (
	"encoding/json"
	"strings"
)

// StripFences 去掉回复外层的 Markdown 代码围栏。
func StripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	// 围栏可能带语言标签，如 ```json。
	if i := strings.IndexByte(out, '\n'); i >= 0 {
		first := strings.TrimSpace(out[:i])
		if len(first) <= 16 && !strings.ContainsAny(first, "{}[]") {
			out = out[i+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// FirstJSONObject 返回文本中第一个括号配平的 {...} 片段，
// 找不到时返回空串。字符串字面量内的括号不参与配平。
func FirstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// DecodeLoose 对模型回复做防御性解码：
// 先去围栏直接解析，失败后退回第一个配平对象再试。
func DecodeLoose(raw string, out any) error {
	cleaned := StripFences(raw)
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	span := FirstJSONObject(cleaned)
	if span == "" {
		return json.Unmarshal([]byte(cleaned), out)
	}
	return json.Unmarshal([]byte(span), out)
}
