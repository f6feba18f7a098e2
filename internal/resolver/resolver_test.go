package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"Clawracle-Agent/internal/apis"
	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/llm"
)

type scriptedLLM struct {
	replies  []string
	requests []llm.Request
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (string, error) {
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", fmt.Errorf("no scripted reply left")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func testRegistry(t *testing.T, docs string) *apis.Registry {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "api-config.json")
	config := `{"apis":[{"category":"sports","name":"sportsdb","baseUrl":"https://example.com","docsFile":"sports.md","freeApiKey":"free-key","defaultParams":{"league":"epl"}}]}`
	if err := os.WriteFile(configPath, []byte(config), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sports.md"), []byte(docs), 0o644); err != nil {
		t.Fatalf("write docs: %v", err)
	}
	reg, err := apis.Load([]string{configPath}, []string{dir})
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	return reg
}

func planReply(method, url string) string {
	return fmt.Sprintf(`{"method":%q,"url":%q,"headers":{"X-Probe":"1"}}`, method, url)
}

func TestResolveHappyPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "1" {
			t.Errorf("planned header missing")
		}
		w.Write([]byte(`{"status":"ok","totalResults":1,"event":[{"strEvent":"Arsenal vs Sunderland","intHomeScore":"2","intAwayScore":"1"}]}`))
	}))
	defer server.Close()

	fake := &scriptedLLM{replies: []string{
		planReply("GET", server.URL+"/lookup?q=arsenal"),
		`{"answer":"Arsenal 2-1 Sunderland","source":"https://example.com/match/1","confidence":"high"}`,
	}}
	r := New(fake, testRegistry(t, "GET /lookup"))

	result, err := r.Resolve(context.Background(), "arsenal vs sunderland score", "Sports")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Answer != "Arsenal 2-1 Sunderland" {
		t.Fatalf("answer = %q", result.Answer)
	}
	if result.Source != "https://example.com/match/1" {
		t.Fatalf("source = %q", result.Source)
	}
	if result.IsPrivate {
		t.Fatal("public API result must not be private")
	}
	if len(fake.requests) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(fake.requests))
	}
	// 规划提示词必须携带文档与默认参数。
	planner := fake.requests[0].System
	if !strings.Contains(planner, "GET /lookup") || !strings.Contains(planner, `"league":"epl"`) {
		t.Fatalf("planner prompt incomplete:\n%s", planner)
	}
}

func TestResolveSourceFallsBackToPlanURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	url := server.URL + "/lookup"
	fake := &scriptedLLM{replies: []string{
		planReply("GET", url),
		`{"answer":"Yes","confidence":"medium"}`,
	}}
	result, err := New(fake, testRegistry(t, "docs")).Resolve(context.Background(), "did it happen", "sports")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if result.Source != url {
		t.Fatalf("source = %q, want plan url %q", result.Source, url)
	}
}

func TestResolveTruncatesArticlesForExtraction(t *testing.T) {
	var articles []string
	for i := 0; i < 15; i++ {
		articles = append(articles, fmt.Sprintf(`{"title":"article %d"}`, i))
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"ok","totalResults":15,"articles":[%s]}`, strings.Join(articles, ","))
	}))
	defer server.Close()

	fake := &scriptedLLM{replies: []string{
		planReply("GET", server.URL),
		`{"answer":"article 0","source":"s"}`,
	}}
	if _, err := New(fake, testRegistry(t, "docs")).Resolve(context.Background(), "q", "sports"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	extractor := fake.requests[1].System
	if !strings.Contains(extractor, `"totalResults": 15`) {
		t.Fatalf("totalResults not preserved:\n%s", extractor)
	}
	if strings.Contains(extractor, "article 10") {
		t.Fatal("articles beyond the first 10 leaked into the extraction prompt")
	}
	if !strings.Contains(extractor, "article 9") {
		t.Fatal("first 10 articles should survive truncation")
	}
}

func TestResolveNullAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok","totalResults":0,"articles":[]}`))
	}))
	defer server.Close()

	fake := &scriptedLLM{replies: []string{
		planReply("GET", server.URL),
		`{"answer":null,"source":null}`,
	}}
	_, err := New(fake, testRegistry(t, "docs")).Resolve(context.Background(), "q", "sports")
	if err == nil {
		t.Fatal("null answer must resolve to an error")
	}
	if xerrors.CodeOf(err) != xerrors.CodeResolutionFailure {
		t.Fatalf("code = %s", xerrors.CodeOf(err))
	}
}

func TestResolveUnknownCategory(t *testing.T) {
	fake := &scriptedLLM{}
	_, err := New(fake, testRegistry(t, "docs")).Resolve(context.Background(), "q", "weather")
	if err == nil {
		t.Fatal("expected error for unconfigured category")
	}
	if xerrors.CodeOf(err) != xerrors.CodeNoCapability {
		t.Fatalf("code = %s", xerrors.CodeOf(err))
	}
	if len(fake.requests) != 0 {
		t.Fatal("no llm call should happen without a capability")
	}
}

func TestResolveDisabledWithoutLLM(t *testing.T) {
	if _, err := New(nil, testRegistry(t, "docs")).Resolve(context.Background(), "q", "sports"); err == nil {
		t.Fatal("resolver without llm must fail every category")
	}
}

func TestBoundResponse(t *testing.T) {
	list := make([]any, 12)
	for i := range list {
		list[i] = map[string]any{"title": fmt.Sprintf("a%d", i)}
	}
	payload := map[string]any{"articles": list, "totalResults": float64(12), "status": "ok"}

	bounded := boundResponse(payload)
	if got := len(bounded["articles"].([]any)); got != 10 {
		t.Fatalf("bounded articles = %d, want 10", got)
	}
	if bounded["totalResults"].(float64) != 12 {
		t.Fatal("totalResults must survive truncation")
	}
	if len(payload["articles"].([]any)) != 12 {
		t.Fatal("original payload must not be mutated")
	}
}

func TestAnswerText(t *testing.T) {
	if answerText(nil) != "" {
		t.Fatal("nil answer should be empty")
	}
	if answerText("null") != "" || answerText("") != "" {
		t.Fatal("null-ish strings should be empty")
	}
	if answerText("2-1") != "2-1" {
		t.Fatal("plain string should pass through")
	}
	var decoded any
	if err := json.Unmarshal([]byte(`{"home":2,"away":1}`), &decoded); err != nil {
		t.Fatal(err)
	}
	if out := answerText(decoded); !strings.Contains(out, `"home":2`) {
		t.Fatalf("structured answer should be JSON-encoded, got %q", out)
	}
}
