package query

import (
	"context"
	"errors"
	"testing"

	"Clawracle-Agent/internal/llm"
)

type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Complete(_ context.Context, _ llm.Request) (string, error) {
	f.calls++
	return f.reply, f.err
}

func containsAll(got []string, want ...string) bool {
	set := make(map[string]struct{}, len(got))
	for _, s := range got {
		set[s] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

func TestFallbackExtraction(t *testing.T) {
	intent := Fallback("What was the score of Arsenal vs Sunderland on 2024-05-01?")
	if !containsAll(intent.Subjects, "arsenal", "sunderland") {
		t.Fatalf("subjects = %v, want arsenal and sunderland", intent.Subjects)
	}
	if intent.Date != "2024-05-01" {
		t.Fatalf("date = %q, want 2024-05-01", intent.Date)
	}
	if intent.QuestionType != "score" {
		t.Fatalf("questionType = %q, want score", intent.QuestionType)
	}
}

func TestFallbackNoMatches(t *testing.T) {
	intent := Fallback("Will it rain in Lagos tomorrow?")
	if len(intent.Subjects) != 0 {
		t.Fatalf("subjects = %v, want none", intent.Subjects)
	}
	if intent.Date != "" {
		t.Fatalf("date = %q, want empty", intent.Date)
	}
	if intent.QuestionType != "score" {
		t.Fatalf("questionType = %q", intent.QuestionType)
	}
}

func TestUnderstandWithoutLLM(t *testing.T) {
	u := NewUnderstander(nil)
	intent := u.Understand(context.Background(), "chelsea vs liverpool 2024-03-10")
	if !containsAll(intent.Subjects, "chelsea", "liverpool") {
		t.Fatalf("subjects = %v", intent.Subjects)
	}
	if intent.Date != "2024-03-10" {
		t.Fatalf("date = %q", intent.Date)
	}
}

func TestUnderstandParsesLLMReply(t *testing.T) {
	fake := &fakeLLM{reply: "```json\n{\"subjects\":[\"real madrid\",\"barcelona\"],\"date\":\"2024-04-21\",\"questionType\":\"winner\"}\n```"}
	u := NewUnderstander(fake)
	intent := u.Understand(context.Background(), "who won el clasico")
	if !containsAll(intent.Subjects, "real madrid", "barcelona") {
		t.Fatalf("subjects = %v", intent.Subjects)
	}
	if intent.Date != "2024-04-21" || intent.QuestionType != "winner" {
		t.Fatalf("intent = %+v", intent)
	}
}

func TestUnderstandBackfillsMissingFields(t *testing.T) {
	fake := &fakeLLM{reply: `{"subjects":[],"date":null}`}
	u := NewUnderstander(fake)
	intent := u.Understand(context.Background(), "arsenal match on 2024-05-01")
	if !containsAll(intent.Subjects, "arsenal") {
		t.Fatalf("subjects = %v, want backfilled arsenal", intent.Subjects)
	}
	if intent.Date != "2024-05-01" {
		t.Fatalf("date = %q, want backfilled", intent.Date)
	}
	if intent.QuestionType != "score" {
		t.Fatalf("questionType = %q, want default", intent.QuestionType)
	}
}

func TestUnderstandFallsBackOnGarbageAndError(t *testing.T) {
	garbage := &fakeLLM{reply: "I cannot help with that."}
	intent := NewUnderstander(garbage).Understand(context.Background(), "sunderland game 2024-01-02")
	if !containsAll(intent.Subjects, "sunderland") || intent.Date != "2024-01-02" {
		t.Fatalf("garbage reply should fall back, got %+v", intent)
	}

	failing := &fakeLLM{err: errors.New("boom")}
	intent = NewUnderstander(failing).Understand(context.Background(), "chelsea game 2024-01-02")
	if !containsAll(intent.Subjects, "chelsea") || intent.Date != "2024-01-02" {
		t.Fatalf("transport error should fall back, got %+v", intent)
	}
}
