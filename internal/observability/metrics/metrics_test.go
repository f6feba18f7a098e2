package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerRendersCounters(t *testing.T) {
	ObserveAttempt("submitted", 700*time.Millisecond)
	ObserveAttempt("no_answer", 200*time.Millisecond)
	ObserveGatewayFailure()
	ObserveSubmission()
	ObserveEvent("RequestSubmitted")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`clawracle_attempts_total{outcome="submitted"} 1`,
		`clawracle_attempts_total{outcome="no_answer"} 1`,
		"clawracle_gateway_failures_total 1",
		"clawracle_submissions_total 1",
		`clawracle_events_handled_total{event="RequestSubmitted"} 1`,
		"clawracle_attempt_duration_seconds_count 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("输出缺少 %q:\n%s", want, body)
		}
	}
}

func TestHistogramBucketsAreCumulative(t *testing.T) {
	h := newHistogram()
	h.observe(0.05)
	h.observe(0.7)
	h.observe(200)

	// 0.05 落入全部桶，0.7 从 le=1 起，200 超出全部边界。
	if h.counts[0] != 1 {
		t.Fatalf("le=0.1 count = %d, want 1", h.counts[0])
	}
	if h.counts[2] != 2 {
		t.Fatalf("le=1 count = %d, want 2", h.counts[2])
	}
	if last := h.counts[len(h.counts)-1]; last != 2 {
		t.Fatalf("le=120 count = %d, want 2", last)
	}
	if h.count != 3 {
		t.Fatalf("count = %d, want 3", h.count)
	}
}
