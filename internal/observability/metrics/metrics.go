// Package metrics exposes agent counters in the Prometheus text
// exposition format without pulling in a client library.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram() *histogram {
	buckets := []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

type collector struct {
	mu              sync.Mutex
	attempts        map[string]uint64
	gatewayFailures uint64
	submissions     uint64
	eventsHandled   map[string]uint64
	attemptLatency  *histogram
}

var agentCollector = &collector{
	attempts:       make(map[string]uint64),
	eventsHandled:  make(map[string]uint64),
	attemptLatency: newHistogram(),
}

// ObserveAttempt 记录一次解析尝试的结果与耗时。
// outcome 取值如 submitted、skipped、fetch_failed、no_answer、chain_failed。
func ObserveAttempt(outcome string, duration time.Duration) {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.attempts[outcome]++
	agentCollector.attemptLatency.observe(duration.Seconds())
}

// ObserveGatewayFailure 记录一次全网关拉取失败。
func ObserveGatewayFailure() {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.gatewayFailures++
}

// ObserveSubmission 记录一次成功的链上答案提交。
func ObserveSubmission() {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.submissions++
}

// ObserveEvent 记录一次被处理的链上事件。
func ObserveEvent(name string) {
	agentCollector.mu.Lock()
	defer agentCollector.mu.Unlock()
	agentCollector.eventsHandled[name]++
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprint(w, agentCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	b.Grow(1024)

	b.WriteString("# HELP clawracle_attempts_total Total resolution attempts by outcome.\n")
	b.WriteString("# TYPE clawracle_attempts_total counter\n")
	for _, outcome := range sortedKeys(c.attempts) {
		fmt.Fprintf(&b, "clawracle_attempts_total{outcome=%q} %d\n", outcome, c.attempts[outcome])
	}

	b.WriteString("# HELP clawracle_gateway_failures_total Content fetches that exhausted every gateway.\n")
	b.WriteString("# TYPE clawracle_gateway_failures_total counter\n")
	fmt.Fprintf(&b, "clawracle_gateway_failures_total %d\n", c.gatewayFailures)

	b.WriteString("# HELP clawracle_submissions_total Answers confirmed on chain.\n")
	b.WriteString("# TYPE clawracle_submissions_total counter\n")
	fmt.Fprintf(&b, "clawracle_submissions_total %d\n", c.submissions)

	b.WriteString("# HELP clawracle_events_handled_total Registry events handled by the reconciler.\n")
	b.WriteString("# TYPE clawracle_events_handled_total counter\n")
	for _, name := range sortedKeys(c.eventsHandled) {
		fmt.Fprintf(&b, "clawracle_events_handled_total{event=%q} %d\n", name, c.eventsHandled[name])
	}

	b.WriteString("# HELP clawracle_attempt_duration_seconds Resolution attempt duration in seconds.\n")
	b.WriteString("# TYPE clawracle_attempt_duration_seconds histogram\n")
	hist := c.attemptLatency
	for idx, bound := range hist.buckets {
		fmt.Fprintf(&b, "clawracle_attempt_duration_seconds_bucket{le=%q} %d\n", formatFloat(bound), hist.counts[idx])
	}
	fmt.Fprintf(&b, "clawracle_attempt_duration_seconds_bucket{le=\"+Inf\"} %d\n", hist.count)
	fmt.Fprintf(&b, "clawracle_attempt_duration_seconds_sum %s\n", formatFloat(hist.sum))
	fmt.Fprintf(&b, "clawracle_attempt_duration_seconds_count %d\n", hist.count)

	return b.String()
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
