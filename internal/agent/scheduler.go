package agent

import (
	"context"
	"log/slog"
	"time"

	"Clawracle-Agent/internal/tracking"
	"Clawracle-Agent/pkg/logger"
)

// Scheduler 周期性扫描跟踪表，把可尝试的请求派发到队列。
// 真正的解析由队列消费者执行，扫描本身从不阻塞在单个请求上。
type Scheduler struct {
	store    tracking.Store
	producer Producer

	interval time.Duration
	stagger  time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// SchedulerOption 调整调度器的可选参数。
type SchedulerOption func(*Scheduler)

// WithInterval 覆盖扫描周期。
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithStagger 覆盖同一轮扫描内两次派发之间的间隔。
func WithStagger(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.stagger = d
		}
	}
}

// WithSchedulerClock 覆盖时间源，供测试注入。
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler 创建调度器，默认 2 秒扫描、1 秒错峰。
func NewScheduler(store tracking.Store, producer Producer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		producer: producer,
		interval: 2 * time.Second,
		stagger:  time.Second,
		now:      time.Now,
		log:      logger.Named("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 阻塞运行调度循环直到 ctx 取消。
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("调度器已启动", "interval", s.interval, "stagger", s.stagger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan 执行一轮扫描，返回本轮派发的请求数量。
// 同一轮内相邻两次派发之间停顿 stagger，避免上游突发流量。
func (s *Scheduler) Scan(ctx context.Context) int {
	now := s.now().Unix()
	published := 0
	for id, req := range s.store.Snapshot() {
		if req.Status != tracking.StatusPending || req.MyAnswerID != nil {
			continue
		}
		// 窗口内的请求派发去解析，过期的派发去清理；
		// 未到 validFrom 的等下一轮。
		if !req.Eligible(now) && !req.Expired(now) {
			continue
		}
		if s.store.InFlight(id) {
			continue
		}
		if published > 0 {
			select {
			case <-ctx.Done():
				return published
			case <-time.After(s.stagger):
			}
		}
		if err := s.producer.Publish(ctx, id); err != nil {
			s.log.Warn("派发请求失败", "request_id", id, "error", err)
			continue
		}
		published++
	}
	return published
}
