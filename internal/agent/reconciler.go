package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"Clawracle-Agent/internal/apis"
	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/observability/alerting"
	"Clawracle-Agent/internal/observability/metrics"
	"Clawracle-Agent/internal/oracle"
	"Clawracle-Agent/internal/tracking"
	"Clawracle-Agent/internal/web3"
	"Clawracle-Agent/pkg/logger"
)

// Subscriber 提供注册表事件的订阅能力。
type Subscriber interface {
	SubscribeRequests(ctx context.Context) (*web3.EventSubscription, error)
}

// QueryReader 读取链上请求记录，供启动对账使用。
type QueryReader interface {
	GetQuery(ctx context.Context, requestID *big.Int) (*oracle.QueryRecord, error)
}

// Reconciler 消费链上事件并把跟踪表与链上事实对齐。
// 每个事件处理器互相隔离，单个事件出错不会中断订阅。
type Reconciler struct {
	store      tracking.Store
	subscriber Subscriber
	registry   *apis.Registry
	self       common.Address
	alerts     alerting.Dispatcher
	reader     QueryReader

	resubscribeDelay time.Duration
	now              func() time.Time
	log              *slog.Logger
}

// ReconcilerOption 调整协调器的可选参数。
type ReconcilerOption func(*Reconciler)

// WithResubscribeDelay 覆盖断流后的重订阅间隔。
func WithResubscribeDelay(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.resubscribeDelay = d
		}
	}
}

// WithQueryReader 启用启动对账：订阅建立前用链上状态校正本地跟踪表。
func WithQueryReader(reader QueryReader) ReconcilerOption {
	return func(r *Reconciler) {
		r.reader = reader
	}
}

// WithReconcilerClock 覆盖时间源，供测试注入。
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReconciler 组装事件协调器。self 为本 Agent 的出账地址。
func NewReconciler(store tracking.Store, subscriber Subscriber, registry *apis.Registry,
	self common.Address, alerts alerting.Dispatcher, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:            store,
		subscriber:       subscriber,
		registry:         registry,
		self:             self,
		alerts:           alerts,
		resubscribeDelay: 5 * time.Second,
		now:              time.Now,
		log:              logger.Named("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run 维持事件订阅直到 ctx 取消，订阅断流后按固定间隔重建。
func (r *Reconciler) Run(ctx context.Context) error {
	r.Resync(ctx)
	for {
		sub, err := r.subscriber.SubscribeRequests(ctx)
		if err != nil {
			r.log.Warn("建立事件订阅失败，稍后重试", "error", err, "delay", r.resubscribeDelay)
			if !r.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		r.log.Info("事件订阅已建立")

		err = r.consume(ctx, sub)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Warn("事件订阅中断，准备重建", "error", err, "delay", r.resubscribeDelay)
		if !r.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// Resync 用链上事实校正本地跟踪表：宕机期间已结算的请求被移除，
// 已进入质疑的请求补记质疑状态。单条读失败只记日志，留给事件流修复。
func (r *Reconciler) Resync(ctx context.Context) {
	if r.reader == nil {
		return
	}
	for id, req := range r.store.Snapshot() {
		record, err := r.reader.GetQuery(ctx, new(big.Int).SetUint64(id))
		if err != nil {
			r.log.Warn("启动对账读取请求失败", "request_id", id, "error", err)
			continue
		}
		switch record.Status {
		case oracle.QueryStatusFinalized:
			if err := r.store.Remove(id); err != nil {
				r.log.Error("移除已结算请求失败", "request_id", id, "error", err)
				continue
			}
			r.log.Info("对账发现请求已结算，停止跟踪", "request_id", id)
		case oracle.QueryStatusDisputed:
			if req.IsDisputed {
				continue
			}
			_, err := r.store.Update(id, func(req *tracking.TrackedRequest) {
				req.Status = tracking.StatusDisputed
				req.IsDisputed = true
				if req.ResolvedAt > 0 {
					req.FinalizationTime = req.ResolvedAt + disputeWindow
				}
			})
			if err != nil {
				r.log.Error("对账补记质疑状态失败", "request_id", id, "error", err)
				continue
			}
			r.log.Warn("对账发现请求已被质疑", "request_id", id)
		}
	}
}

func (r *Reconciler) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.resubscribeDelay):
		return true
	}
}

func (r *Reconciler) consume(ctx context.Context, sub *web3.EventSubscription) error {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case lg, ok := <-sub.Logs():
			if !ok {
				return errors.New("事件日志通道已关闭")
			}
			r.HandleLog(ctx, lg)
		}
	}
}

// HandleLog 解码并处理单条日志。处理器内的 panic 被就地吸收，
// 订阅保持存活。
func (r *Reconciler) HandleLog(ctx context.Context, lg coretypes.Log) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("事件处理器异常", "panic", rec, "tx", lg.TxHash.Hex())
		}
	}()

	event, err := oracle.ParseLog(lg)
	if err != nil {
		r.log.Debug("忽略无法识别的日志", "tx", lg.TxHash.Hex())
		return
	}

	switch ev := event.(type) {
	case *oracle.RequestSubmitted:
		metrics.ObserveEvent("RequestSubmitted")
		r.onRequestSubmitted(ev)
	case *oracle.AnswerProposed:
		metrics.ObserveEvent("AnswerProposed")
		r.onAnswerProposed(ev)
	case *oracle.AnswerDisputed:
		metrics.ObserveEvent("AnswerDisputed")
		r.onAnswerDisputed(ctx, ev)
	case *oracle.RequestFinalized:
		metrics.ObserveEvent("RequestFinalized")
		r.onRequestFinalized(ev)
	}
}

func (r *Reconciler) onRequestSubmitted(ev *oracle.RequestSubmitted) {
	requestID := ev.RequestId.Uint64()
	log := r.log.With("request_id", requestID, "category", ev.Category)
	log.Info("发现新请求",
		"reward", formatEther(ev.Reward),
		"valid_from", time.Unix(ev.ValidFrom.Int64(), 0).Format(time.RFC3339),
		"deadline", time.Unix(ev.Deadline.Int64(), 0).Format(time.RFC3339))

	if !r.registry.Has(ev.Category) {
		log.Info("该类别没有配置能力，不跟踪")
		return
	}

	err := r.store.Put(&tracking.TrackedRequest{
		RequestID:    requestID,
		Category:     ev.Category,
		ValidFrom:    ev.ValidFrom.Int64(),
		Deadline:     ev.Deadline.Int64(),
		Reward:       ev.Reward.String(),
		BondRequired: ev.BondRequired.String(),
		IPFSCID:      ev.IpfsCID,
		Status:       tracking.StatusPending,
	})
	if err != nil {
		log.Error("写入新请求失败", "error", err)
		return
	}
	log.Info("已开始跟踪请求")
}

func (r *Reconciler) onAnswerProposed(ev *oracle.AnswerProposed) {
	// 只响应本 Agent 自己的答案被接受，他人提案不改变状态。
	if ev.Agent != r.self {
		return
	}
	requestID := ev.RequestId.Uint64()
	answerID := ev.AnswerId.Uint64()
	resolvedAt := r.now().Unix()

	ok, err := r.store.Update(requestID, func(req *tracking.TrackedRequest) {
		id := answerID
		req.MyAnswerID = &id
		req.Status = tracking.StatusProposed
		req.ResolvedAt = resolvedAt
		req.FinalizationTime = resolvedAt + finalizationWindow
	})
	if err != nil {
		r.log.Error("记录答案提案失败", "request_id", requestID, "error", err)
		return
	}
	if ok {
		r.log.Info("本 Agent 的答案已被接受", "request_id", requestID, "answer_id", answerID)
	}
}

func (r *Reconciler) onAnswerDisputed(ctx context.Context, ev *oracle.AnswerDisputed) {
	requestID := ev.RequestId.Uint64()

	ok, err := r.store.Update(requestID, func(req *tracking.TrackedRequest) {
		req.Status = tracking.StatusDisputed
		req.IsDisputed = true
		if req.ResolvedAt > 0 {
			// 质疑窗口取代原有的结算窗口。
			req.FinalizationTime = req.ResolvedAt + disputeWindow
		}
	})
	if err != nil {
		r.log.Error("记录质疑失败", "request_id", requestID, "error", err)
		return
	}
	if !ok {
		return
	}
	r.log.Warn("请求的答案被质疑", "request_id", requestID,
		"disputer", ev.Disputer.Hex(), "answer_id", ev.AnswerId.Uint64())
	logger.Audit().Info("answer disputed",
		"request_id", requestID,
		"answer_id", ev.AnswerId.Uint64(),
		"disputer", ev.Disputer.Hex())
	if r.alerts != nil {
		_ = r.alerts.Notify(ctx, alerting.Event{
			Code:      xerrors.CodeChainFailure,
			Severity:  xerrors.SeverityWarning,
			Message:   "已提交的答案被质疑",
			RequestID: requestID,
			Metadata:  map[string]string{"disputer": ev.Disputer.Hex()},
		})
	}
}

func (r *Reconciler) onRequestFinalized(ev *oracle.RequestFinalized) {
	requestID := ev.RequestId.Uint64()
	if ev.Winner == r.self {
		r.log.Info("本 Agent 赢得请求", "request_id", requestID,
			"reward", formatEther(ev.Reward))
		logger.Audit().Info("request won",
			"request_id", requestID,
			"reward", ev.Reward.String())
	}
	if err := r.store.Remove(requestID); err != nil {
		r.log.Error("移除已结算请求失败", "request_id", requestID, "error", err)
		return
	}
	r.log.Info("请求已结算，停止跟踪", "request_id", requestID,
		"winning_answer_id", ev.WinningAnswerId.Uint64())
}

// formatEther 把 wei 数量格式化为十进制代币数量，仅用于日志。
func formatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	f := new(big.Rat).SetFrac(wei, big.NewInt(1e18))
	return f.FloatString(4)
}
