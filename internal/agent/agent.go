package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Clawracle-Agent/internal/errors"
	"Clawracle-Agent/internal/observability/alerting"
	"Clawracle-Agent/internal/observability/metrics"
	"Clawracle-Agent/internal/query"
	"Clawracle-Agent/internal/resolver"
	"Clawracle-Agent/internal/tracking"
	"Clawracle-Agent/pkg/logger"
)

const (
	// 拉取失败后的最短重试间隔。
	defaultFetchBackoff = 30 * time.Second
	// 提交答案后的基础质疑窗口。
	finalizationWindow = 300
	// 被质疑后延长的质疑窗口。
	disputeWindow = 600
)

// ContentFetcher 拉取请求负载。
type ContentFetcher interface {
	Fetch(ctx context.Context, cidOrURL string) (json.RawMessage, error)
}

// DataResolver 把问题文本解析为可提交的答案。
type DataResolver interface {
	Resolve(ctx context.Context, queryText, category string) (*resolver.Result, error)
}

// IntentParser 把问题文本解析为结构化意图，供日志与审计使用。
type IntentParser interface {
	Understand(ctx context.Context, queryText string) query.Intent
}

// Submitter 是链上提交所需的最小能力集合。
type Submitter interface {
	Address() common.Address
	BalanceOf(ctx context.Context, account common.Address) (*big.Int, error)
	ApproveBond(ctx context.Context, amount *big.Int) error
	SubmitAnswer(ctx context.Context, requestID *big.Int, answer []byte, source string, isPrivate bool) (uint64, error)
}

// requestPayload 是请求负载的已知字段，未知字段忽略。
type requestPayload struct {
	Query          string          `json:"query"`
	Category       string          `json:"category"`
	ExpectedFormat string          `json:"expectedFormat"`
	Metadata       json.RawMessage `json:"metadata"`
}

// Orchestrator 驱动单个请求从 PENDING 到 PROPOSED 的完整尝试。
type Orchestrator struct {
	store     tracking.Store
	fetcher   ContentFetcher
	resolver  DataResolver
	submitter Submitter
	alerts    alerting.Dispatcher
	intents   IntentParser

	fetchBackoff time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// OrchestratorOption 调整 Orchestrator 的可选参数。
type OrchestratorOption func(*Orchestrator)

// WithFetchBackoff 覆盖拉取失败的重试间隔。
func WithFetchBackoff(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.fetchBackoff = d
		}
	}
}

// WithIntentParser 启用问题意图解析，解析结果只进日志不影响解析流程。
func WithIntentParser(p IntentParser) OrchestratorOption {
	return func(o *Orchestrator) {
		o.intents = p
	}
}

// WithClock 覆盖时间源，供测试注入。
func WithClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator 组装解析编排器。
func NewOrchestrator(store tracking.Store, fetcher ContentFetcher, dataResolver DataResolver,
	submitter Submitter, alerts alerting.Dispatcher, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:        store,
		fetcher:      fetcher,
		resolver:     dataResolver,
		submitter:    submitter,
		alerts:       alerts,
		fetchBackoff: defaultFetchBackoff,
		now:          time.Now,
		log:          logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Attempt 对单个请求执行一次解析尝试。
// 同一请求已有尝试在途时立即返回；业务性失败（拉取失败、无答案、
// 余额不足、交易失败）都被就地消化并留待后续 tick 重试，
// 只有存储层故障会作为错误上抛。
func (o *Orchestrator) Attempt(ctx context.Context, requestID uint64) error {
	if !o.store.TryAcquire(requestID) {
		return nil
	}
	defer o.store.Release(requestID)

	start := o.now()
	log := o.log.With("request_id", requestID, "attempt_id", uuid.NewString())

	// 以最新持久化状态复核资格，防止与事件协调器竞争。
	req, ok := o.store.Get(requestID)
	if !ok {
		return nil
	}
	if req.Status != tracking.StatusPending || req.MyAnswerID != nil {
		return nil
	}

	now := start.Unix()
	if now < req.ValidFrom {
		log.Debug("尚未进入有效窗口", "valid_from", req.ValidFrom)
		return nil
	}
	if req.Expired(now) {
		log.Info("请求已过期，停止跟踪", "deadline", req.Deadline)
		metrics.ObserveAttempt("expired", o.now().Sub(start))
		return o.store.Remove(requestID)
	}

	// 拉取失败的退避门：30 秒内不重复拉取。
	if req.IPFSFetchFailed && now-req.LastFetchAttempt < int64(o.fetchBackoff/time.Second) {
		return nil
	}

	if _, err := o.store.Update(requestID, func(r *tracking.TrackedRequest) {
		r.LastFetchAttempt = now
	}); err != nil {
		return err
	}

	payloadRaw, err := o.fetcher.Fetch(ctx, req.IPFSCID)
	if err != nil {
		log.Warn("请求负载拉取失败，进入退避", "cid", req.IPFSCID, "error", err)
		metrics.ObserveGatewayFailure()
		metrics.ObserveAttempt("fetch_failed", o.now().Sub(start))
		_, updateErr := o.store.Update(requestID, func(r *tracking.TrackedRequest) {
			r.IPFSFetchFailed = true
		})
		return updateErr
	}
	if _, err := o.store.Update(requestID, func(r *tracking.TrackedRequest) {
		r.IPFSFetchFailed = false
		r.LastFetchAttempt = 0
	}); err != nil {
		return err
	}

	var payload requestPayload
	if err := json.Unmarshal(payloadRaw, &payload); err != nil || payload.Query == "" {
		log.Warn("请求负载缺少问题文本", "cid", req.IPFSCID, "error", err)
		metrics.ObserveAttempt("bad_payload", o.now().Sub(start))
		return nil
	}

	if o.intents != nil {
		intent := o.intents.Understand(ctx, payload.Query)
		log.Info("问题意图",
			"subjects", intent.Subjects,
			"date", intent.Date,
			"question_type", intent.QuestionType)
	}

	// 解析失败不进入拉取退避，下一个 tick 即可重试。
	result, err := o.resolver.Resolve(ctx, payload.Query, req.Category)
	if err != nil {
		log.Info("本轮未能解析出答案", "category", req.Category, "error", err)
		metrics.ObserveAttempt("no_answer", o.now().Sub(start))
		return nil
	}
	log.Info("解析得到答案", "answer", result.Answer, "source", result.Source)

	bond, ok := new(big.Int).SetString(req.BondRequired, 10)
	if !ok {
		bond = big.NewInt(0)
	}
	if bond.Sign() > 0 {
		balance, err := o.submitter.BalanceOf(ctx, o.submitter.Address())
		if err != nil {
			log.Warn("查询保证金余额失败", "error", err)
			metrics.ObserveAttempt("chain_failed", o.now().Sub(start))
			return nil
		}
		if balance.Cmp(bond) < 0 {
			log.Warn("保证金余额不足，跳过提交",
				"balance", balance.String(), "required", bond.String())
			o.notify(ctx, alerting.Event{
				Code:      xerrors.CodeInsufficientFunds,
				Severity:  xerrors.SeverityCritical,
				Message:   "保证金余额不足，无法提交答案",
				RequestID: requestID,
				Metadata: map[string]string{
					"balance":  balance.String(),
					"required": bond.String(),
				},
			})
			metrics.ObserveAttempt("insufficient_funds", o.now().Sub(start))
			return nil
		}
		if err := o.submitter.ApproveBond(ctx, bond); err != nil {
			log.Error("保证金授权失败", "error", err)
			o.alertChainFailure(ctx, requestID, "保证金授权失败", err)
			metrics.ObserveAttempt("chain_failed", o.now().Sub(start))
			return nil
		}
	}

	answerID, err := o.submitter.SubmitAnswer(ctx,
		new(big.Int).SetUint64(requestID), []byte(result.Answer), result.Source, result.IsPrivate)
	if err != nil {
		log.Error("答案提交失败", "error", err)
		o.alertChainFailure(ctx, requestID, "答案提交失败", err)
		metrics.ObserveAttempt("chain_failed", o.now().Sub(start))
		return nil
	}

	resolvedAt := o.now().Unix()
	if _, err := o.store.Update(requestID, func(r *tracking.TrackedRequest) {
		id := answerID
		r.MyAnswerID = &id
		r.Status = tracking.StatusProposed
		r.ResolvedAt = resolvedAt
		r.FinalizationTime = resolvedAt + finalizationWindow
	}); err != nil {
		return err
	}

	metrics.ObserveSubmission()
	metrics.ObserveAttempt("submitted", o.now().Sub(start))
	logger.Audit().Info("answer proposed",
		"request_id", requestID,
		"answer_id", answerID,
		"answer", result.Answer,
		"source", result.Source)
	log.Info("答案已上链", "answer_id", answerID, "finalization_time", resolvedAt+finalizationWindow)
	return nil
}

func (o *Orchestrator) alertChainFailure(ctx context.Context, requestID uint64, message string, cause error) {
	o.notify(ctx, alerting.Event{
		Code:      xerrors.CodeOf(cause),
		Severity:  xerrors.SeverityOf(cause),
		Message:   message,
		RequestID: requestID,
		Metadata:  map[string]string{"error": cause.Error()},
	})
}

func (o *Orchestrator) notify(ctx context.Context, event alerting.Event) {
	if o.alerts == nil {
		return
	}
	if err := o.alerts.Notify(ctx, event); err != nil {
		o.log.Warn("发送告警失败", "error", err)
	}
}
