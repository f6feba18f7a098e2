package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"Clawracle-Agent/internal/agent"
	"Clawracle-Agent/internal/api"
	"Clawracle-Agent/internal/apis"
	"Clawracle-Agent/internal/config"
	"Clawracle-Agent/internal/ipfs"
	"Clawracle-Agent/internal/llm"
	"Clawracle-Agent/internal/llm/openai"
	"Clawracle-Agent/internal/observability/alerting"
	"Clawracle-Agent/internal/oracle"
	"Clawracle-Agent/internal/query"
	"Clawracle-Agent/internal/resolver"
	"Clawracle-Agent/internal/tracking"
	"Clawracle-Agent/internal/web3/provider"
	"Clawracle-Agent/pkg/logger"
)

// main 是 clawracled 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("clawracled 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CLAWRACLE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "clawracle.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := createStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Load(ctx); err != nil {
		return err
	}
	logger.L().Info("追踪存储已加载", "driver", cfg.Storage.Driver, "tracked", store.Len())

	queue, err := createQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("关闭派发队列失败", "error", err)
		}
	}()

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	web3Client, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	agentKey := strings.TrimSpace(os.Getenv(cfg.Oracle.AgentKeyEnv))
	if agentKey == "" {
		return fmt.Errorf("缺少 Agent 私钥，请设置环境变量 %s", cfg.Oracle.AgentKeyEnv)
	}
	oracleClient, err := oracle.NewClient(ctx, web3Client, oracle.Config{
		RegistryAddress: cfg.Oracle.RegistryAddress,
		TokenAddress:    cfg.Oracle.TokenAddress,
		PrivateKeyHex:   agentKey,
		AgentID:         cfg.Oracle.AgentID,
		ConfirmTimeout:  cfg.Oracle.ConfirmTimeout(),
	})
	if err != nil {
		return err
	}
	logger.L().Info("链上身份就绪",
		"address", oracleClient.Address().Hex(), "agent_id", cfg.Oracle.AgentID)

	// 缺少大模型凭证时进入降级模式：继续跟踪请求但不提交答案。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}
	if llmClient == nil {
		logger.L().Warn("未配置大模型凭证，进入只跟踪不解析的降级模式")
	}

	apiRegistry, err := apis.Load(cfg.APIs.ConfigPaths, cfg.APIs.DocsDirs)
	if err != nil {
		return err
	}
	logger.L().Info("外部数据能力已加载", "categories", apiRegistry.Categories())

	fetcher := ipfs.NewFetcher(
		ipfs.WithGateways(cfg.IPFS.Gateways),
		ipfs.WithTimeout(cfg.IPFS.Timeout()),
	)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	alerts := alerting.NewFanout(notifiers...)

	orchestrator := agent.NewOrchestrator(store, fetcher, resolver.New(llmClient, apiRegistry),
		oracleClient, alerts,
		agent.WithFetchBackoff(cfg.Scheduler.FetchBackoff()),
		agent.WithIntentParser(query.NewUnderstander(llmClient)),
	)
	scheduler := agent.NewScheduler(store, queue,
		agent.WithInterval(cfg.Scheduler.Interval()),
		agent.WithStagger(cfg.Scheduler.Stagger()),
	)
	reconciler := agent.NewReconciler(store, oracleClient, apiRegistry,
		oracleClient.Address(), alerts,
		agent.WithQueryReader(oracleClient))

	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := queue.Consume(workCtx, cfg.Scheduler.Workers, orchestrator.Attempt); err != nil &&
			!errors.Is(err, context.Canceled) {
			logger.L().Error("队列消费异常退出", "error", err)
		}
	}()
	go func() {
		if err := reconciler.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("事件协调器异常退出", "error", err)
		}
	}()
	go func() {
		if err := scheduler.Run(workCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("调度器异常退出", "error", err)
		}
	}()

	if cfg.Server.Address == "" {
		<-ctx.Done()
		return nil
	}

	server := api.NewServer(cfg.Server.Address, store)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createStore 根据配置选择追踪存储驱动。
func createStore(ctx context.Context, cfg *config.Config) (tracking.Store, error) {
	switch cfg.Storage.Driver {
	case "", "file":
		return tracking.NewFileStore(cfg.Storage.Path), nil
	case "mysql":
		return tracking.NewMySQLStore(ctx, cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

// createQueue 根据配置选择派发队列驱动。
func createQueue(cfg *config.Config) (agent.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return agent.NewMemoryQueue(1024), nil
	case "redis":
		return agent.NewRedisQueue(agent.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: cfg.Queue.Redis.Wait(),
		})
	case "rabbitmq":
		return agent.NewRabbitMQQueue(agent.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

// createLLMClient 构建大模型客户端，凭证缺失时返回 nil 表示能力不可用。
func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(os.Getenv(cfg.LLM.OpenAI.APIKeyEnv))
		if apiKey == "" {
			return nil, nil
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
