package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ChainPilot/internal/api"
	"ChainPilot/internal/auth"
	"ChainPilot/internal/chain"
	"ChainPilot/internal/chain/ethereum"
	"ChainPilot/internal/chat"
	"ChainPilot/internal/config"
	"ChainPilot/internal/enrich"
	"ChainPilot/internal/errtrack"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/llm/openai"
	"ChainPilot/internal/observability/alerting"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/internal/orchestrator"
	"ChainPilot/internal/tools"
	"ChainPilot/internal/txsafe"
	"ChainPilot/pkg/logger"
)

// main 是 ChainPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("chainpilotd 运行失败: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "chainpilotd",
		Short:         "ChainPilot conversational on-chain agent daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "配置文件路径")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and transaction pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serve)
	return root
}

func defaultConfigPath() string {
	if env := os.Getenv("CHAINPILOT_CONFIG"); env != "" {
		return env
	}
	return filepath.Join("configs", "chainpilot.json")
}

func run(ctx context.Context, configPath string) error {
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
	defer func() { _ = logger.Sync() }()

	tracker, err := createTracker(cfg)
	if err != nil {
		return err
	}

	// 链接入。
	defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return err
	}
	endpoint, err := resolveEndpoint(cfg, defs)
	if err != nil {
		return err
	}
	chainClient, err := ethereum.NewClient(ctx, endpoint)
	if err != nil {
		return err
	}
	defer chainClient.Close()

	signerKey := config.Secret(cfg.Chain.SignerKeyEnv)
	if signerKey == "" {
		return fmt.Errorf("签名私钥环境变量 %s 未设置", cfg.Chain.SignerKeyEnv)
	}
	signer, err := chain.NewSigner(signerKey)
	if err != nil {
		return err
	}
	agent := chain.NewAgent(signer, chainClient, defs)

	// 对话存储。
	chatStore, err := createChatStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = chatStore.Close() }()
	chats := chat.NewService(chatStore)

	// 交易安全管道。
	txQueue, err := createTxQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := txQueue.Close(); err != nil {
			logger.L().Warn("关闭交易队列失败", "error", err)
		}
	}()
	pipeline := txsafe.NewPipeline(chainClient, signer, txsafe.NewMemoryStore(), txQueue,
		txsafe.ProtectionConfig{
			Enabled:        cfg.Protection.Enabled,
			Strategy:       txsafe.Strategy(cfg.Protection.Strategy),
			MaxPriorityFee: cfg.Protection.MaxPriorityFeeWei,
			BundleSize:     cfg.Protection.BundleSize,
			DelayMs:        cfg.Protection.DelayMs,
		},
		txsafe.WithConfirmTimeout(time.Duration(cfg.Protection.ConfirmTimeoutSeconds)*time.Second),
		txsafe.WithPollInterval(time.Duration(cfg.Protection.PollIntervalSeconds)*time.Second),
		txsafe.WithRequiredConfirmations(cfg.Protection.RequiredConfirmations),
		txsafe.WithTracker(tracker),
	)
	go func() {
		if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("交易管道异常退出", "error", err)
		}
	}()

	// 工具注册表。
	deps, err := createToolDeps(cfg, agent, chainClient, defs)
	if err != nil {
		return err
	}
	active := tools.CoreSet()
	if cfg.Tools.EnableEnrichment {
		active = tools.EnhancedSet()
	}
	registry, err := tools.NewRegistry(deps, active, tools.WithTracker(tracker))
	if err != nil {
		return err
	}

	// 模型客户端。
	model, err := createModelClient(cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(model, registry, chats,
		orchestrator.WithPipeline(pipeline),
		orchestrator.WithTracker(tracker),
	)

	authSvc, err := auth.NewService(auth.Config{
		Disabled:        cfg.Auth.Disabled,
		Secret:          config.Secret(cfg.Auth.SecretEnv),
		TokenTTLSeconds: cfg.Auth.TokenTTLSeconds,
	})
	if err != nil {
		return err
	}

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("指标服务异常退出", "error", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch, chats, pipeline, authSvc)
	logger.L().Info("chainpilotd 启动",
		"address", cfg.Server.Address,
		"chat_store", cfg.Storage.Chat.Driver,
		"tx_queue", cfg.TxQueue.Driver,
		"enrichment", cfg.Tools.EnableEnrichment,
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createTracker 组装错误追踪器；配置了 Slack 告警时接入渠道分发。
func createTracker(cfg *config.Config) (*errtrack.Tracker, error) {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Slack.Enabled {
		client, err := alerting.NewSlackClient(config.Secret(cfg.Alerting.Slack.TokenEnv))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    client,
			ChannelID: cfg.Alerting.Slack.Channel,
		})
	}
	if len(notifiers) == 0 {
		return errtrack.New(), nil
	}
	return errtrack.New(errtrack.WithDispatcher(alerting.NewFanout(notifiers...))), nil
}

// resolveEndpoint 合并链定义与配置覆盖，得到最终的接入端点。
func resolveEndpoint(cfg *config.Config, defs chain.Definitions) (ethereum.Config, error) {
	network := cfg.Chain.Network
	endpoint := ethereum.Config{Name: network}
	if network != "" {
		entry, ok := defs.Chains[network]
		if !ok {
			return endpoint, fmt.Errorf("链定义中不存在网络: %s", network)
		}
		endpoint.RPCURL = entry.RPCURL
		endpoint.WSURL = entry.WSURL
		endpoint.RelayRPCURL = entry.RelayRPCURL
	}
	if cfg.Chain.RPCURL != "" {
		endpoint.RPCURL = cfg.Chain.RPCURL
	}
	if cfg.Chain.WSURL != "" {
		endpoint.WSURL = cfg.Chain.WSURL
	}
	if cfg.Chain.RelayRPCURL != "" {
		endpoint.RelayRPCURL = cfg.Chain.RelayRPCURL
	}
	if endpoint.RPCURL == "" {
		return endpoint, errors.New("未配置链 RPC 地址")
	}
	return endpoint, nil
}

func createChatStore(cfg *config.Config) (chat.Store, error) {
	switch cfg.Storage.Chat.Driver {
	case "", "memory":
		return chat.NewMemoryStore(), nil
	case "sqlite":
		return chat.NewSQLiteStore(cfg.Storage.Chat.Path)
	case "mysql":
		return chat.NewMySQLStore(chat.MySQLConfig{
			DSN:             cfg.Storage.Chat.DSN,
			MaxOpenConns:    cfg.Storage.Chat.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Chat.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.Chat.ConnMaxLifetime,
		})
	default:
		return nil, fmt.Errorf("未知的对话存储驱动: %s", cfg.Storage.Chat.Driver)
	}
}

func createTxQueue(cfg *config.Config) (txsafe.Queue, error) {
	switch cfg.TxQueue.Driver {
	case "", "memory":
		return txsafe.NewMemoryQueue(cfg.TxQueue.Size), nil
	case "redis":
		return txsafe.NewRedisQueue(txsafe.RedisQueueConfig{
			Address:  cfg.TxQueue.Redis.Addr,
			Password: cfg.TxQueue.Redis.Password,
			DB:       cfg.TxQueue.Redis.DB,
			Queue:    cfg.TxQueue.Redis.Queue,
		})
	case "rabbitmq":
		return txsafe.NewRabbitMQQueue(txsafe.RabbitMQConfig{
			URL:     cfg.TxQueue.RabbitMQ.URL,
			Queue:   cfg.TxQueue.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的交易队列驱动: %s", cfg.TxQueue.Driver)
	}
}

// createToolDeps 组装工具依赖；未配置增强服务时对应接口为空，
// 增强类工具会以数据不可用的结果回应。
func createToolDeps(cfg *config.Config, agent *chain.Agent, client chain.Client, defs chain.Definitions) (tools.Deps, error) {
	deps := tools.Deps{Agent: agent}
	if !cfg.Tools.EnableEnrichment {
		return deps, nil
	}
	if cfg.Enrichment.BaseURL == "" {
		return deps, errors.New("启用增强工具需要配置 enrichment.base_url")
	}

	provider, err := enrich.NewHTTPProvider(enrich.HTTPConfig{
		BaseURL: cfg.Enrichment.BaseURL,
		APIKey:  config.Secret(cfg.Enrichment.APIKeyEnv),
	})
	if err != nil {
		return deps, err
	}

	deps.Market = provider
	deps.Sentiment = provider
	deps.Predictor = provider
	deps.Liquidity = provider
	deps.Monitor = enrich.NewMonitor(client, &defs)

	if cfg.Enrichment.Cache.Enabled {
		cache, err := enrich.NewCache(enrich.CacheConfig{
			Address:  cfg.Enrichment.Cache.Redis.Addr,
			Password: cfg.Enrichment.Cache.Redis.Password,
			DB:       cfg.Enrichment.Cache.Redis.DB,
			TTL:      time.Duration(cfg.Enrichment.Cache.TTLSeconds) * time.Second,
		})
		if err != nil {
			return deps, err
		}
		deps.Market = enrich.NewCachedMarket(cache, provider)
		deps.Sentiment = enrich.NewCachedSentiment(cache, provider)
		deps.Predictor = enrich.NewCachedPredictor(cache, provider)
		deps.Liquidity = enrich.NewCachedLiquidity(cache, provider)
	}
	return deps, nil
}

func createModelClient(cfg *config.Config) (llm.StreamClient, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		apiKey := config.Secret(cfg.LLM.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("模型密钥环境变量 %s 未设置", cfg.LLM.APIKeyEnv)
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
		})
	default:
		return nil, fmt.Errorf("未知的模型提供方: %s", cfg.LLM.Provider)
	}
}
