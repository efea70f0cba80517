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
	"time"

	"github.com/ethereum/go-ethereum/common"

	"OpenSettle-Chain/internal/api"
	"OpenSettle-Chain/internal/chain"
	"OpenSettle-Chain/internal/chain/ethereum"
	"OpenSettle-Chain/internal/config"
	"OpenSettle-Chain/internal/events"
	"OpenSettle-Chain/internal/indexer"
	"OpenSettle-Chain/internal/observability/alerting"
	"OpenSettle-Chain/internal/observability/metrics"
	"OpenSettle-Chain/internal/proofs"
	"OpenSettle-Chain/internal/registry"
	"OpenSettle-Chain/internal/vault"
	"OpenSettle-Chain/pkg/logger"
)

// main 是结算守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("settled 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENSETTLE_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "settled.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
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
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	var store vault.Store
	switch cfg.Storage.VaultStore.Driver {
	case "", "memory":
		store = vault.NewMemoryStore()
	case "mysql":
		s, err := vault.NewMySQLStore(cfg.Storage.VaultStore.DSN)
		if err != nil {
			return err
		}
		store = s
	default:
		return fmt.Errorf("未知的 vault 存储驱动: %s", cfg.Storage.VaultStore.Driver)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("关闭 vault 存储失败: %v", err)
		}
	}()

	var agentRegistry registry.Registry
	switch cfg.Storage.Registry.Driver {
	case "", "memory":
		agentRegistry = registry.NewMemoryRegistry()
	case "mysql":
		r, err := registry.NewMySQLRegistry(cfg.Storage.Registry.DSN)
		if err != nil {
			return err
		}
		defer r.Close()
		agentRegistry = r
	default:
		return fmt.Errorf("未知的注册表驱动: %s", cfg.Storage.Registry.Driver)
	}

	var history indexer.History
	switch cfg.Storage.History.Driver {
	case "", "memory":
		history = indexer.NewMemoryHistory()
	case "mysql":
		h, err := indexer.NewMySQLHistory(cfg.Storage.History.DSN)
		if err != nil {
			return err
		}
		history = h
	default:
		return fmt.Errorf("未知的历史存储驱动: %s", cfg.Storage.History.Driver)
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Printf("关闭结算历史失败: %v", err)
		}
	}()

	var queue events.Queue
	switch cfg.EventQueue.Driver {
	case "", "memory":
		queue = events.NewMemoryQueue(1024)
	case "redis":
		q, err := events.NewRedisQueue(events.RedisQueueConfig{
			Address:   cfg.EventQueue.Redis.Address,
			Password:  cfg.EventQueue.Redis.Password,
			DB:        cfg.EventQueue.Redis.DB,
			Queue:     cfg.EventQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.EventQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = q
	case "rabbitmq":
		q, err := events.NewRabbitMQQueue(events.RabbitMQConfig{
			URL:        cfg.EventQueue.RabbitMQ.URL,
			Queue:      cfg.EventQueue.RabbitMQ.Queue,
			Prefetch:   cfg.EventQueue.RabbitMQ.Prefetch,
			Durable:    cfg.EventQueue.RabbitMQ.Durable,
			AutoDelete: cfg.EventQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = q
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.EventQueue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭事件队列失败: %v", err)
		}
	}()

	checker, err := createChecker(cfg)
	if err != nil {
		return err
	}
	adapter := proofs.NewAdapter(checker)

	invoker, closeChains, err := createInvoker(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeChains()

	targets := make([]common.Hash, 0, len(cfg.Settlement.AllowedCallTargets))
	for _, raw := range cfg.Settlement.AllowedCallTargets {
		targets = append(targets, common.HexToHash(raw))
	}
	executor := vault.NewExecutor(invoker, vault.NewAllowListPolicy(targets...))

	manager := vault.NewManager(adapter, store, agentRegistry, executor,
		vault.WithManagerPublisher(queue),
		vault.WithManagerNonceGap(cfg.Settlement.MaxNonceGap),
	)

	idx := indexer.New(queue, history,
		indexer.WithWorkerCount(cfg.EventQueue.Worker),
		indexer.WithAlertDispatcher(alerting.NewFanout()),
	)

	indexerCtx, indexerCancel := context.WithCancel(ctx)
	defer indexerCancel()
	go func() {
		if err := idx.Start(indexerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("结算索引器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, manager, history)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createChecker(cfg *config.Config) (proofs.Checker, error) {
	switch cfg.Proofs.Checker {
	case "", "digest":
		return proofs.NewDigestChecker(), nil
	case "http":
		apiKey := ""
		if cfg.Proofs.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Proofs.APIKeyEnv))
		}
		return proofs.NewHTTPChecker(proofs.HTTPCheckerConfig{
			BaseURL: cfg.Proofs.VerifierURL,
			APIKey:  apiKey,
			Timeout: time.Duration(cfg.Proofs.Timeout) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的证明检查器: %s", cfg.Proofs.Checker)
	}
}

// createInvoker 按链定义文件装配调用客户端。
// 未配置任何链时返回 nil，此时 Call 动作会在执行阶段被拒绝。
func createInvoker(ctx context.Context, cfg *config.Config) (chain.Invoker, func(), error) {
	defs, err := chain.LoadDefinitions(cfg.Chain.Definitions)
	if err != nil {
		return nil, nil, err
	}
	if len(defs.Chains) == 0 {
		return nil, func() {}, nil
	}

	invokers := make(map[string]chain.Invoker, len(defs.Chains))
	for name, def := range defs.Chains {
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:   name,
			RPCURL: def.RPCURL,
			Notes:  def.Description,
		})
		if err != nil {
			for _, built := range invokers {
				built.Close()
			}
			return nil, nil, err
		}
		invokers[name] = client
	}

	defaultChain := cfg.Chain.Default
	if defaultChain == "" {
		defaultChain = defs.Default
	}
	chainRegistry, err := chain.NewRegistry(defaultChain, invokers)
	if err != nil {
		for _, built := range invokers {
			built.Close()
		}
		return nil, nil, err
	}
	invoker, err := chainRegistry.DefaultInvoker()
	if err != nil {
		chainRegistry.Close()
		return nil, nil, err
	}
	return invoker, chainRegistry.Close, nil
}
