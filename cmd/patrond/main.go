package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Patron-Relay/internal/account"
	"Patron-Relay/internal/api"
	"Patron-Relay/internal/auth"
	"Patron-Relay/internal/config"
	"Patron-Relay/internal/ledger"
	"Patron-Relay/internal/ledger/ethereum"
	"Patron-Relay/internal/observability/alerting"
	"Patron-Relay/internal/observability/metrics"
	"Patron-Relay/internal/relay"
	"Patron-Relay/internal/sponsor"
	"Patron-Relay/internal/storage/mysql"
	"Patron-Relay/internal/verify"
	"Patron-Relay/pkg/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("patrond exited: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("PATRON_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "patron.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := initLogging(cfg.Log); err != nil {
		return err
	}

	// Execution backend and relay identity.
	var (
		invoker   ledger.Invoker
		chainID   *big.Int
		relayAddr common.Address
	)
	switch cfg.Chain.Driver {
	case "", "memory":
		invoker = ledger.NewMemory()
		chainID = big.NewInt(cfg.Chain.ChainID)
		relayAddr, err = relayAddress(cfg.Chain.RelayKeyHex)
		if err != nil {
			return err
		}
	case "ethereum":
		client, err := ethereum.NewClient(ctx, ethereum.Config{
			Name:           cfg.Chain.Ethereum.Name,
			RPCURL:         cfg.Chain.Ethereum.RPCURL,
			BatchRPCURL:    cfg.Chain.Ethereum.BatchRPCURL,
			RelayKeyHex:    cfg.Chain.RelayKeyHex,
			ReceiptTimeout: time.Duration(cfg.Chain.Ethereum.ReceiptTimeoutSeconds) * time.Second,
			PollInterval:   time.Duration(cfg.Chain.Ethereum.PollIntervalMillis) * time.Millisecond,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		invoker = client
		chainID = client.ChainID()
		relayAddr = client.RelayAddress()
	default:
		return fmt.Errorf("unknown chain driver: %s", cfg.Chain.Driver)
	}

	// Persistence for account state, policies and submissions.
	var (
		accountStore account.Store
		policyStore  sponsor.Store
		relayStore   relay.Store
		authStore    auth.Store
	)
	switch cfg.Storage.Driver {
	case "", "memory":
		accountStore = account.NewMemoryStore()
		policyStore = sponsor.NewMemoryStore()
		relayStore = relay.NewMemoryStore()
		memAuth, err := auth.NewMemoryStore(cfg.Auth.Seeds)
		if err != nil {
			return err
		}
		authStore = memAuth
	case "mysql":
		sqlCfg := mysqlConfig(cfg.Storage.MySQL)
		accounts, err := mysql.NewSQLAccountStore(ctx, sqlCfg)
		if err != nil {
			return err
		}
		defer accounts.Close()
		policies, err := mysql.NewSQLPolicyStore(ctx, sqlCfg)
		if err != nil {
			return err
		}
		defer policies.Close()
		submissions, err := mysql.NewSQLSubmissionStore(ctx, sqlCfg)
		if err != nil {
			return err
		}
		defer submissions.Close()
		users, err := mysql.NewSQLAuthStore(ctx, sqlCfg)
		if err != nil {
			return err
		}
		defer users.Close()
		accountStore = accounts
		policyStore = policies
		relayStore = submissions
		authStore = users
	default:
		return fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	// Submission queue.
	var queue relay.Queue
	switch cfg.Queue.Driver {
	case "", "memory":
		queue = relay.NewMemoryQueue(cfg.Queue.Buffer)
	case "redis":
		redisQueue, err := relay.NewRedisQueue(relay.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
		if err != nil {
			return err
		}
		queue = redisQueue
	case "rabbitmq":
		rabbitQueue, err := relay.NewRabbitMQQueue(relay.RabbitMQConfig{
			URL:        cfg.Queue.RabbitMQ.URL,
			Queue:      cfg.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Queue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		queue = rabbitQueue
	default:
		return fmt.Errorf("unknown queue driver: %s", cfg.Queue.Driver)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.L().Warn("close submission queue", slog.String("error", err.Error()))
		}
	}()

	// Sponsorship engine with optional verification gating.
	engineOpts := []sponsor.Option{}
	if cfg.Verification.IdentitiesPath != "" {
		provider, err := verify.LoadStaticProvider(cfg.Verification.IdentitiesPath)
		if err != nil {
			return err
		}
		engineOpts = append(engineOpts, sponsor.WithVerifier(provider))
	}
	engine := sponsor.NewEngine(policyStore, engineOpts...)

	if cfg.Sponsor.PolicySeedPath != "" {
		content, err := os.ReadFile(cfg.Sponsor.PolicySeedPath)
		if err != nil {
			return fmt.Errorf("read policy seed: %w", err)
		}
		seed, err := sponsor.ParseSeed(content)
		if err != nil {
			return err
		}
		if err := sponsor.ApplySeed(ctx, engine, seed); err != nil {
			return err
		}
	}

	registry := account.NewRegistry(chainID, invoker, accountStore)
	rel := relay.NewRelay(registry, engine, relayAddr,
		relay.WithExecuteTimeout(time.Duration(cfg.Sponsor.ExecuteTimeoutSeconds)*time.Second),
	)

	service := relay.NewService(relayStore, queue, rel, cfg.Sponsor.MaxRetries)

	processorOpts := []relay.ProcessorOption{
		relay.WithWorkerCount(cfg.Sponsor.Workers),
		relay.WithProcessorLogger(logger.L()),
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		sender := alerting.NewWebhookSender(cfg.Alerting.SlackWebhookURL)
		notifier := &alerting.SlackNotifier{Sender: sender, ChannelID: cfg.Alerting.SlackChannel}
		processorOpts = append(processorOpts, relay.WithAlertDispatcher(alerting.NewFanout(notifier)))
	}
	processor := relay.NewProcessor(rel, relayStore, queue, queue, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("submission processor stopped", slog.String("error", err.Error()))
		}
	}()

	// The workers are already draining, so requeuing a backlog larger
	// than the queue buffer cannot stall startup.
	if recovered, err := service.RecoverPending(ctx); err != nil {
		logger.L().Warn("submission recovery failed", slog.String("error", err.Error()))
	} else if recovered > 0 {
		logger.L().Info("requeued unfinished submissions", slog.Int("count", recovered))
	}

	authSvc, err := auth.NewService(ctx, cfg.Auth, authStore)
	if err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				logger.L().Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	logger.L().Info("patrond starting",
		slog.String("address", cfg.Server.Address),
		slog.String("chain_driver", cfg.Chain.Driver),
		slog.String("storage_driver", cfg.Storage.Driver),
		slog.String("queue_driver", cfg.Queue.Driver),
		slog.String("relay_address", relayAddr.Hex()),
	)

	server := api.NewServer(cfg.Server.Address, service, rel, registry, engine, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func initLogging(cfg config.LogConfig) error {
	logCfg := logger.Config{
		Level:     cfg.Level,
		Format:    cfg.Format,
		AddSource: cfg.AddSource,
	}
	if cfg.Output != "" {
		logCfg.OutputPaths = []string{cfg.Output}
	}
	if cfg.AuditEnabled {
		logCfg.Audit = logger.AuditConfig{
			Enabled:    true,
			Path:       cfg.AuditPath,
			MaxSizeMB:  cfg.AuditMaxSizeMB,
			MaxBackups: cfg.AuditMaxBackups,
			MaxAgeDays: cfg.AuditMaxAgeDays,
		}
	}
	return logger.Init(logCfg)
}

func relayAddress(keyHex string) (common.Address, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(keyHex), "0x")
	if trimmed == "" {
		return common.Address{}, errors.New("chain.relay_key_hex must be configured")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return common.Address{}, fmt.Errorf("parse relay key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
		ConnMaxIdleTime: time.Duration(cfg.ConnMaxIdleSeconds) * time.Second,
	}
}
