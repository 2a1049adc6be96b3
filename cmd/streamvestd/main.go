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

	"github.com/ethereum/go-ethereum/common"

	"StreamVest-Chain/internal/agreement"
	"StreamVest-Chain/internal/api"
	"StreamVest-Chain/internal/chain"
	"StreamVest-Chain/internal/config"
	"StreamVest-Chain/internal/events"
	"StreamVest-Chain/internal/observability/alerting"
	"StreamVest-Chain/internal/transfer"
	"StreamVest-Chain/internal/transfer/erc20"
	"StreamVest-Chain/pkg/logger"
)

// main 是 streamvestd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("streamvestd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("STREAMVEST_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "streamvest.json")
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

	defs, err := chain.LoadDefinitions(cfg.Chain.DefinitionsPath)
	if err != nil {
		return err
	}
	registry := chain.NewAssetRegistry(defs)

	coordinator, closeBackend, err := buildCoordinator(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	publisher, err := buildPublisher(cfg)
	if err != nil {
		_ = store.Close()
		return err
	}

	opts := []agreement.ServiceOption{
		agreement.WithAlertDispatcher(alerting.NewFanout(alerting.LogNotifier{})),
	}
	if !registry.Empty() {
		opts = append(opts, agreement.WithTokenChecker(registry))
	}

	service := agreement.NewService(store, coordinator, publisher, opts...)
	defer func() {
		_ = service.Close()
	}()

	server := api.NewServer(cfg.Server.Address, service)
	logger.L().Info("streamvestd 启动", "address", cfg.Server.Address)
	return server.Start(ctx)
}

func buildCoordinator(ctx context.Context, cfg *config.Config) (*transfer.Coordinator, func(), error) {
	switch cfg.Tokens.Backend {
	case "", "memory":
		custody := common.HexToAddress(cfg.Tokens.Custody)
		backend := transfer.NewMemoryBackend(custody)
		return transfer.NewCoordinator(backend, custody), func() {}, nil
	case "erc20":
		backend, err := erc20.NewBackend(ctx, erc20.Config{
			RPCURL:        cfg.Tokens.RPCURL,
			PrivateKeyHex: cfg.Tokens.PrivateKeyHex,
			ChainID:       cfg.Tokens.ChainID,
		})
		if err != nil {
			return nil, nil, err
		}
		return transfer.NewCoordinator(backend, backend.Custody()), backend.Close, nil
	default:
		return nil, nil, fmt.Errorf("不支持的代币后端: %s", cfg.Tokens.Backend)
	}
}

func buildStore(cfg *config.Config) (agreement.Store, error) {
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		return agreement.NewMemoryStore(), nil
	case "mysql":
		return agreement.NewMySQLStore(agreement.MySQLConfig{
			DSN:             cfg.Storage.Ledger.DSN,
			MaxOpenConns:    cfg.Storage.Ledger.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.Ledger.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.Ledger.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("不支持的账本存储驱动: %s", cfg.Storage.Ledger.Driver)
	}
}

func buildPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "", "memory":
		return events.NewMemoryPublisher(), nil
	case "redis":
		return events.NewRedisPublisher(events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Stream:   cfg.Events.Redis.Stream,
			MaxLen:   cfg.Events.Redis.MaxLen,
		})
	case "rabbitmq":
		return events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:        cfg.Events.RabbitMQ.URL,
			Queue:      cfg.Events.RabbitMQ.Queue,
			Durable:    cfg.Events.RabbitMQ.Durable,
			AutoDelete: cfg.Events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("不支持的事件通道: %s", cfg.Events.Driver)
	}
}
