package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"OpenMCP-Broadcast/internal/config"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/observability/alerting"
	"OpenMCP-Broadcast/internal/observability/metrics"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/pipeline"
	"OpenMCP-Broadcast/internal/policy"
	"OpenMCP-Broadcast/internal/storage/mysql"
	"OpenMCP-Broadcast/internal/storage/postgres"
	"OpenMCP-Broadcast/internal/storage/redis"
	"OpenMCP-Broadcast/internal/storage/sqlite"
	"OpenMCP-Broadcast/internal/web3"
	"OpenMCP-Broadcast/internal/web3/provider"
	"OpenMCP-Broadcast/pkg/logger"
)

// app 汇总一次进程运行所需的组件。
type app struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	metrics  *metrics.Metrics
	closers  []func()
}

// bootstrap 按配置装配存储、事件、策略与网络。online 为 false 时不连接链节点，
// 只用于管理待确认记录的离线命令。
func bootstrap(ctx context.Context, configPath string, online bool) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
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
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	policyCfg, err := policy.Load(cfg.Policy.File)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var networks web3.Resolver = web3.Networks{}
	if online {
		defs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		registry, err := provider.NewRegistry(ctx, defs, cfg.Web3.DefaultNetwork)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.closers = append(a.closers, registry.Close)
		networks = registry
		logger.L().Info("已加载链配置", slog.Any("networks", registry.Networks()), slog.String("default", registry.DefaultNetwork()))
	}

	publisher, err := openEvents(ctx, cfg.Events)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	p, err := pipeline.New(store, networks, policy.NewEvaluator(policyCfg), pipeline.Config{
		DefaultTTL:        config.Millis(cfg.Pipeline.DefaultTTLMS),
		MaxTTL:            config.Millis(cfg.Pipeline.MaxTTLMS),
		PollInterval:      config.Millis(cfg.Pipeline.PollIntervalMS),
		DefaultTimeout:    config.Millis(cfg.Pipeline.DefaultTimeoutMS),
		MaxTimeout:        config.Millis(cfg.Pipeline.MaxTimeoutMS),
		DefaultCommitment: web3.Commitment(cfg.Pipeline.DefaultCommitment),
		CleanupMaxAge:     config.Millis(cfg.Pipeline.CleanupMaxAgeMS),
	},
		pipeline.WithEvents(publisher),
		pipeline.WithAlertDispatcher(buildAlerts(cfg.Alerting)),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		_ = store.Close()
		_ = publisher.Close()
		return nil, err
	}
	a.pipeline = p
	a.closers = append(a.closers, func() {
		if err := p.Close(); err != nil {
			logger.L().Warn("关闭广播管道失败", slog.Any("error", err))
		}
	})

	ok = true
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	_ = logger.Sync()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (pending.Store, error) {
	switch cfg.Driver {
	case "memory":
		return pending.NewMemoryStore(nil), nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0o755); err != nil {
			return nil, err
		}
		return sqlite.Open(ctx, sqlite.Config{Path: cfg.SQLite.Path}, nil)
	case "mysql":
		return mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.MySQL.ConnMaxLifetimeSeconds) * time.Second,
			ConnMaxIdleTime: time.Duration(cfg.MySQL.ConnMaxIdleTimeSeconds) * time.Second,
		}, nil)
	case "postgres":
		return postgres.Open(ctx, postgres.Config{DSN: cfg.Postgres.DSN, MaxConns: cfg.Postgres.MaxConns}, nil)
	case "redis":
		return redis.Open(ctx, redis.Config{
			URL:      cfg.Redis.URL,
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		}, nil)
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Driver)
	}
}

func openEvents(ctx context.Context, cfg config.EventsConfig) (events.Publisher, error) {
	switch cfg.Driver {
	case "none":
		return events.Nop{}, nil
	case "memory":
		bus := events.NewMemoryBus(cfg.BufferSize)
		go drainEvents(ctx, bus)
		return bus, nil
	case "redis":
		return events.NewRedisBus(ctx, events.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Queue,
		})
	case "rabbitmq":
		return events.NewRabbitMQBus(events.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: cfg.RabbitMQ.Durable,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Driver)
	}
}

// drainEvents 把进程内事件写入日志，避免缓冲区写满。
func drainEvents(ctx context.Context, bus *events.MemoryBus) {
	l := logger.Named("events")
	err := bus.Consume(ctx, 1, func(_ context.Context, evt events.Event) error {
		l.Info("lifecycle event",
			slog.String("type", string(evt.Type)),
			slog.String("pending_id", evt.PendingID),
			slog.String("tx_hash", evt.TxHash),
		)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		l.Warn("事件消费退出", slog.Any("error", err))
	}
}

func buildAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if webhook := cfg.SlackWebhook(); webhook != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewWebhookSender(webhook),
			ChannelID: cfg.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
