// Package pipeline implements the safe broadcast flow: a transaction is
// staged and previewed first, and only submitted after an independent
// confirm call re-validates its integrity, token and policy.
package pipeline

import (
	"log/slog"
	"time"

	xerrors "OpenMCP-Broadcast/internal/errors"
	"OpenMCP-Broadcast/internal/events"
	"OpenMCP-Broadcast/internal/observability/alerting"
	"OpenMCP-Broadcast/internal/observability/metrics"
	"OpenMCP-Broadcast/internal/pending"
	"OpenMCP-Broadcast/internal/policy"
	"OpenMCP-Broadcast/internal/web3"
	"OpenMCP-Broadcast/pkg/logger"
)

// Tool names reported in guard results and next actions.
const (
	ToolPreview = "preview"
	ToolConfirm = "confirm"
	ToolGet     = "get_pending"
	ToolList    = "list_pending"
	ToolRemove  = "remove_pending"
	ToolCleanup = "cleanup_pending"
)

// Config 控制租约与轮询参数。
type Config struct {
	DefaultTTL        time.Duration
	MaxTTL            time.Duration
	PollInterval      time.Duration
	DefaultTimeout    time.Duration
	MaxTimeout        time.Duration
	DefaultCommitment web3.Commitment
	// CleanupMaxAge 为每次变更前顺带清理时使用的最大年龄，0 表示只清理过期记录。
	CleanupMaxAge time.Duration
}

const (
	minTTL     = time.Second
	maxTTLCap  = 15 * time.Minute
	defaultTTL = 10 * time.Minute
)

func (c *Config) applyDefaults() {
	if c.MaxTTL <= 0 || c.MaxTTL > maxTTLCap {
		c.MaxTTL = maxTTLCap
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultTTL
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 60 * time.Second
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 10 * time.Minute
	}
	if c.DefaultTimeout > c.MaxTimeout {
		c.DefaultTimeout = c.MaxTimeout
	}
	if c.DefaultCommitment == "" {
		c.DefaultCommitment = web3.CommitmentConfirmed
	}
}

// Pipeline 串联待确认存储、网络协作者与策略评估。
type Pipeline struct {
	store    pending.Store
	networks web3.Resolver
	policy   *policy.Evaluator
	cfg      Config

	clock   pending.Clock
	events  events.Publisher
	alerter alerting.Dispatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
	audit   *slog.Logger
}

// Option 定义可选配置。
type Option func(*Pipeline)

// WithClock 替换时间源，主要用于测试。
func WithClock(clock pending.Clock) Option {
	return func(p *Pipeline) { p.clock = clock }
}

// WithEvents 配置生命周期事件发布器。
func WithEvents(publisher events.Publisher) Option {
	return func(p *Pipeline) { p.events = publisher }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(p *Pipeline) { p.alerter = dispatcher }
}

// WithMetrics 配置指标收集。
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.audit = l }
}

// New 构造 Pipeline。
func New(store pending.Store, networks web3.Resolver, evaluator *policy.Evaluator, cfg Config, opts ...Option) (*Pipeline, error) {
	if store == nil || networks == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "广播管道缺少存储或网络配置")
	}
	if evaluator == nil {
		evaluator = policy.NewEvaluator(policy.Default())
	}
	cfg.applyDefaults()
	p := &Pipeline{
		store:    store,
		networks: networks,
		policy:   evaluator,
		cfg:      cfg,
		events:   events.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.clock == nil {
		p.clock = time.Now
	}
	if p.logger == nil {
		p.logger = logger.Named("pipeline")
	}
	if p.audit == nil {
		p.audit = logger.Audit()
	}
	if p.events == nil {
		p.events = events.Nop{}
	}
	return p, nil
}

// Config 返回生效的配置。
func (p *Pipeline) Config() Config { return p.cfg }

func (p *Pipeline) now() time.Time { return p.clock() }

// Close 关闭存储与事件发布器。
func (p *Pipeline) Close() error {
	var first error
	if p.events != nil {
		first = p.events.Close()
	}
	if err := p.store.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
