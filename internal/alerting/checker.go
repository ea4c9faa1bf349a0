// Package alerting 负责费用阈值检查与告警推送。
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/aggregator"
	"gasguard/internal/config"
	"gasguard/internal/metrics"
	"gasguard/internal/storage"
)

// 告警方向。
const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Rule 描述一条阈值规则，Below/Above 为 0 表示不启用该边界。
type Rule struct {
	Name     string
	Below    decimal.Decimal
	Above    decimal.Decimal
	Channels []string
}

// Match 判断费用是否触发规则。
func (r Rule) Match(fee decimal.Decimal) (direction string, threshold decimal.Decimal, ok bool) {
	if r.Above.IsPositive() && fee.GreaterThanOrEqual(r.Above) {
		return DirectionAbove, r.Above, true
	}
	if r.Below.IsPositive() && fee.LessThanOrEqual(r.Below) {
		return DirectionBelow, r.Below, true
	}
	return "", decimal.Zero, false
}

// RulesFromConfig 读取配置规则；未配置时按 policy 的高低阈值生成默认规则。
func RulesFromConfig(cfg *config.Config) []Rule {
	channels := cfg.Alerting.Channels
	if len(cfg.Alerting.Rules) == 0 {
		return []Rule{
			{Name: "high-fee", Above: decimal.NewFromFloat(cfg.Policy.HighFee), Channels: channels},
			{Name: "low-fee", Below: decimal.NewFromFloat(cfg.Policy.LowFee), Channels: channels},
		}
	}
	rules := make([]Rule, 0, len(cfg.Alerting.Rules))
	for _, r := range cfg.Alerting.Rules {
		ch := r.Channels
		if len(ch) == 0 {
			ch = channels
		}
		rules = append(rules, Rule{
			Name:     r.Name,
			Below:    decimal.NewFromFloat(r.BelowGwei),
			Above:    decimal.NewFromFloat(r.AboveGwei),
			Channels: ch,
		})
	}
	return rules
}

// ConditionReader 提供实时费用快照。
type ConditionReader interface {
	CurrentConditions(ctx context.Context) (aggregator.Conditions, error)
}

// Cooldowns 记录规则冷却期。
type Cooldowns interface {
	Get(ctx context.Context, key string) (string, bool)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration)
}

// CheckerOptions 组装 Checker。Store 与 Cooldowns 可为空。
type CheckerOptions struct {
	Rules     []Rule
	Cooldown  time.Duration
	Notifier  Notifier
	Cooldowns Cooldowns
	Store     storage.AlertStore
}

// Checker 只读取行情并推送告警，不修改任何业务状态。
type Checker struct {
	reader ConditionReader
	opts   CheckerOptions
	logger zerolog.Logger
	now    func() time.Time
}

// NewChecker 构造告警检查器。
func NewChecker(reader ConditionReader, opts CheckerOptions, logger zerolog.Logger) *Checker {
	return &Checker{
		reader: reader,
		opts:   opts,
		logger: logger.With().Str("component", "alerting").Logger(),
		now:    time.Now,
	}
}

// CooldownKey 返回规则的冷却键。
func CooldownKey(rule string) string {
	return "alert:cooldown:" + rule
}

// Check 读取当前行情并评估所有规则。
func (c *Checker) Check(ctx context.Context) ([]Notification, error) {
	cond, err := c.reader.CurrentConditions(ctx)
	if err != nil {
		return nil, fmt.Errorf("read conditions: %w", err)
	}
	return c.Evaluate(ctx, cond)
}

// Evaluate 对给定快照触发规则。推送失败会合并返回，便于调度器重试。
func (c *Checker) Evaluate(ctx context.Context, cond aggregator.Conditions) ([]Notification, error) {
	fee := decimal.NewFromFloat(cond.Fee.Gwei)
	capturedAt := time.UnixMilli(cond.Fee.CapturedAtMs).UTC()
	if cond.Fee.CapturedAtMs == 0 {
		capturedAt = c.now().UTC()
	}

	var (
		fired []Notification
		errs  []error
	)
	for _, rule := range c.opts.Rules {
		direction, threshold, ok := rule.Match(fee)
		if !ok {
			continue
		}
		if c.coolingDown(ctx, rule.Name) {
			c.logger.Debug().Str("rule", rule.Name).Msg("规则处于冷却期，跳过")
			metrics.AlertDispatches.WithLabelValues(rule.Name, "cooldown").Inc()
			continue
		}

		note := Notification{
			Rule:          rule.Name,
			CapturedAt:    capturedAt,
			FeeGwei:       fee,
			ThresholdGwei: threshold,
			Direction:     direction,
			Status:        string(cond.Status),
			Congestion:    cond.Congestion,
			FeeUSD:        decimal.NewFromFloat(cond.FeeUSD),
			Source:        string(cond.Source),
			Channels:      rule.Channels,
		}

		if c.opts.Notifier != nil {
			if err := c.opts.Notifier.Notify(ctx, note); err != nil {
				c.logger.Error().Err(err).Str("rule", rule.Name).Msg("failed to dispatch alert")
				errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
				metrics.AlertDispatches.WithLabelValues(rule.Name, "failed").Inc()
				continue
			}
		}
		if c.opts.Cooldowns != nil && c.opts.Cooldown > 0 {
			c.opts.Cooldowns.SetWithTTL(ctx, CooldownKey(rule.Name), capturedAt.Format(time.RFC3339), c.opts.Cooldown)
		}
		metrics.AlertDispatches.WithLabelValues(rule.Name, "sent").Inc()
		c.audit(ctx, note)
		fired = append(fired, note)
	}

	return fired, errors.Join(errs...)
}

func (c *Checker) coolingDown(ctx context.Context, rule string) bool {
	if c.opts.Cooldowns == nil || c.opts.Cooldown <= 0 {
		return false
	}
	_, ok := c.opts.Cooldowns.Get(ctx, CooldownKey(rule))
	return ok
}

func (c *Checker) audit(ctx context.Context, note Notification) {
	if c.opts.Store == nil {
		return
	}
	record := storage.AlertRecord{
		Rule:          note.Rule,
		SampleTS:      note.CapturedAt,
		FeeGwei:       note.FeeGwei,
		ThresholdGwei: note.ThresholdGwei,
		Direction:     note.Direction,
		Channels:      note.Channels,
	}
	if _, err := c.opts.Store.InsertAlert(ctx, record); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		c.logger.Error().Err(err).Str("rule", note.Rule).Msg("failed to persist alert record")
	}
}
