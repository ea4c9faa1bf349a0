// Package recommend turns current conditions and user intent into an
// execution recommendation.
package recommend

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"gasguard/internal/aggregator"
	"gasguard/internal/metrics"
	"gasguard/internal/prediction"
	"gasguard/internal/storage"
)

// Path labels how a result was produced.
const (
	PathCache     = "cache"
	PathReasoning = "reasoning"
	PathFallback  = "fallback"
)

// Conditioner supplies the live snapshot.
type Conditioner interface {
	CurrentConditions(ctx context.Context) (aggregator.Conditions, error)
}

// Summarizer supplies the lookback trend summary.
type Summarizer interface {
	Summary(ctx context.Context) (prediction.Summary, error)
}

// Cache is the subset of the cache gateway the engine uses.
type Cache interface {
	IsAvailable() bool
	Get(ctx context.Context, key string) (string, bool)
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
}

// Recorder persists wallet-attributed results.
type Recorder interface {
	InsertRecommendation(ctx context.Context, rec storage.RecommendationRecord) error
}

// Deps wires an Engine. Reasoner, Cache, Summarizer and Recorder are optional.
type Deps struct {
	Conditions Conditioner
	Summary    Summarizer
	Reasoner   Reasoner
	Cache      Cache
	Recorder   Recorder
}

// Engine holds no per-call state and is safe for concurrent use.
type Engine struct {
	deps   Deps
	policy Policy
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a recommendation engine.
func New(deps Deps, policy Policy, logger zerolog.Logger) *Engine {
	return &Engine{
		deps:   deps,
		policy: policy.withDefaults(),
		logger: logger.With().Str("component", "recommend").Logger(),
		now:    time.Now,
	}
}

// CacheKey is the deterministic key for a message.
func CacheKey(message string) string {
	return "ai:" + base64.StdEncoding.EncodeToString([]byte(message))
}

// Recommend serves one request. The only error it returns is a failure to
// read current conditions at all; every reasoning problem ends in the
// deterministic fallback.
func (e *Engine) Recommend(ctx context.Context, req Request) (Result, error) {
	if err := getValidator().Struct(req); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	key := CacheKey(req.Message)
	if res, ok := e.cached(ctx, key); ok {
		metrics.Recommendations.WithLabelValues(PathCache).Inc()
		return res, nil
	}

	cond, err := e.deps.Conditions.CurrentConditions(ctx)
	if err != nil {
		return Result{}, err
	}

	var summary *prediction.Summary
	if e.deps.Summary != nil {
		if s, err := e.deps.Summary.Summary(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("history summary unavailable, continuing without it")
		} else if s.DataPoints > 0 {
			summary = &s
		}
	}

	res, path := e.decide(ctx, req, cond, summary)
	metrics.Recommendations.WithLabelValues(path).Inc()

	if path == PathReasoning {
		e.store(ctx, key, res)
	}
	e.record(ctx, req.Wallet, path, cond, res)
	return res, nil
}

func (e *Engine) decide(ctx context.Context, req Request, cond aggregator.Conditions, summary *prediction.Summary) (Result, string) {
	if e.deps.Reasoner == nil {
		e.logger.Debug().Msg("no reasoning credential, using fallback")
		return Fallback(cond, e.policy, e.now()), PathFallback
	}

	res, err := e.reason(ctx, req, cond, summary)
	if err != nil {
		re := classify(err)
		e.logger.Warn().
			Str("kind", string(re.Kind)).
			Int("status", re.Status).
			Err(re.Err).
			Msg("reasoning failed, using fallback")
		return Fallback(cond, e.policy, e.now()), PathFallback
	}
	return res, PathReasoning
}

func (e *Engine) reason(ctx context.Context, req Request, cond aggregator.Conditions, summary *prediction.Summary) (Result, error) {
	user, err := userPrompt(req)
	if err != nil {
		return Result{}, &ReasoningError{Kind: KindMalformed, Err: err}
	}

	raw, err := e.deps.Reasoner.Complete(ctx, systemPrompt(cond, summary), user)
	if err != nil {
		return Result{}, err
	}

	res, err := parseReply(raw)
	if err != nil {
		return Result{}, err
	}
	// the live snapshot is authoritative over whatever the model echoed
	res.Conditions = conditionsOf(cond)
	return res, nil
}

// parseReply decodes and validates an untrusted reasoning reply.
func parseReply(raw string) (Result, error) {
	var r reply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &r); err != nil {
		return Result{}, &ReasoningError{Kind: KindMalformed, Err: err}
	}
	if r.Action == "" {
		r.Action = r.Recommendation
	}
	if err := r.Result.Validate(); err != nil {
		return Result{}, &ReasoningError{Kind: KindInvalid, Err: fmt.Errorf("%w: %v", ErrInvalidResult, err)}
	}
	return r.Result, nil
}

// reply tolerates the older "recommendation" key for the action.
type reply struct {
	Result
	Recommendation Action `json:"recommendation"`
}

func (e *Engine) cached(ctx context.Context, key string) (Result, bool) {
	if e.deps.Cache == nil || !e.deps.Cache.IsAvailable() {
		return Result{}, false
	}
	raw, ok := e.deps.Cache.Get(ctx, key)
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal([]byte(raw), &res); err != nil || res.Validate() != nil {
		e.logger.Warn().Str("key", key).Msg("discarding unusable cached recommendation")
		e.deps.Cache.Delete(ctx, key)
		return Result{}, false
	}
	return res, true
}

func (e *Engine) store(ctx context.Context, key string, res Result) {
	if e.deps.Cache == nil || !e.deps.Cache.IsAvailable() {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		e.logger.Warn().Err(err).Msg("encode recommendation")
		return
	}
	e.deps.Cache.SetWithTTL(ctx, key, string(payload), e.policy.CacheTTL)
}

func (e *Engine) record(ctx context.Context, wallet, path string, cond aggregator.Conditions, res Result) {
	if wallet == "" || e.deps.Recorder == nil {
		return
	}
	rec := storage.RecommendationRecord{
		Wallet:  strings.ToLower(wallet),
		Action:  string(res.Action),
		Path:    path,
		FeeGwei: decimal.NewFromFloat(cond.Fee.Gwei),
	}
	if res.Savings != nil {
		rec.SavingsUSD = decimal.NewFromFloat(res.Savings.Amount)
		rec.SavingsPct = decimal.NewFromFloat(res.Savings.Percentage)
	}
	if err := e.deps.Recorder.InsertRecommendation(ctx, rec); err != nil && !errors.Is(err, storage.ErrNotConfigured) {
		e.logger.Warn().Err(err).Msg("record recommendation")
	}
}
