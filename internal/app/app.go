package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"gasguard/internal/aggregator"
	"gasguard/internal/alerting"
	"gasguard/internal/cache"
	"gasguard/internal/config"
	"gasguard/internal/fetcher"
	"gasguard/internal/jobs"
	"gasguard/internal/metrics"
	"gasguard/internal/prediction"
	"gasguard/internal/recommend"
	"gasguard/internal/scheduler"
	"gasguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is the wired pipeline shared by the commands.
type components struct {
	cache      *cache.Gateway
	store      *storage.Store
	aggregator *aggregator.Aggregator
	prediction *prediction.Engine
	recommend  *recommend.Engine
	checker    *alerting.Checker
	closers    []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func (a *App) newSources(store *storage.Store) (aggregator.Sources, []func()) {
	cfg := a.Config
	rpc := fetcher.NewRPC(cfg.Chain.RPCURL)
	closers := []func(){rpc.Close}

	sources := aggregator.Sources{
		Fees: []fetcher.FeeSource{
			fetcher.NewLocalMonitor(fetcher.LocalMonitorOptions{Path: cfg.Monitor.Path, MaxAge: cfg.Monitor.MaxAge}, a.Logger),
			fetcher.NewChainOracle(rpc.Reader, cfg.Chain.RequestTimeout, a.Logger),
		},
		Price: fetcher.NewPriceOracle(fetcher.PriceOracleOptions{
			Address: cfg.Price.OracleAddress,
			Timeout: cfg.Chain.RequestTimeout,
		}, rpc.Reader, a.Logger),
		Congestion: fetcher.NewCongestionOracle(rpc.Reader, cfg.Chain.RequestTimeout),
	}

	// persisted polls are the longest series, the RPC window covers the gap
	if store != nil {
		sources.History = append(sources.History, store)
	}
	sources.History = append(sources.History, fetcher.NewFeeHistoryOracle(fetcher.FeeHistoryOptions{
		Blocks:    cfg.Chain.HistoryBlocks,
		BlockTime: cfg.Chain.BlockTime,
		Timeout:   cfg.Chain.RequestTimeout,
	}, rpc.Reader))

	if len(cfg.History.CrossChain) > 0 {
		dials := make(map[string]fetcher.DialFunc, len(cfg.History.CrossChain))
		for chain, url := range cfg.History.CrossChain {
			r := fetcher.NewRPC(url)
			dials[chain] = r.Reader
			closers = append(closers, r.Close)
		}
		sources.CrossChain = fetcher.NewCrossChain(dials, cfg.Chain.RequestTimeout, a.Logger)
	}

	return sources, closers
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil || store == nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func recommendPolicy(cfg *config.Config) recommend.Policy {
	return recommend.Policy{
		HighFee:        cfg.Policy.FallbackHighFee,
		HighCongestion: cfg.Policy.HighCongestion,
		SavingsPct:     cfg.Policy.SavingsPct,
		TargetRatio:    cfg.Policy.TargetRatio,
		WaitWindow:     cfg.Policy.WaitWindow,
		WaitConfidence: cfg.Policy.WaitConfidence,
		CacheTTL:       cfg.Reasoning.CacheTTL,
	}
}

// build wires every component. The cache and store are optional and their
// absence only narrows behaviour.
func (a *App) build(ctx context.Context) (*components, error) {
	cfg := a.Config
	c := &components{}

	c.cache = cache.New(cfg.Cache, a.Logger)
	c.closers = append(c.closers, func() { _ = c.cache.Close() })

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		c.close()
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		c.store = store
		c.closers = append(c.closers, closeStore)
	}

	sources, closers := a.newSources(store)
	c.closers = append(c.closers, closers...)

	c.aggregator = aggregator.New(sources, aggregator.PolicyFromConfig(cfg), a.Logger)

	var locker storage.AdvisoryLocker
	if store != nil {
		locker = store
	}
	c.prediction = prediction.NewEngine(c.aggregator, c.cache, locker, prediction.Options{
		Lookback: cfg.Lookback(),
		LockKey:  cfg.Scheduler.AdvisoryLockKey + 1,
	}, a.Logger)

	deps := recommend.Deps{
		Conditions: c.aggregator,
		Summary:    c.prediction,
		Cache:      c.cache,
	}
	if reasoner := recommend.NewOpenAIReasoner(cfg.Reasoning, a.Logger); reasoner != nil {
		deps.Reasoner = reasoner
		a.Logger.Debug().Str("provider", reasoner.Provider()).Str("model", reasoner.Model()).Msg("reasoning client ready")
	} else {
		a.Logger.Info().Msg("reasoning.api_key not configured; recommendations use the fallback rule")
	}
	if store != nil {
		deps.Recorder = store
	}
	c.recommend = recommend.New(deps, recommendPolicy(cfg), a.Logger)

	checkerOpts := alerting.CheckerOptions{
		Rules:     alerting.RulesFromConfig(cfg),
		Cooldown:  cfg.Alerting.Cooldown,
		Notifier:  a.newNotifier(),
		Cooldowns: c.cache,
	}
	if store != nil {
		checkerOpts.Store = store
	}
	c.checker = alerting.NewChecker(c.aggregator, checkerOpts, a.Logger)

	return c, nil
}

func (a *App) redisOptions(g *cache.Gateway) scheduler.RedisOptions {
	cfg := a.Config.Scheduler
	return scheduler.RedisOptions{
		KeyPrefix:   g.Key("scheduler"),
		Workers:     cfg.Workers,
		TaskTimeout: cfg.TaskTimeout,
		Retry:       scheduler.RetryPolicy{Limit: cfg.RetryLimit, Delay: cfg.RetryDelay},
	}
}

// newBackend picks the shared redis queue when the cache answered at start,
// otherwise the in-process timers.
func (a *App) newBackend(c *components) scheduler.Backend {
	cfg := a.Config.Scheduler
	if cfg.Backend == "redis" && c.cache.Enabled() {
		if c.cache.State() == cache.StateConnected {
			return scheduler.NewRedis(c.cache.Client(), a.redisOptions(c.cache), a.Logger)
		}
		a.Logger.Warn().Str("state", c.cache.State().String()).Msg("cache unreachable at start; scheduling in-process")
	}
	return scheduler.NewLocal(scheduler.LocalOptions{
		TaskTimeout: cfg.TaskTimeout,
		Retry:       scheduler.RetryPolicy{Limit: cfg.RetryLimit, Delay: cfg.RetryDelay},
	}, a.Logger)
}

func (a *App) newJobs(c *components) *jobs.Scheduler {
	deps := jobs.Deps{
		Aggregator: c.aggregator,
		Trainer:    c.prediction,
		Cache:      c.cache,
	}
	if a.Config.Alerting.Enabled {
		deps.Alerts = c.checker
	}
	if c.store != nil {
		deps.Samples = c.store
		deps.Savers = c.store
		deps.AlertLog = c.store
		deps.Locker = c.store
	}
	return jobs.New(a.newBackend(c), deps, jobs.OptionsFromConfig(a.Config), a.Logger)
}

// Run starts the recurring jobs and the metrics endpoint until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	metrics.Register()
	srv := a.serveMetrics()

	js := a.newJobs(c)
	n, err := js.StartAll(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int("tasks", n).Str("backend", a.Config.Scheduler.Backend).Msg("starting pipeline")

	if n > 0 {
		err = js.Wait()
	} else {
		<-ctx.Done()
	}

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		done()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("pipeline terminated with error")
		return err
	}
	a.Logger.Info().Msg("pipeline stopped")
	return nil
}

func (a *App) serveMetrics() *http.Server {
	if a.Config.Metrics.Addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Alerts bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	From   time.Time
	To     time.Time
	DryRun bool
}

// RecommendOptions carry one recommendation request.
type RecommendOptions struct {
	Message string
	Wallet  string
	Context map[string]any
}
