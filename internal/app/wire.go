package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/econaudit/internal/arbitrage"
	s3blob "github.com/alanyoungcy/econaudit/internal/blob/s3"
	"github.com/alanyoungcy/econaudit/internal/cache/redis"
	"github.com/alanyoungcy/econaudit/internal/compiler"
	"github.com/alanyoungcy/econaudit/internal/config"
	"github.com/alanyoungcy/econaudit/internal/crypto"
	"github.com/alanyoungcy/econaudit/internal/domain"
	"github.com/alanyoungcy/econaudit/internal/executor"
	"github.com/alanyoungcy/econaudit/internal/extract"
	"github.com/alanyoungcy/econaudit/internal/fork"
	"github.com/alanyoungcy/econaudit/internal/llm"
	"github.com/alanyoungcy/econaudit/internal/metrics"
	"github.com/alanyoungcy/econaudit/internal/notify"
	"github.com/alanyoungcy/econaudit/internal/oracle"
	"github.com/alanyoungcy/econaudit/internal/pipeline"
	"github.com/alanyoungcy/econaudit/internal/profit"
	"github.com/alanyoungcy/econaudit/internal/service"
	"github.com/alanyoungcy/econaudit/internal/source"
	"github.com/alanyoungcy/econaudit/internal/store/postgres"
	"github.com/alanyoungcy/econaudit/internal/synth"
)

// Default gas estimates per modeled strategy.
var defaultGasUnits = arbitrage.GasUnits{Simple: 180_000, Triangular: 320_000, FlashLoan: 450_000}

// Dependencies bundles everything the modes need. It is built by Wire and
// torn down by the returned cleanup function.
type Dependencies struct {
	// Stores; nil without postgres.
	Postgres *postgres.Client
	Stores   service.AuditStores

	// Redis-backed; nil without redis.
	Redis       *redis.Client
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus

	// Blob storage; nil without a bucket.
	S3        *s3blob.Client
	Artifacts domain.ArtifactArchiver
	Blobs     domain.BlobReader

	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Notifier *notify.Notifier
	Forks    *fork.Manager

	Orchestrator *pipeline.Orchestrator
	Audits       *service.AuditService
}

// needsPostgres reports whether mode requires a database.
func needsPostgres(mode string) bool {
	return mode == "server"
}

// needsRedis reports whether mode requires redis.
func needsRedis(mode string) bool {
	return mode == "server"
}

// Wire builds every dependency from cfg. Postgres is mandatory in server
// mode; redis and S3 are used when configured.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Registry: prometheus.NewRegistry()}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Metrics = metrics.New(deps.Registry)

	// --- PostgreSQL ---
	if needsPostgres(cfg.Mode) || cfg.Postgres.DSN != "" {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		pool := pg.Pool()
		deps.Postgres = pg
		deps.Stores = service.AuditStores{
			Runs:          postgres.NewAuditRunStore(pool),
			Opportunities: postgres.NewOpportunityStore(pool),
			Executions:    postgres.NewExecutionStore(pool),
			Log:           postgres.NewAuditLogStore(pool),
		}
	}

	// --- Redis ---
	if cfg.Redis.Addr != "" {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Namespace:  cfg.Redis.Namespace,
		})
		switch {
		case err != nil && needsRedis(cfg.Mode):
			return fail(fmt.Errorf("wire: redis: %w", err))
		case err != nil:
			logger.WarnContext(ctx, "redis unavailable; running without cache and locks",
				slog.String("addr", cfg.Redis.Addr), slog.String("error", err.Error()))
		default:
			closers = append(closers, func() { _ = rc.Close() })
			deps.Redis = rc
			deps.PriceCache = redis.NewPriceCache(rc)
			deps.RateLimiter = redis.NewRateLimiter(rc)
			deps.LockManager = redis.NewLockManager(rc)
			deps.SignalBus = redis.NewSignalBus(rc)
		}
	}

	// --- S3 blob storage ---
	if cfg.S3.Bucket != "" {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			CreateBucket:   cfg.S3.CreateBucket,
		})
		if err != nil {
			logger.WarnContext(ctx, "object storage unavailable; artifacts will not be archived",
				slog.String("bucket", cfg.S3.Bucket), slog.String("error", err.Error()))
		} else {
			closers = append(closers, func() { _ = sc.Close() })
			deps.S3 = sc
			deps.Artifacts = s3blob.NewArtifactStore(s3blob.NewWriter(sc))
			deps.Blobs = s3blob.NewReader(sc)
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Chain clients ---
	clients := make(map[domain.Chain]*ethclient.Client, len(cfg.Chains))
	for name, cc := range cfg.Chains {
		if cc.RPCURL == "" {
			continue
		}
		c, err := ethclient.DialContext(ctx, cc.RPCURL)
		if err != nil {
			return fail(fmt.Errorf("wire: dial %s: %w", name, err))
		}
		closers = append(closers, c.Close)
		clients[domain.Chain(name)] = c
	}

	orch, forks, err := buildPipeline(ctx, cfg, deps, clients, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		if err := forks.Shutdown(); err != nil {
			logger.Warn("fork shutdown", slog.String("error", err.Error()))
		}
	})
	deps.Forks = forks

	// The orchestrator publishes through the service, which in turn runs the
	// orchestrator.
	relay := &eventRelay{}
	deps.Orchestrator = orch(relay)

	var (
		bus      domain.SignalBus
		notifier service.Notifier
	)
	if deps.SignalBus != nil {
		bus = deps.SignalBus
	}
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	deps.Audits = service.NewAuditService(deps.Orchestrator, deps.Stores, deps.Artifacts, deps.Blobs, bus, deps.LockManager, notifier, logger)
	relay.target = deps.Audits

	return deps, cleanup, nil
}

// buildPipeline assembles detection and validation. It returns a
// constructor for the orchestrator so the event sink can be bound later.
func buildPipeline(
	ctx context.Context,
	cfg *config.Config,
	deps *Dependencies,
	clients map[domain.Chain]*ethclient.Client,
	logger *slog.Logger,
) (func(pipeline.EventSink) *pipeline.Orchestrator, *fork.Manager, error) {
	econ := cfg.Economic

	// Oracle over every venue of every chain.
	oracleChains := make(map[domain.Chain]oracle.ChainConfig, len(cfg.Chains))
	readers := make(map[domain.Chain]oracle.PriceReader, len(clients))
	gas := make(map[domain.Chain]pipeline.GasPricer, len(clients))
	fees := make(map[domain.Chain]arbitrage.FeeParams, len(cfg.Chains))
	synthChains := make(map[domain.Chain]synth.ChainInfo, len(cfg.Chains))
	symbols := make(map[domain.Chain]string, len(cfg.Chains))
	upstreams := make(map[domain.Chain]string, len(cfg.Chains))
	explorers := make(map[domain.Chain]source.Explorer, len(cfg.Chains))
	stateReaders := make(map[domain.Chain]fork.StateReader, len(clients))

	for name, cc := range cfg.Chains {
		chain := domain.Chain(name)
		oracleChains[chain] = oracle.ChainConfig{
			Venues:            venues(cc.Factories),
			WrappedNative:     common.HexToAddress(cc.WrappedNative),
			NativeSymbol:      cc.NativeSymbol,
			Stablecoins:       addresses(cc.Stablecoins),
			NativeFallbackUSD: decimal.NewFromFloat(cc.NativeFallbackUSD),
		}
		fp := arbitrage.FeeParams{
			DEXFeeBps:       decimal.NewFromFloat(econ.DEXFeeBps),
			FlashLoanFeeBps: decimal.NewFromFloat(econ.FlashLoanFeeBps),
			NativeUSD:       decimal.NewFromFloat(cc.NativeFallbackUSD),
			GasUnits:        defaultGasUnits,
		}
		if cc.GasPriceGwei > 0 {
			fp.GasPriceWei = decimal.NewFromFloat(cc.GasPriceGwei).Shift(9).BigInt()
		}
		fees[chain] = fp
		synthChains[chain] = synth.ChainInfo{
			Router:        common.HexToAddress(cc.Router),
			WrappedNative: common.HexToAddress(cc.WrappedNative),
		}
		symbols[chain] = cc.NativeSymbol
		upstreams[chain] = cc.RPCURL
		if cc.ExplorerURL != "" {
			explorers[chain] = source.Explorer{BaseURL: cc.ExplorerURL, ChainID: cc.ChainID, APIKey: cfg.Source.APIKey}
		}
		if c, ok := clients[chain]; ok {
			readers[chain] = oracle.NewPoolReader(c, oracle.ReaderConfig{
				CallTimeout: cfg.Oracle.CallTimeout.Duration,
				MaxAttempts: cfg.Oracle.MaxAttempts,
				RPS:         cfg.Oracle.RPS,
				Burst:       cfg.Oracle.Burst,
			})
			gas[chain] = c
			stateReaders[chain] = c
		}
	}

	orc := oracle.New(oracle.Config{
		Chains:                oracleChains,
		DisagreementTolerance: decimal.NewFromFloat(cfg.Oracle.DisagreementTolerance),
		CacheTTL:              cfg.Oracle.SnapshotTTL.Duration,
	}, readers, deps.PriceCache, logger)

	kinds, err := strategyKinds(econ.Strategies)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	limits := arbitrage.DefaultLimits()
	if econ.DefaultVolume > 0 {
		limits.DefaultVolume = decimal.NewFromFloat(econ.DefaultVolume)
	}
	if econ.MaxPoolFraction > 0 {
		limits.MaxPoolFraction = decimal.NewFromFloat(econ.MaxPoolFraction)
	}
	if econ.MaxSlippage > 0 {
		limits.MaxSlippage = decimal.NewFromFloat(econ.MaxSlippage)
	}
	limits.MinProfit = decimal.NewFromFloat(econ.MinProfitUSD)
	if len(econ.Principals) > 0 {
		limits.FlashLoanPrincipals = limits.FlashLoanPrincipals[:0]
		for _, p := range econ.Principals {
			limits.FlashLoanPrincipals = append(limits.FlashLoanPrincipals, decimal.NewFromFloat(p))
		}
	}

	detector := pipeline.NewDetector(pipeline.DetectorConfig{
		Concurrency:   cfg.Pipeline.Concurrency,
		Quote:         domain.QuoteUSD,
		MinConfidence: extract.ParseConfidence(econ.MinConfidence),
		OracleTimeout: cfg.Oracle.QueryTimeout.Duration,
		Fees:          fees,
		Limits:        limits,
	},
		extract.New(extract.Config{Decimals: econ.PriceDecimals, Quote: domain.QuoteUSD}),
		orc, gas,
		arbitrage.NewComparator(decimal.NewFromFloat(econ.Threshold)),
		arbitrage.NewModeler(kinds, logger),
		deps.Metrics, logger,
	)

	// Validation.
	solc := compiler.NewSolc(cfg.Synth.SolcPath, cfg.Synth.EVMVersion, cfg.Synth.CompileTimeout.Duration)
	policy, err := synth.ParsePolicy(cfg.Synth.Policy)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	registry, err := synth.DefaultRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("wire: exploit templates: %w", err)
	}
	var gen synth.Generator
	if cfg.Synth.LLMEndpoint != "" {
		gen = llm.NewClient(llm.Config{
			BaseURL:     cfg.Synth.LLMEndpoint,
			Model:       cfg.Synth.LLMModel,
			Temperature: cfg.Synth.Temperature,
			NumCtx:      cfg.Synth.NumCtx,
			Timeout:     cfg.Synth.LLMTimeout.Duration,
		})
	}
	synthesizer := synth.New(synth.Config{
		Policy:          policy,
		Chains:          synthChains,
		FlashLoanFeeBps: int64(econ.FlashLoanFeeBps),
	}, registry, gen, solc, deps.Metrics, logger)

	ports, err := fork.NewPortPool(cfg.Fork.Host, cfg.Fork.PortMin, cfg.Fork.PortMax, deps.LockManager, cfg.Fork.StartupTimeout.Duration+cfg.Pipeline.AuditTimeout.Duration)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: fork ports: %w", err)
	}
	forks := fork.NewManager(fork.Config{
		Host:           cfg.Fork.Host,
		Upstreams:      upstreams,
		StartupTimeout: cfg.Fork.StartupTimeout.Duration,
		TeardownGrace:  cfg.Fork.TeardownGrace.Duration,
	}, &fork.AnvilLauncher{Path: cfg.Fork.AnvilPath}, ports, nil, deps.Metrics, logger)

	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Executor.DeployerKey,
		EncryptedKeyPath: cfg.Executor.EncryptedKeyPath,
		KeyPassword:      cfg.Executor.KeyPassword,
	})
	if err != nil && !errors.Is(err, crypto.ErrNoKey) {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}
	capital, err := parseWei(cfg.Executor.CapitalWei)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: executor capital: %w", err)
	}
	exec, err := executor.New(executor.Config{
		Key:      key,
		GasLimit: cfg.Executor.GasLimit,
		Timeout:  cfg.Executor.Timeout.Duration,
		Capital:  capital,
	}, nil, solc, deps.Metrics, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: executor: %w", err)
	}

	var fidelity pipeline.FidelityChecker
	if cfg.Fork.CheckFidelity {
		fidelity = &fork.UpstreamFidelity{Upstreams: stateReaders}
	}
	validator := pipeline.NewValidator(
		synthesizer, forks, exec, profit.NewAccountant(symbols), fidelity,
		pipeline.NewResultCache(cfg.Pipeline.ResultCacheTTL.Duration), logger,
	)

	var fetcher pipeline.SourceFetcher
	if len(explorers) > 0 {
		fetcher = source.New(source.Config{
			Explorers:   explorers,
			Timeout:     cfg.Source.Timeout.Duration,
			MaxAttempts: cfg.Source.MaxAttempts,
			RPS:         cfg.Source.RPS,
		}, logger)
	}

	ocfg := pipeline.OrchestratorConfig{
		AuditTimeout: cfg.Pipeline.AuditTimeout.Duration,
		Concurrency:  cfg.Pipeline.ValidateConcurrency,
		MaxPerToken:  cfg.Pipeline.MaxPerToken,
	}
	build := func(sink pipeline.EventSink) *pipeline.Orchestrator {
		return pipeline.NewOrchestrator(ocfg, fetcher, detector, validator, sink, deps.Metrics, logger)
	}

	if !solc.Available() {
		logger.WarnContext(ctx, "solc not found; exploits cannot be compiled",
			slog.String("path", cfg.Synth.SolcPath))
	}
	return build, forks, nil
}

// eventRelay forwards pipeline events to a sink bound after construction.
type eventRelay struct {
	target pipeline.EventSink
}

func (r *eventRelay) Publish(ctx context.Context, ev domain.AuditEvent) {
	if r.target != nil {
		r.target.Publish(ctx, ev)
	}
}

// venues turns the factory map into a stable, name-ordered venue list.
func venues(factories map[string]string) []oracle.Venue {
	out := make([]oracle.Venue, 0, len(factories))
	for name, addr := range factories {
		out = append(out, oracle.Venue{Name: name, Factory: common.HexToAddress(addr)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func addresses(m map[string]string) map[string]common.Address {
	out := make(map[string]common.Address, len(m))
	for sym, addr := range m {
		out[strings.ToUpper(sym)] = common.HexToAddress(addr)
	}
	return out
}

func strategyKinds(names []string) ([]domain.StrategyKind, error) {
	kinds := make([]domain.StrategyKind, 0, len(names))
	for _, n := range names {
		k, err := domain.ParseStrategyKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// parseWei parses a decimal wei amount; empty yields nil (executor default).
func parseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}
