package main

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/screwyprof/adpoller/pkg/adsapi"
	"github.com/screwyprof/adpoller/pkg/logger"
	"github.com/screwyprof/adpoller/pkg/pgxdb"
	"github.com/screwyprof/adpoller/poller"
	"github.com/screwyprof/adpoller/poller/config"
	"github.com/screwyprof/adpoller/poller/store/pgxstore"
)

// saveTimeout bounds writing the run after the engine finished
const saveTimeout = time.Minute

// These values are overridden at build time using -ldflags
var (
	version = "dev"
	date    = "unknown"
)

func main() {
	// Load configuration
	cfg := config.New()

	// Initialize logger and set as default
	log := logger.NewFromConfig(logger.Config{
		LogLevel:         cfg.LogLevel,
		LogHumanFriendly: cfg.LogHumanFriendly,
	})
	slog.SetDefault(log)

	log.Info("Starting ad poller",
		slog.String("topology", cfg.Topology),
		slog.String("version", version),
		slog.String("date", date),
	)

	// Prepare context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	window, err := cfg.Window(time.Now())
	if err != nil {
		log.ErrorContext(ctx, "Invalid reporting window", slog.Any("error", err))
		os.Exit(1)
	}

	registry := poller.DefaultRegistry()
	topo, err := cfg.LoadTopology(registry)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load topology", slog.Any("error", err))
		os.Exit(1)
	}

	// Database connection
	db, err := pgxdb.NewConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		log.ErrorContext(ctx, "Failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}

	// Initialize store
	store, storeCloser := pgxstore.New(db)
	defer storeCloser()

	tokens, brands, err := loadTokens(ctx, cfg, store)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load store credentials", slog.Any("error", err))
		os.Exit(1)
	}

	// HTTP client & API clients
	httpClient := &http.Client{
		Timeout:   cfg.HttpClientTimeout,
		Transport: logger.NewTransport(log, nil),
	}
	apiClient := adsapi.NewClient(httpClient, adsapi.WithAuthHeader(cfg.AuthHeader, cfg.AuthPrefix))
	refreshClient := adsapi.NewRefreshClient(httpClient, cfg.RefreshURL, cfg.ClientID)

	// Engine
	opts := []poller.Option{poller.WithLogger(log)}
	gate := poller.NewGate(cfg.Gate(), opts...)
	caller := poller.NewCaller(apiClient, gate, cfg.Retry(), opts...)
	fetcher := poller.NewFetcher(caller, registry, cfg.Fetcher(), opts...)
	processor := poller.NewProcessor(fetcher, registry, cfg.Processor(), opts...)
	refresher := poller.NewRefresher(refreshClient, cfg.RefreshTimeout, opts...)

	orchCfg := cfg.Orchestrator()
	orchCfg.Checkpoints = store
	orchCfg.OnRefreshed = store.SaveCredential
	orchestrator := poller.NewOrchestrator(processor, refresher, orchCfg, opts...)

	// Start run
	events, done := orchestrator.Start(ctx, tokens, topo, poller.RunContext{Window: window, Brands: brands})

	// Subscribe to events for logging
	subCloser := setupEventLogging(ctx, events, log)

	res, ok := <-done
	subCloser()
	if !ok {
		os.Exit(1)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := store.SaveRun(saveCtx, res, window); err != nil {
		log.ErrorContext(ctx, "Failed to save run", slog.Any("error", err))
		os.Exit(1)
	}

	log.InfoContext(ctx, "Ad poller finished",
		slog.String("runID", res.RunID.String()),
		slog.Int("processed", res.TotalProcessed),
		slog.Any("successful", res.SuccessfulStores),
		slog.Any("failed", res.FailedStores),
	)
	if len(res.FailedStores) > 0 {
		os.Exit(2)
	}
}

// loadTokens prefers credentials from the environment and falls back to the database
func loadTokens(ctx context.Context, cfg config.Config, store *pgxstore.Store) ([]poller.Token, map[string]string, error) {
	if len(cfg.Tokens) == 0 {
		return store.Tokens(ctx)
	}

	tokens := make([]poller.Token, 0, len(cfg.Tokens))
	for _, key := range slices.Sorted(maps.Keys(cfg.Tokens)) {
		tokens = append(tokens, poller.Token{StoreKey: key, Credential: cfg.Tokens[key]})
	}
	return tokens, cfg.Brands, nil
}

// setupEventLogging configures event handlers using slog directly
func setupEventLogging(ctx context.Context, events <-chan poller.Event, log *slog.Logger) func() {
	return poller.NewSubscriber(events,
		poller.OnRunStarted(func(event poller.RunStarted) {
			log.InfoContext(ctx, "Run started",
				slog.String("runID", event.RunID.String()),
				slog.String("startedAt", event.StartedAt.Format(logger.BritishTimeFormat)),
				slog.Int("tokens", event.Tokens),
			)
		}),
		poller.OnTokenStarted(func(event poller.TokenStarted) {
			attrs := []any{slog.String("store", event.StoreKey), slog.Int("cycle", event.Cycle)}
			if event.Resume != nil {
				attrs = append(attrs, slog.String("resume", event.Resume.String()))
			}
			log.InfoContext(ctx, "Token started", attrs...)
		}),
		poller.OnTokenFinished(func(event poller.TokenFinished) {
			if event.Err != nil {
				log.WarnContext(ctx, "Token finished with errors",
					slog.String("store", event.StoreKey),
					slog.String("status", event.Status.String()),
					slog.Int("rows", event.Rows),
					slog.Any("error", event.Err),
				)
				return
			}
			log.InfoContext(ctx, "Token finished",
				slog.String("store", event.StoreKey),
				slog.String("status", event.Status.String()),
				slog.Int("rows", event.Rows),
			)
		}),
		poller.OnTokenAwaitingRefresh(func(event poller.TokenAwaitingRefresh) {
			log.WarnContext(ctx, "Token credential rejected",
				slog.String("store", event.StoreKey),
				slog.String("checkpoint", event.Checkpoint.String()),
				slog.Any("error", event.Err),
			)
		}),
		poller.OnCredentialRefreshed(func(event poller.CredentialRefreshed) {
			log.InfoContext(ctx, "Credential refreshed", slog.String("store", event.StoreKey))
		}),
		poller.OnCredentialRefreshFailed(func(event poller.CredentialRefreshFailed) {
			log.ErrorContext(ctx, "Credential refresh failed",
				slog.String("store", event.StoreKey),
				slog.Any("error", event.Err),
			)
		}),
		poller.OnRunFinished(func(event poller.RunFinished) {
			log.InfoContext(ctx, "Run finished",
				slog.Duration("duration", event.Duration),
				slog.Int("successful", event.Successful),
				slog.Int("failed", event.Failed),
			)
		}),
		poller.OnRunFailed(func(event poller.RunFailed) {
			log.ErrorContext(ctx, "Run failed", slog.Any("error", event.Err))
		}),
	)
}
