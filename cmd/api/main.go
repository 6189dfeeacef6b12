package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/alert"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/api"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/auth"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/biomarker"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/classify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/config"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/engine"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/notify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/persistence/postgres"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/syncer"
	httptransport "github.com/BouncyMolecules/cardiac-health-platform/internal/transport/http"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/trend"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/wearable"
)

func main() {
	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	bands, err := config.LoadThresholds(cfg.ThresholdPath)
	if err != nil {
		logger.Fatal("failed to load threshold config", zap.Error(err))
	}
	classifier := classify.NewClassifier(bands)

	samples := postgres.NewSampleRepository(pool)
	biomarkers := postgres.NewBiomarkerRepository(pool)
	alerts := postgres.NewAlertRepository(pool)
	syncStates := postgres.NewSyncStateRepository(pool)

	normalizer := ingest.NewNormalizer(logger)
	registry := biomarker.DefaultRegistry(biomarker.DefaultConfig())

	detector := trend.NewComposite(
		trend.NewDriftDetector(trend.DriftConfig{SlopeThreshold: 1.5, MinSpan: 5, CounterMoveTolerance: 0.25}),
		trend.NewDeviationDetector(trend.DeviationConfig{ZThreshold: 3, TrailingWindow: 10, MinPersistence: 2}),
	)

	notifier := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.AlertTopic)
	defer notifier.Close()

	alertManager := alert.NewManager(alerts, notifier, logger, alert.Config{ReopenCoolDown: cfg.ReopenCoolDown})

	wearableClient := wearable.NewClient(wearable.ClientConfig{
		BaseURL:      cfg.WearableBaseURL,
		ClientID:     cfg.WearableClientID,
		ClientSecret: cfg.WearableSecret,
	}, logger)

	orchestrator := syncer.NewOrchestrator(syncStates, samples, normalizer,
		map[domain.Source]syncer.SourceClient{domain.SourceWearable: wearableClient},
		logger,
		syncer.Config{
			TokenExpirySkew:     cfg.SyncTokenSkew,
			MaxBackoff:          cfg.SyncMaxBackoff,
			MaxRateLimitRetries: 3,
			SuspendAfter:        cfg.SyncSuspendAfter,
		},
	)

	pipeline := engine.NewPipeline(samples, biomarkers, normalizer, registry, classifier, detector, alertManager, logger, engine.Config{
		ComputeWindow:   cfg.ComputeWindow,
		HistoryLookback: cfg.HistoryLookback,
	})

	handler := api.NewHandler(pipeline, biomarkers, alerts, alertManager, orchestrator)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
	})

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address: cfg.HTTPAddress,
	}, authMiddleware.Wrap(mux))

	// SIGHUP reloads the threshold file; a bad file keeps the old config.
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			fresh, err := config.LoadThresholds(cfg.ThresholdPath)
			if err != nil {
				logger.Error("threshold reload rejected", zap.Error(err))
				continue
			}
			classifier.Swap(fresh)
			logger.Info("threshold config reloaded", zap.String("path", cfg.ThresholdPath))
		}
	}()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("api listening", zap.String("address", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
