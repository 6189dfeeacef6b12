package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BouncyMolecules/cardiac-health-platform/internal/alert"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/biomarker"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/classify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/config"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/domain"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/engine"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/ingest"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/notify"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/persistence/postgres"
	"github.com/BouncyMolecules/cardiac-health-platform/internal/syncer"
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

	samples := postgres.NewSampleRepository(pool)
	biomarkers := postgres.NewBiomarkerRepository(pool)
	alerts := postgres.NewAlertRepository(pool)
	syncStates := postgres.NewSyncStateRepository(pool)

	normalizer := ingest.NewNormalizer(logger)
	registry := biomarker.DefaultRegistry(biomarker.DefaultConfig())
	classifier := classify.NewClassifier(bands)
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

	pollInterval := 15 * time.Minute
	if raw := os.Getenv("SYNC_POLL_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil {
			pollInterval = parsed
		}
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdownCh
		cancel()
	}()

	logger.Info("sync worker started", zap.Duration("poll_interval", pollInterval))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		runPass(ctx, logger, syncStates, orchestrator, pipeline)

		select {
		case <-ctx.Done():
			logger.Info("sync worker stopping")
			return
		case <-ticker.C:
		}
	}
}

// runPass syncs every registered (patient, source) key once, then re-runs
// the analysis chain for patients that received data.
func runPass(ctx context.Context, logger *zap.Logger, states domain.SyncStateRepository, orchestrator *syncer.Orchestrator, pipeline *engine.Pipeline) {
	all, err := states.List(ctx)
	if err != nil {
		logger.Error("list sync states", zap.Error(err))
		return
	}

	for _, state := range all {
		if state.Suspended || state.NeedsReauth {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		syncCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		result, err := orchestrator.Sync(syncCtx, state.PatientID, state.Source)
		cancel()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Warn("sync failed",
					zap.String("patient_id", state.PatientID),
					zap.String("source", string(state.Source)),
					zap.Error(err),
				)
			}
			continue
		}
		if result.Stored == 0 {
			continue
		}
		if err := pipeline.Analyze(ctx, state.PatientID); err != nil {
			logger.Error("analysis failed",
				zap.String("patient_id", state.PatientID),
				zap.Error(err),
			)
		}
	}
}
