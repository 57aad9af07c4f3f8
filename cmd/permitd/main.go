// Command permitd runs the permit pipeline daemon: the Scheduler's cron
// trigger plus the Query API and Scheduler HTTP servers.
package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cityworks/permit-pipeline/internal/config"
	"github.com/cityworks/permit-pipeline/internal/database"
	"github.com/cityworks/permit-pipeline/internal/ingest"
	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/queryapi"
	"github.com/cityworks/permit-pipeline/internal/ratelimit"
	"github.com/cityworks/permit-pipeline/internal/scheduler"
	"github.com/cityworks/permit-pipeline/internal/soda"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New("permitd", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DBURL, cfg.DBMaxConnections, cfg.DBIdleTimeout)
	if err != nil {
		logger.WithContext(ctx).Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		logger.WithContext(ctx).Fatalf("run migrations: %v", err)
	}

	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: cfg.RateLimitQPS})
	client := soda.New(soda.Config{BaseURL: cfg.SourceBaseURL, AppToken: cfg.SourceAppToken, Timeout: cfg.SourceTimeout, Limiter: limiter})
	store := ingest.NewStore(db)
	loaders := []ingest.Loader{
		&ingest.BuildingContactsLoader{DatasetIDValue: cfg.DatasetContactsBuilding, Store: store},
		&ingest.ElectricalContactsLoader{DatasetIDValue: cfg.DatasetContactsElectrical, Store: store},
		&ingest.PlumbingContactsLoader{DatasetIDValue: cfg.DatasetContactsPlumbing, Store: store},
		&ingest.PermitsLoader{DatasetIDValue: cfg.DatasetPermits, Store: store},
		&ingest.InspectionsLoader{DatasetIDValue: cfg.DatasetInspections, Store: store},
		&ingest.AddendaRoutingLoader{DatasetIDValue: cfg.DatasetAddendaRouting, Store: store},
		&ingest.ViolationsLoader{DatasetIDValue: cfg.DatasetViolations, Store: store},
	}

	sched := scheduler.New(db, cfg, logger, client, store, loaders)

	if n, err := sched.SweepStuckJobs(ctx); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("stuck-job sweep failed")
	} else if n > 0 {
		logger.WithContext(ctx).Warnf("stuck-job sweep marked %d running cron_log rows as failed", n)
	}

	cronTrigger, err := scheduler.NewCronTrigger(sched, "")
	if err != nil {
		logger.WithContext(ctx).Fatalf("build cron trigger: %v", err)
	}
	cronTrigger.Start()
	defer cronTrigger.Stop()

	go runStalenessWatcher(ctx, sched, logger, 6*time.Hour)

	api := queryapi.New(db, "postgres")
	queryServer := queryapi.NewServer(api, logger)
	schedServer := scheduler.NewServer(sched, logger, cfg.CronSecret)

	queryHTTP := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort),
		Handler:           queryServer.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	schedHTTP := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.HTTPPort+1),
		Handler:           schedServer.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.WithContext(ctx).Infof("query api listening on %s", queryHTTP.Addr)
		if err := queryHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).Fatalf("query api server error: %v", err)
		}
	}()
	go func() {
		logger.WithContext(ctx).Infof("scheduler server listening on %s", schedHTTP.Addr)
		if err := schedHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithContext(ctx).Fatalf("scheduler server error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.WithContext(context.Background()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = queryHTTP.Shutdown(shutdownCtx)
	_ = schedHTTP.Shutdown(shutdownCtx)
}

func runStalenessWatcher(ctx context.Context, sched *scheduler.Scheduler, logger *logging.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alerts, err := sched.CheckStaleness(ctx)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("staleness check failed")
				continue
			}
			for _, a := range alerts {
				logger.WithContext(ctx).Warnf("dataset %s is stale (last success: %v)", a.DatasetID, a.LastSuccessAt)
			}
		}
	}
}

