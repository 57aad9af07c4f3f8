// Package scheduler implements the Scheduler (§4.8): a directed step
// sequence that drives the pipeline end to end, a cron trigger, and the
// authorized HTTP endpoints that let operators re-run individual steps.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/cityworks/permit-pipeline/internal/config"
	"github.com/cityworks/permit-pipeline/internal/graph"
	"github.com/cityworks/permit-pipeline/internal/ingest"
	"github.com/cityworks/permit-pipeline/internal/logging"
	"github.com/cityworks/permit-pipeline/internal/models"
	"github.com/cityworks/permit-pipeline/internal/pipeerr"
	"github.com/cityworks/permit-pipeline/internal/resilience"
	"github.com/cityworks/permit-pipeline/internal/resolver"
	"github.com/cityworks/permit-pipeline/internal/signals"
	"github.com/cityworks/permit-pipeline/internal/soda"
	"github.com/cityworks/permit-pipeline/internal/velocity"
)

// StepTimeouts lets operators bound each step's max wall-clock; the stuck
// job sweeper marks anything still "running" past 2x its timeout as failed.
type StepTimeouts struct {
	IngestDelta     time.Duration
	ResolveEntities time.Duration
	BuildGraph      time.Duration
	RefreshSignals  time.Duration
	RefreshVelocity time.Duration
	Backup          time.Duration
}

// DefaultStepTimeouts matches the scale of a nightly run against the full
// contacts table (§4.3's explicit scale concern).
func DefaultStepTimeouts() StepTimeouts {
	return StepTimeouts{
		IngestDelta:     20 * time.Minute,
		ResolveEntities: 30 * time.Minute,
		BuildGraph:      15 * time.Minute,
		RefreshSignals:  10 * time.Minute,
		RefreshVelocity: 10 * time.Minute,
		Backup:          20 * time.Minute,
	}
}

// Scheduler orchestrates ingest -> resolve -> graph -> signals -> velocity
// -> backup as one directed sequence (§4.8).
type Scheduler struct {
	db       *sql.DB
	cfg      *config.Config
	log      *logging.Logger
	client   *soda.Client
	store    *ingest.Store
	loaders  []ingest.Loader
	timeouts StepTimeouts
}

func New(db *sql.DB, cfg *config.Config, log *logging.Logger, client *soda.Client, store *ingest.Store, loaders []ingest.Loader) *Scheduler {
	return &Scheduler{db: db, cfg: cfg, log: log, client: client, store: store, loaders: loaders, timeouts: DefaultStepTimeouts()}
}

// stepFunc performs one named step's work and returns records affected.
type stepFunc func(ctx context.Context) (int64, error)

type step struct {
	name    string
	timeout time.Duration
	fn      stepFunc
}

func (s *Scheduler) steps() []step {
	return []step{
		{"ingest_delta", s.timeouts.IngestDelta, s.runIngestDelta},
		{"resolve_entities", s.timeouts.ResolveEntities, s.runResolveEntities},
		{"build_graph", s.timeouts.BuildGraph, s.runBuildGraph},
		{"refresh_signals", s.timeouts.RefreshSignals, s.runRefreshSignals},
		{"refresh_velocity", s.timeouts.RefreshVelocity, s.runRefreshVelocity},
		{"backup_user_tables", s.timeouts.Backup, s.runBackup},
	}
}

// RunNightly executes the full directed sequence. A failed step aborts the
// remaining steps per §5's cancellation-propagation rule: a cancelled or
// failed upstream step transitively fails what depends on it.
func (s *Scheduler) RunNightly(ctx context.Context) error {
	for _, step := range s.steps() {
		if err := s.RunStep(ctx, step.name); err != nil {
			return fmt.Errorf("nightly run stopped at step %s: %w", step.name, err)
		}
	}
	return nil
}

// RunStep executes a single named step with retry, a per-step timeout, and
// a cron_log row recording the outcome (§4.8).
func (s *Scheduler) RunStep(ctx context.Context, name string) error {
	var found *step
	for _, st := range s.steps() {
		st := st
		if st.name == name {
			found = &st
			break
		}
	}
	if found == nil {
		return pipeerr.NewBadRequest("unknown step: " + name)
	}

	logID, err := s.startCronLog(ctx, found.name)
	if err != nil {
		return fmt.Errorf("start cron_log for %s: %w", found.name, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, found.timeout)
	defer cancel()

	var recordsAffected int64
	retryErr := resilience.Retry(stepCtx, resilience.SchedulerStepRetryConfig(), func() error {
		n, err := found.fn(stepCtx)
		recordsAffected = n
		if err != nil && pipeerr.IsFatal(err) {
			return resilience.Permanent(err)
		}
		return err
	})

	if retryErr != nil {
		reason := "error"
		if stepCtx.Err() == context.DeadlineExceeded {
			reason = "timeout"
		}
		s.finishCronLog(ctx, logID, models.CronFailed, 0, fmt.Sprintf("%s: %v", reason, retryErr))
		return &pipeerr.StepFailedError{Step: found.name, Reason: reason, Err: retryErr}
	}

	s.finishCronLog(ctx, logID, models.CronSuccess, int(recordsAffected), "")
	s.log.WithContext(ctx).Infof("scheduler step %s succeeded: %d records affected", found.name, recordsAffected)
	return nil
}

func (s *Scheduler) runIngestDelta(ctx context.Context) (int64, error) {
	results := ingest.RunAll(ctx, s.client, s.store, s.loaders, time.Duration(s.cfg.IngestOverlapDays)*24*time.Hour, s.cfg.MaxParallelIngest, s.log)
	var total int64
	for _, r := range results {
		total += int64(r.RowCount)
		if r.Err != nil {
			return total, fmt.Errorf("ingest %s: %w", r.DatasetID, r.Err)
		}
	}
	return total, nil
}

func (s *Scheduler) runResolveEntities(ctx context.Context) (int64, error) {
	return resolver.New(s.db, s.log).Run(ctx)
}

func (s *Scheduler) runBuildGraph(ctx context.Context) (int64, error) {
	return graph.New(s.db, s.log).Run(ctx)
}

func (s *Scheduler) runRefreshSignals(ctx context.Context) (int64, error) {
	permitCount, propertyCount, err := signals.New(s.db, s.log).Run(ctx, time.Now())
	return permitCount + propertyCount, err
}

func (s *Scheduler) runRefreshVelocity(ctx context.Context) (int64, error) {
	return velocity.New(s.db, s.log).Run(ctx, time.Now())
}

// runBackup shells out to pg_dump, matching the operational tooling's
// preference for driving real external binaries over reimplementing a dump
// format in Go.
func (s *Scheduler) runBackup(ctx context.Context) (int64, error) {
	dest := fmt.Sprintf("%s/backup-%s.sql.gz", s.cfg.BackupDir, time.Now().UTC().Format("20060102-150405"))
	cmd := exec.CommandContext(ctx, "sh", "-c", fmt.Sprintf("pg_dump %q --no-owner --no-privileges | gzip > %q", s.cfg.DBURL, dest))
	if out, err := cmd.CombinedOutput(); err != nil {
		return 0, fmt.Errorf("pg_dump failed: %w: %s", err, string(out))
	}
	return 1, nil
}

func (s *Scheduler) startCronLog(ctx context.Context, step string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cron_log (id, step, started_at, status, records_affected, error_message)
		VALUES ($1, $2, now(), $3, 0, '')
	`, id, step, models.CronRunning)
	return id, err
}

func (s *Scheduler) finishCronLog(ctx context.Context, id string, status models.CronLogStatus, recordsAffected int, errMsg string) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cron_log SET finished_at = now(), status = $2, records_affected = $3, error_message = $4
		WHERE id = $1
	`, id, status, recordsAffected, errMsg)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to finalize cron_log row")
	}
}

// SweepStuckJobs marks any cron_log row still "running" past 2x its
// configured max timeout as failed(timed out). Runs once at scheduler
// startup (§4.8).
func (s *Scheduler) SweepStuckJobs(ctx context.Context) (int64, error) {
	args := []any{models.CronFailed, models.CronRunning}
	cases := ""
	for _, st := range s.steps() {
		args = append(args, st.name, fmt.Sprintf("%d seconds", int((2*st.timeout).Seconds())))
		cases += fmt.Sprintf(" WHEN $%d THEN $%d::interval", len(args)-1, len(args))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cron_log
		SET status = $1, error_message = 'timed out (stuck-job sweep)', finished_at = now()
		WHERE status = $2 AND started_at < now() - CASE step`+cases+` END
	`, args...)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecentCronLogs returns the last N cron_log rows, newest first, for the
// public GET /status endpoint (§6).
func (s *Scheduler) RecentCronLogs(ctx context.Context, limit int) ([]models.CronLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, step, started_at, finished_at, status, records_affected, error_message
		FROM cron_log ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("read cron_log: %w", err)
	}
	defer rows.Close()

	var out []models.CronLog
	for rows.Next() {
		var l models.CronLog
		var finishedAt sql.NullTime
		if err := rows.Scan(&l.ID, &l.Step, &l.StartedAt, &finishedAt, &l.Status, &l.RecordsAffected, &l.ErrorMessage); err != nil {
			return nil, err
		}
		if finishedAt.Valid {
			l.FinishedAt = &finishedAt.Time
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// StalenessAlert names a dataset whose last successful ingest is older than
// the configured threshold (§4.8).
type StalenessAlert struct {
	DatasetID     string
	LastSuccessAt *time.Time
}

// CheckStaleness returns one alert per dataset whose last successful ingest
// is more than StalenessDays old, including datasets that have never
// ingested successfully.
func (s *Scheduler) CheckStaleness(ctx context.Context) ([]StalenessAlert, error) {
	logs, err := s.store.AllIngestLogs(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().AddDate(0, 0, -s.cfg.StalenessDays)

	var alerts []StalenessAlert
	for _, l := range logs {
		if l.LastSuccessAt == nil || l.LastSuccessAt.Before(cutoff) {
			alerts = append(alerts, StalenessAlert{DatasetID: l.DatasetID, LastSuccessAt: l.LastSuccessAt})
		}
	}
	return alerts, nil
}
