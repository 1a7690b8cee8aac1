package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"node-coordinator/pkg/config"
	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
	"node-coordinator/pkg/scheduler"
)

const minReportPeriod = time.Second

// SettingsStore reads and writes the cron-report settings aggregate.
type SettingsStore interface {
	GetOrCreateAggregate(ctx context.Context, userID uuid.UUID, name models.AggregateName) (*models.Aggregate, error)
	UpdateAggregateJSON(ctx context.Context, id uuid.UUID, value interface{}) error
}

type ConnectionManager struct {
	Broadcaster *Broadcaster
	Scheduler   *scheduler.TaskScheduler[[]models.WsServerMessage]

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewConnectionManager(clk clock.Clock, cfg config.WS, logger *slog.Logger, m *metrics.Collector) *ConnectionManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		Broadcaster: NewBroadcaster(cfg.Backlog, logger, m),
		Scheduler:   scheduler.New[[]models.WsServerMessage](clk, 1),
		clock:       clk,
		logger:      logger,
		metrics:     m,
	}
}

// FetchLatestCronSettings reads the settings stored for userID, creating the
// aggregate when missing. A null value means no settings were saved yet and
// yields the defaults; a stored value is returned as is, zero fields included.
func FetchLatestCronSettings(ctx context.Context, store SettingsStore, userID uuid.UUID) (models.CronReportSettings, *models.Aggregate, error) {
	agg, err := store.GetOrCreateAggregate(ctx, userID, models.AggregateCronReports)
	if err != nil {
		return models.CronReportSettings{}, nil, fmt.Errorf("fetch cron settings: %w", err)
	}
	if agg.IsNull() {
		return models.DefaultCronReportSettings(), agg, nil
	}
	var settings models.CronReportSettings
	if err := json.Unmarshal(agg.Value, &settings); err != nil {
		return models.CronReportSettings{}, agg, fmt.Errorf("decode cron settings: %w", err)
	}
	return settings, agg, nil
}

func reportPeriod(settings models.CronReportSettings) time.Duration {
	period := time.Duration(settings.PeriodMs) * time.Millisecond
	if period < minReportPeriod {
		return minReportPeriod
	}
	return period
}

// ReportOnce runs one cycle of the report loop and returns the settings used.
// When reports are enabled the next window of the rotation receives the
// configured messages and the window and queue sizes are written back.
func (cm *ConnectionManager) ReportOnce(ctx context.Context, store SettingsStore, serverUserID uuid.UUID) (models.CronReportSettings, error) {
	settings, agg, err := FetchLatestCronSettings(ctx, store, serverUserID)
	if err != nil {
		return models.DefaultCronReportSettings(), err
	}
	if !settings.Enabled {
		return settings, nil
	}

	moved := cm.Broadcaster.QueueMultiple(ctx, settings.Messages, settings.WindowSize)
	settings.UsedWindowSize = len(moved)
	settings.QueueSize = cm.Broadcaster.QueueLen()
	if err := store.UpdateAggregateJSON(ctx, agg.ID, settings); err != nil {
		return settings, fmt.Errorf("save cron settings: %w", err)
	}
	cm.logger.Debug("Cron reports sent", "window", settings.UsedWindowSize, "queue", settings.QueueSize)
	return settings, nil
}

// RunReports repeats ReportOnce, sleeping the configured period between
// cycles, until ctx is cancelled. Failed cycles are logged and retried after
// the default period.
func (cm *ConnectionManager) RunReports(ctx context.Context, store SettingsStore, serverUserID uuid.UUID) {
	cm.logger.Info("Cron reports loop started", "server", serverUserID)
	for {
		settings, err := cm.ReportOnce(ctx, store, serverUserID)
		if err != nil {
			cm.logger.Error("Cron reports cycle failed", "error", err)
			cm.metrics.RecordLoopError("cron_reports")
		}

		timer := cm.clock.Timer(reportPeriod(settings))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			cm.logger.Info("Cron reports loop stopped")
			return
		}
	}
}

// RunScheduled forwards every due scheduler batch to the next windowSize
// identities of the rotation.
func (cm *ConnectionManager) RunScheduled(ctx context.Context, windowSize int) {
	for {
		select {
		case batch := <-cm.Scheduler.Due():
			for _, msgs := range batch {
				cm.Broadcaster.QueueMultiple(ctx, msgs, windowSize)
			}
		case <-ctx.Done():
			return
		}
	}
}
