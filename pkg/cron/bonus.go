package cron

import (
	"context"
	"log/slog"
	"math"

	"node-coordinator/pkg/metrics"
	"node-coordinator/pkg/models"
)

type BonusStore interface {
	BulkBonus(ctx context.Context, name models.AggregateName, bonus float64) (int64, error)
}

// BonusDistributor credits every aggregate of one metric with the same bonus.
type BonusDistributor struct {
	store   BonusStore
	metric  models.AggregateName
	logger  *slog.Logger
	metrics *metrics.Collector
}

func NewBonusDistributor(store BonusStore, metric models.AggregateName, logger *slog.Logger, m *metrics.Collector) *BonusDistributor {
	if metric == "" {
		metric = models.AggregateUptime
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BonusDistributor{store: store, metric: metric, logger: logger, metrics: m}
}

// ValidBonus reports whether bonus is a finite positive number.
func ValidBonus(bonus float64) bool {
	return !math.IsNaN(bonus) && !math.IsInf(bonus, 0) && bonus > 0
}

// Distribute adds bonus to every row of the metric that is not locked by a
// concurrent writer and returns the number of rows changed. An invalid bonus
// changes nothing and is not an error.
func (d *BonusDistributor) Distribute(ctx context.Context, bonus float64) (int64, error) {
	if !ValidBonus(bonus) {
		return 0, nil
	}
	rows, err := d.store.BulkBonus(ctx, d.metric, bonus)
	if err != nil {
		return 0, err
	}
	d.logger.Info("Bonus distributed", "metric", d.metric, "bonus", bonus, "rows", rows)
	d.metrics.RecordBonus(rows)
	return rows, nil
}

// Job adapts Distribute to a Loop with a fixed bonus.
func (d *BonusDistributor) Job(bonus float64) Job {
	return func(ctx context.Context) error {
		_, err := d.Distribute(ctx, bonus)
		return err
	}
}
