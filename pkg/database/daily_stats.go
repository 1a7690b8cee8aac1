package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"node-coordinator/pkg/models"
)

// GetOrCreateDailyStat returns the (user, day) stat, creating an OnGoing row
// on first activity of the day.
func GetOrCreateDailyStat(ctx context.Context, idb bun.IDB, userID uuid.UUID, day time.Time) (*models.DailyStat, error) {
	stat := &models.DailyStat{
		ID:     uuid.New(),
		UserID: userID,
		Day:    models.Day(day),
		Status: models.DailyStatOnGoing,
	}
	_, err := idb.NewInsert().
		Model(stat).
		On("CONFLICT (user_id, day) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating daily stat: %w", err)
	}

	existing, err := GetDailyStat(ctx, idb, userID, day)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("daily stat for %s on %s vanished", userID, stat.Day.Format(time.DateOnly))
	}
	return existing, nil
}

// GetDailyStat returns nil when the user has no stat for that day.
func GetDailyStat(ctx context.Context, idb bun.IDB, userID uuid.UUID, day time.Time) (*models.DailyStat, error) {
	stat := new(models.DailyStat)
	err := idb.NewSelect().
		Model(stat).
		Where("user_id = ?", userID).
		Where("day = ?", models.Day(day)).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error getting daily stat: %w", err)
	}
	return stat, nil
}

// IncrementDailyTasks adds delta to a stat's tasks_count.
func IncrementDailyTasks(ctx context.Context, idb bun.IDB, id uuid.UUID, delta int64) error {
	_, err := idb.NewUpdate().
		Model((*models.DailyStat)(nil)).
		Set("tasks_count = tasks_count + ?", delta).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error incrementing daily tasks: %w", err)
	}
	return nil
}

// UserStats is the scoring input for one user and day.
type UserStats struct {
	User   *models.UserWithToken
	Daily  *models.DailyStat
	Uptime models.NullFloat
	Tasks  models.NullFloat
	Perks  []models.Perk
}

// GetUserStats verifies the credential and loads today's stat, the lifetime
// Uptime and Tasks aggregates, and the user's perks.
func (db *DB) GetUserStats(ctx context.Context, email, apiToken string, day time.Time) (*UserStats, error) {
	user, err := verifyCredential(ctx, db, email, apiToken)
	if err != nil {
		return nil, err
	}
	stats := &UserStats{User: user}

	if stats.Daily, err = GetDailyStat(ctx, db, user.UserID, day); err != nil {
		return nil, err
	}

	var aggs []models.Aggregate
	err = db.NewSelect().
		Model(&aggs).
		Where("user_id = ?", user.UserID).
		Where("name IN (?)", bun.In([]models.AggregateName{models.AggregateUptime, models.AggregateTasks})).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting aggregates: %w", err)
	}
	for i := range aggs {
		switch aggs[i].Name {
		case models.AggregateUptime:
			stats.Uptime = aggs[i].Numeric()
		case models.AggregateTasks:
			stats.Tasks = aggs[i].Numeric()
		}
	}

	if stats.Perks, err = GetUserPerks(ctx, db, user.UserID); err != nil {
		return nil, err
	}
	return stats, nil
}
