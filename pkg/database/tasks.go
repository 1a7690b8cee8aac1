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

// Assignment is the outcome of one GetTask transaction.
type Assignment struct {
	User        *models.UserWithToken
	Task        *models.Task
	Redelivered bool
}

// TaskResult is what a node reports back for its assigned task.
type TaskResult struct {
	TaskID       uuid.UUID
	Status       models.TaskStatus
	ResponseCode int
	ResponseRaw  string
	Country      string
	IP           string
	ASN          string
	ResponseTime float64
}

// AssignTask verifies the credential and hands the caller a task in a single
// transaction. A task already Assigned to the caller is returned unchanged;
// otherwise the oldest Pending task not locked by a concurrent poller is
// claimed. Assignment.Task is nil when the pool is empty.
func (db *DB) AssignTask(ctx context.Context, email, apiToken string, now time.Time) (*Assignment, error) {
	var result Assignment
	err := db.RunInTx(ctx, txOptions, func(ctx context.Context, tx bun.Tx) error {
		result = Assignment{}

		user, err := verifyCredential(ctx, tx, email, apiToken)
		if err != nil {
			return err
		}
		result.User = user

		assigned, err := findTaskAssignedToUser(ctx, tx, user.UserID)
		if err != nil {
			return err
		}
		if assigned != nil {
			result.Task = assigned
			result.Redelivered = true
			return nil
		}

		pending, err := claimPendingTask(ctx, tx)
		if err != nil {
			return err
		}
		if pending == nil {
			return nil
		}

		pending.Status = models.TaskAssigned
		pending.AssignedUserID = uuid.NullUUID{UUID: user.UserID, Valid: true}
		pending.UpdatedAt = now
		_, err = tx.NewUpdate().
			Model(pending).
			Column("status", "assigned_user_id", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error assigning task: %w", err)
		}

		if _, err := GetOrCreateDailyStat(ctx, tx, user.UserID, models.Day(now)); err != nil {
			return err
		}

		result.Task = pending
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func findTaskAssignedToUser(ctx context.Context, idb bun.IDB, userID uuid.UUID) (*models.Task, error) {
	task := new(models.Task)
	err := idb.NewSelect().
		Model(task).
		Where("assigned_user_id = ?", userID).
		Where("status = ?", models.TaskAssigned).
		OrderExpr("updated_at ASC").
		Limit(1).
		For("UPDATE").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error finding assigned task: %w", err)
	}
	return task, nil
}

func claimPendingTask(ctx context.Context, idb bun.IDB) (*models.Task, error) {
	task := new(models.Task)
	err := idb.NewSelect().
		Model(task).
		Where("status = ?", models.TaskPending).
		OrderExpr("created_at ASC").
		Limit(1).
		For("UPDATE SKIP LOCKED").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting pending task: %w", err)
	}
	return task, nil
}

// SubmitTask records the result of a task. Only the current assignee may
// submit; a Completed result counts toward the daily stat and the Tasks
// aggregate.
func (db *DB) SubmitTask(ctx context.Context, email, apiToken string, res TaskResult, now time.Time) (*models.Task, error) {
	var task *models.Task
	err := db.RunInTx(ctx, txOptions, func(ctx context.Context, tx bun.Tx) error {
		user, err := verifyCredential(ctx, tx, email, apiToken)
		if err != nil {
			return err
		}

		t := new(models.Task)
		err = tx.NewSelect().
			Model(t).
			Where("id = ?", res.TaskID).
			For("UPDATE").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrTaskNotAssigned
		}
		if err != nil {
			return fmt.Errorf("error finding task: %w", err)
		}
		if t.Status != models.TaskAssigned || !t.AssignedUserID.Valid || t.AssignedUserID.UUID != user.UserID {
			return models.ErrTaskNotAssigned
		}

		t.Status = res.Status
		t.ResponseCode = res.ResponseCode
		t.ResponseRaw = res.ResponseRaw
		t.Country = res.Country
		t.IP = res.IP
		t.ASN = res.ASN
		t.ResponseTime = res.ResponseTime
		t.UpdatedAt = now
		if res.Status == models.TaskFailed {
			t.RetriesCount++
		}
		_, err = tx.NewUpdate().
			Model(t).
			Column("status", "response_code", "response_raw", "country", "ip", "asn",
				"response_time", "retries_count", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("error updating task: %w", err)
		}

		if res.Status == models.TaskCompleted {
			stat, err := GetOrCreateDailyStat(ctx, tx, user.UserID, models.Day(now))
			if err != nil {
				return err
			}
			if err := IncrementDailyTasks(ctx, tx, stat.ID, 1); err != nil {
				return err
			}
			agg, err := GetOrCreateAggregate(ctx, tx, user.UserID, models.AggregateTasks)
			if err != nil {
				return err
			}
			if err := AddToAggregate(ctx, tx, agg.ID, 1); err != nil {
				return err
			}
		}

		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// InsertTasks stores new Pending tasks.
func (db *DB) InsertTasks(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	_, err := db.NewInsert().Model(&tasks).Exec(ctx)
	if err != nil {
		return fmt.Errorf("error inserting tasks: %w", err)
	}
	return nil
}

// CountTasks returns the number of tasks in the given status.
func (db *DB) CountTasks(ctx context.Context, status models.TaskStatus) (int, error) {
	return db.NewSelect().
		Model((*models.Task)(nil)).
		Where("status = ?", status).
		Count(ctx)
}
