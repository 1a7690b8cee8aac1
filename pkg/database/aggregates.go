package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"node-coordinator/pkg/models"
)

// GetOrCreateAggregate returns the (user, name) aggregate, inserting it with a
// null value when absent.
func GetOrCreateAggregate(ctx context.Context, idb bun.IDB, userID uuid.UUID, name models.AggregateName) (*models.Aggregate, error) {
	_, err := idb.NewInsert().
		Model(models.NewAggregate(userID, name)).
		On("CONFLICT (user_id, name) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("error creating aggregate %s: %w", name, err)
	}

	agg := new(models.Aggregate)
	err = idb.NewSelect().
		Model(agg).
		Where("user_id = ?", userID).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting aggregate %s: %w", name, err)
	}
	return agg, nil
}

func (db *DB) GetOrCreateAggregate(ctx context.Context, userID uuid.UUID, name models.AggregateName) (*models.Aggregate, error) {
	return GetOrCreateAggregate(ctx, db, userID, name)
}

const incrementAggregateQuery = `
WITH locked AS (
	SELECT id FROM aggregates
	WHERE id = ?
	FOR UPDATE SKIP LOCKED
)
UPDATE aggregates
SET value = to_jsonb(COALESCE(NULLIF(aggregates.value, 'null'::jsonb), '0'::jsonb)::text::double precision + ?),
	updated_at = now()
FROM locked
WHERE aggregates.id = locked.id`

// IncrementAggregate adds delta to a numeric aggregate, treating null as zero.
// It reports false when the row was locked by another writer and skipped.
func IncrementAggregate(ctx context.Context, idb bun.IDB, id uuid.UUID, delta float64) (bool, error) {
	res, err := idb.ExecContext(ctx, incrementAggregateQuery, id, delta)
	if err != nil {
		return false, fmt.Errorf("error incrementing aggregate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (db *DB) IncrementAggregate(ctx context.Context, id uuid.UUID, delta float64) (bool, error) {
	return IncrementAggregate(ctx, db, id, delta)
}

const addToAggregateQuery = `
UPDATE aggregates
SET value = to_jsonb(COALESCE(NULLIF(value, 'null'::jsonb), '0'::jsonb)::text::double precision + ?),
	updated_at = now()
WHERE id = ?`

// AddToAggregate adds delta to a numeric aggregate, waiting for any writer
// holding the row. Per-request counters use it so no increment is dropped.
func AddToAggregate(ctx context.Context, idb bun.IDB, id uuid.UUID, delta float64) error {
	res, err := idb.ExecContext(ctx, addToAggregateQuery, delta, id)
	if err != nil {
		return fmt.Errorf("error adding to aggregate: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("error adding to aggregate %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

const setAggregateValuesQuery = `
WITH incoming AS (
	SELECT * FROM unnest(?::uuid[], ?::double precision[]) AS i(id, value)
), locked AS (
	SELECT a.id FROM aggregates AS a
	JOIN incoming ON incoming.id = a.id
	FOR UPDATE OF a SKIP LOCKED
)
UPDATE aggregates
SET value = to_jsonb(incoming.value), updated_at = now()
FROM locked
JOIN incoming ON incoming.id = locked.id
WHERE aggregates.id = locked.id
RETURNING aggregates.id`

// SetAggregateValues overwrites many aggregates in one statement and returns
// the ids that were written. Rows held by another transaction are skipped.
func (db *DB) SetAggregateValues(ctx context.Context, values map[uuid.UUID]float64) ([]uuid.UUID, error) {
	if len(values) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(values))
	vals := make([]float64, 0, len(values))
	for id, v := range values {
		ids = append(ids, id.String())
		vals = append(vals, v)
	}

	rows, err := db.QueryContext(ctx, setAggregateValuesQuery, pgdialect.Array(ids), pgdialect.Array(vals))
	if err != nil {
		return nil, fmt.Errorf("error writing aggregates: %w", err)
	}
	defer rows.Close()

	var updated []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("error scanning aggregate id: %w", err)
		}
		updated = append(updated, id)
	}
	return updated, rows.Err()
}

const bulkBonusQuery = `
WITH locked AS (
	SELECT id FROM aggregates
	WHERE name = ?
	FOR UPDATE SKIP LOCKED
)
UPDATE aggregates
SET value = to_jsonb(COALESCE(NULLIF(aggregates.value, 'null'::jsonb), '0'::jsonb)::text::double precision + ?),
	updated_at = now()
FROM locked
WHERE aggregates.id = locked.id`

// BulkBonus adds bonus to every aggregate named name and returns the number of
// rows changed. The caller validates bonus.
func (db *DB) BulkBonus(ctx context.Context, name models.AggregateName, bonus float64) (int64, error) {
	res, err := db.ExecContext(ctx, bulkBonusQuery, name, bonus)
	if err != nil {
		return 0, fmt.Errorf("error applying %s bonus: %w", name, err)
	}
	return res.RowsAffected()
}

// UpdateAggregateJSON replaces an aggregate value with the JSON encoding of value.
func (db *DB) UpdateAggregateJSON(ctx context.Context, id uuid.UUID, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("error encoding aggregate value: %w", err)
	}
	_, err = db.NewUpdate().
		Model((*models.Aggregate)(nil)).
		Set("value = ?::jsonb", string(raw)).
		Set("updated_at = now()").
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error updating aggregate: %w", err)
	}
	return nil
}

// GetBandwidthAggregates verifies the credential and returns the user's
// Download, Upload and Latency aggregates, creating missing rows, in one
// transaction.
func (db *DB) GetBandwidthAggregates(ctx context.Context, email, apiToken string) (*models.UserWithToken, map[models.AggregateName]*models.Aggregate, error) {
	var (
		user *models.UserWithToken
		aggs map[models.AggregateName]*models.Aggregate
	)
	err := db.RunInTx(ctx, txOptions, func(ctx context.Context, tx bun.Tx) error {
		u, err := verifyCredential(ctx, tx, email, apiToken)
		if err != nil {
			return err
		}
		found := make(map[models.AggregateName]*models.Aggregate, 3)
		for _, name := range []models.AggregateName{models.AggregateDownload, models.AggregateUpload, models.AggregateLatency} {
			agg, err := GetOrCreateAggregate(ctx, tx, u.UserID, name)
			if err != nil {
				return err
			}
			found[name] = agg
		}
		user, aggs = u, found
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, aggs, nil
}
