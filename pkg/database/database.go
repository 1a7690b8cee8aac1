package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"node-coordinator/pkg/config"
	"node-coordinator/pkg/models"
)

type DB struct {
	*bun.DB
}

func NewDB(cfg config.Database) (*DB, error) {
	return NewDBFromDSN(cfg.DSN())
}

func NewDBFromDSN(dsn string) (*DB, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %v", err)
	}

	return &DB{db}, nil
}

// txOptions is used by every write path. Row locks (FOR UPDATE, optionally
// SKIP LOCKED) provide the per-row serialisation; a stricter isolation level
// would turn skipped contention into serialization failures.
var txOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

var schemaModels = []interface{}{
	(*models.User)(nil),
	(*models.ApiToken)(nil),
	(*models.Perk)(nil),
	(*models.Task)(nil),
	(*models.Aggregate)(nil),
	(*models.DailyStat)(nil),
}

// InitSchema creates the necessary tables and indexes if they don't exist
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range schemaModels {
		_, err := db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*models.Task)(nil), "tasks_status_created_at_idx", []string{"status", "created_at"}},
		{(*models.Task)(nil), "tasks_assigned_user_status_idx", []string{"assigned_user_id", "status"}},
		{(*models.ApiToken)(nil), "api_tokens_user_status_idx", []string{"user_id", "status"}},
		{(*models.Aggregate)(nil), "aggregates_name_idx", []string{"name"}},
		{(*models.Perk)(nil), "perks_user_id_idx", []string{"user_id"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create index %s: %v", idx.name, err)
		}
	}

	return nil
}
