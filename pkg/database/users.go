package database

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"node-coordinator/pkg/models"
)

const serverEmail = "server@node-coordinator.local"

// GetUserAndApiTokenByEmail returns the user and its active token, or nil when
// no user has that email.
func GetUserAndApiTokenByEmail(ctx context.Context, idb bun.IDB, email string) (*models.UserWithToken, error) {
	var row struct {
		UserID uuid.UUID     `bun:"user_id"`
		Email  string        `bun:"email"`
		Token  uuid.NullUUID `bun:"token"`
	}
	err := idb.NewSelect().
		TableExpr("users AS u").
		ColumnExpr("u.id AS user_id, u.email, at.token").
		Join("LEFT JOIN api_tokens AS at ON at.user_id = u.id AND at.status = ?", models.ApiTokenActive).
		Where("u.email = ?", strings.ToLower(strings.TrimSpace(email))).
		OrderExpr("at.created_at DESC NULLS LAST").
		Limit(1).
		Scan(ctx, &row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error querying user by email: %w", err)
	}

	user := &models.UserWithToken{UserID: row.UserID, Email: row.Email}
	if row.Token.Valid {
		token := row.Token.UUID
		user.Token = &token
	}
	return user, nil
}

// MatchCredential checks a presented token against the one on file. The
// comparison is exact; a mismatch is never corrected.
func MatchCredential(user *models.UserWithToken, apiToken string) error {
	if user == nil {
		return models.ErrUserNotFound
	}
	if user.Token == nil {
		return models.ErrApiTokenNotFound
	}
	if subtle.ConstantTimeCompare([]byte(user.Token.String()), []byte(apiToken)) != 1 {
		return models.ErrApiTokenMismatch
	}
	return nil
}

func verifyCredential(ctx context.Context, idb bun.IDB, email, apiToken string) (*models.UserWithToken, error) {
	user, err := GetUserAndApiTokenByEmail(ctx, idb, email)
	if err != nil {
		return nil, err
	}
	if err := MatchCredential(user, apiToken); err != nil {
		return nil, err
	}
	return user, nil
}

// VerifyCredential resolves (email, token) to the owning user.
func (db *DB) VerifyCredential(ctx context.Context, email, apiToken string) (*models.UserWithToken, error) {
	return verifyCredential(ctx, db, email, apiToken)
}

// CreateUser registers a user with a fresh active token.
func (db *DB) CreateUser(ctx context.Context, email string) (*models.User, *models.ApiToken, error) {
	user := &models.User{ID: uuid.New(), Email: strings.ToLower(strings.TrimSpace(email))}
	token := &models.ApiToken{ID: uuid.New(), UserID: user.ID, Token: uuid.New(), Status: models.ApiTokenActive}

	err := db.RunInTx(ctx, txOptions, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
			return fmt.Errorf("error inserting user: %w", err)
		}
		if _, err := tx.NewInsert().Model(token).Exec(ctx); err != nil {
			return fmt.Errorf("error inserting api token: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return user, token, nil
}

// CreateServerUser makes sure the server identity exists as a user row, so
// server-originated tasks and settings have an owner.
func (db *DB) CreateServerUser(ctx context.Context, id uuid.UUID) error {
	_, err := db.NewInsert().
		Model(&models.User{ID: id, Email: serverEmail}).
		On("CONFLICT DO NOTHING").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("error creating server user: %w", err)
	}
	return nil
}

// GetUserPerks lists the perks owned by userID.
func GetUserPerks(ctx context.Context, idb bun.IDB, userID uuid.UUID) ([]models.Perk, error) {
	var perks []models.Perk
	err := idb.NewSelect().
		Model(&perks).
		Where("user_id = ?", userID).
		OrderExpr("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting perks: %w", err)
	}
	return perks, nil
}
