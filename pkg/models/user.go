package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type ApiTokenStatus string

const (
	ApiTokenActive  ApiTokenStatus = "Active"
	ApiTokenRevoked ApiTokenStatus = "Revoked"
)

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`

	ID        uuid.UUID `bun:",pk,type:uuid"`
	Email     string    `bun:",unique,notnull"`
	CreatedAt time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}

type ApiToken struct {
	bun.BaseModel `bun:"table:api_tokens,alias:at"`

	ID        uuid.UUID      `bun:",pk,type:uuid"`
	UserID    uuid.UUID      `bun:",notnull,type:uuid"`
	Token     uuid.UUID      `bun:",unique,notnull,type:uuid"`
	Status    ApiTokenStatus `bun:",notnull"`
	CreatedAt time.Time      `bun:",nullzero,notnull,default:current_timestamp"`
}

// UserWithToken is a user joined with its active api token, if any.
type UserWithToken struct {
	UserID uuid.UUID
	Email  string
	Token  *uuid.UUID
}

// Perk adjusts a user's points: Multiplier is applied to raw points, OneTimeBonus
// is added after all multipliers.
type Perk struct {
	bun.BaseModel `bun:"table:perks,alias:p"`

	ID           uuid.UUID `bun:",pk,type:uuid"`
	UserID       uuid.UUID `bun:",notnull,type:uuid"`
	Name         string    `bun:",notnull"`
	Multiplier   float64   `bun:",notnull,default:1"`
	OneTimeBonus float64   `bun:",notnull,default:0"`
	CreatedAt    time.Time `bun:",nullzero,notnull,default:current_timestamp"`
}
