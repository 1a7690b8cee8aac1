package models

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type AggregateName string

const (
	AggregateUptime      AggregateName = "Uptime"
	AggregateDownload    AggregateName = "Download"
	AggregateUpload      AggregateName = "Upload"
	AggregateLatency     AggregateName = "Latency"
	AggregateTasks       AggregateName = "Tasks"
	AggregateCronReports AggregateName = "CronReports"
)

var jsonNull = json.RawMessage("null")

type Aggregate struct {
	bun.BaseModel `bun:"table:aggregates,alias:a"`

	ID        uuid.UUID       `bun:",pk,type:uuid"`
	UserID    uuid.UUID       `bun:",notnull,type:uuid,unique:aggregates_user_name"`
	Name      AggregateName   `bun:",notnull,unique:aggregates_user_name"`
	Value     json.RawMessage `bun:",type:jsonb"`
	CreatedAt time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}

// NewAggregate returns an uninitialised (JSON null) aggregate.
func NewAggregate(userID uuid.UUID, name AggregateName) *Aggregate {
	return &Aggregate{
		ID:     uuid.New(),
		UserID: userID,
		Name:   name,
		Value:  jsonNull,
	}
}

// IsNull reports whether the stored value is SQL NULL or JSON null.
func (a *Aggregate) IsNull() bool {
	v := bytes.TrimSpace(a.Value)
	return len(v) == 0 || bytes.Equal(v, jsonNull)
}

// Numeric converts the stored JSON scalar into a NullFloat. Non-numeric values
// are reported as invalid.
func (a *Aggregate) Numeric() NullFloat {
	if a.IsNull() {
		return NullFloat{}
	}
	var f float64
	if err := json.Unmarshal(a.Value, &f); err != nil {
		return NullFloat{}
	}
	return NullFloat{Float64: f, Valid: true}
}

// NullFloat is the numeric-or-null view of an aggregate value.
type NullFloat struct {
	Float64 float64
	Valid   bool
}

func (n NullFloat) OrZero() float64 {
	if !n.Valid {
		return 0
	}
	return n.Float64
}

// Smooth averages the stored value with a new report.
func (n NullFloat) Smooth(reported float64) float64 {
	return (n.OrZero() + reported) / 2
}
