package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "Pending"
	TaskAssigned  TaskStatus = "Assigned"
	TaskCompleted TaskStatus = "Completed"
	TaskFailed    TaskStatus = "Failed"
)

type TaskMethod string

const (
	MethodGet  TaskMethod = "GET"
	MethodPost TaskMethod = "POST"
)

type Task struct {
	bun.BaseModel `bun:"table:tasks,alias:t"`

	ID             uuid.UUID       `bun:",pk,type:uuid"`
	UserID         uuid.UUID       `bun:",notnull,type:uuid"` // creator
	URL            string          `bun:"url,notnull"`
	Method         TaskMethod      `bun:",notnull"`
	Headers        json.RawMessage `bun:",type:jsonb"`
	Body           json.RawMessage `bun:",type:jsonb"`
	AssignedUserID uuid.NullUUID   `bun:",type:uuid"`
	Status         TaskStatus      `bun:",notnull"`
	ResponseCode   int             `bun:",nullzero"`
	ResponseRaw    string          `bun:",nullzero"`
	Country        string          `bun:",nullzero"`
	IP             string          `bun:"ip,nullzero"`
	ASN            string          `bun:"asn,nullzero"`
	ResponseTime   float64         `bun:",nullzero"`
	RetriesCount   int             `bun:",notnull,default:0"`
	CreatedAt      time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt      time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}

// NewTask builds a Pending task created by userID.
func NewTask(userID uuid.UUID, url string, method TaskMethod, headers, body json.RawMessage) *Task {
	if method == "" {
		method = MethodGet
	}
	return &Task{
		ID:      uuid.New(),
		UserID:  userID,
		URL:     url,
		Method:  method,
		Headers: headers,
		Body:    body,
		Status:  TaskPending,
	}
}

type DailyStatStatus string

const (
	DailyStatOnGoing   DailyStatStatus = "OnGoing"
	DailyStatFinalized DailyStatStatus = "Finalized"
)

type DailyStat struct {
	bun.BaseModel `bun:"table:daily_stats,alias:ds"`

	ID         uuid.UUID       `bun:",pk,type:uuid"`
	UserID     uuid.UUID       `bun:",notnull,type:uuid,unique:daily_stats_user_day"`
	Day        time.Time       `bun:",notnull,type:date,unique:daily_stats_user_day"`
	TasksCount int64           `bun:",notnull,default:0"`
	Uptime     float64         `bun:",notnull,default:0"`
	Status     DailyStatStatus `bun:",notnull"`
	CreatedAt  time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
	UpdatedAt  time.Time       `bun:",nullzero,notnull,default:current_timestamp"`
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
