package models

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"
)

// Identity is a connected node: one live socket per (user, address).
type Identity struct {
	UserID uuid.UUID `json:"user_id"`
	IP     string    `json:"ip"`
}

type WsMessageType string

const (
	WsRequestBandwidthReport WsMessageType = "RequestBandwidthReport"
	WsRequestUptimeReport    WsMessageType = "RequestUptimeReport"
	WsAssignTask             WsMessageType = "AssignTask"
	WsPing                   WsMessageType = "Ping"
	WsCloseConnection        WsMessageType = "CloseConnection"
)

// WsServerMessage is a notification pushed to nodes. No acknowledgment is expected.
type WsServerMessage struct {
	Type    WsMessageType   `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Clone returns a copy that shares no memory with m.
func (m WsServerMessage) Clone() WsServerMessage {
	c := WsServerMessage{Type: m.Type}
	if m.Payload != nil {
		c.Payload = bytes.Clone(m.Payload)
	}
	return c
}

// CronReportSettings is the cron-reports configuration blob, stored as the
// CronReports aggregate of the server user.
type CronReportSettings struct {
	PeriodMs       int64             `json:"period_ms"`
	Messages       []WsServerMessage `json:"messages"`
	WindowSize     int               `json:"window_size"`
	UsedWindowSize int               `json:"used_window_size"`
	QueueSize      int               `json:"queue_size"`
	Enabled        bool              `json:"enabled"`
}

func DefaultCronReportSettings() CronReportSettings {
	return CronReportSettings{
		PeriodMs:   10_000,
		Messages:   []WsServerMessage{{Type: WsRequestUptimeReport}, {Type: WsRequestBandwidthReport}},
		WindowSize: 10,
		Enabled:    false,
	}
}
