package types

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Snapshot is a read-only copy of a meter's current state.
type Snapshot struct {
	ID           string                   `json:"id"`
	MeterID      string                   `json:"meter_id"`
	Driver       string                   `json:"driver"`
	Records      map[string]DecodedRecord `json:"records"`
	TotalM3      *float64                 `json:"total_m3,omitempty"`
	LastUpdate   time.Time                `json:"last_update"`
	LastFailure  time.Time                `json:"last_failure,omitempty"`
	LastError    string                   `json:"last_error,omitempty"`
	FramesOK     uint64                   `json:"frames_ok"`
	FramesFailed uint64                   `json:"frames_failed"`
	Anomalies    uint64                   `json:"anomalies"`
}

// Notification is pushed to consumers for every successfully decoded frame.
type Notification struct {
	EventID    string    `json:"event_id"`
	Timestamp  time.Time `json:"timestamp"`
	Snapshot   Snapshot  `json:"snapshot"`
	Anomaly    bool      `json:"anomaly"`
	RolledBack []string  `json:"rolled_back,omitempty"`
	Warnings   []string  `json:"warnings,omitempty"`
}

// Diagnostic describes a frame that could not be processed.
type Diagnostic struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	MeterID   string    `json:"meter_id,omitempty"`
	Error     string    `json:"error"`
}

func (n *Notification) ToJsonBytes() []byte {
	data, err := json.Marshal(n)
	if err != nil {
		log.Error().Err(err).Msg("marshal notification")
		return nil
	}
	return data
}

func NotificationFromJsonBytes(data []byte) *Notification {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil
	}
	return &n
}
