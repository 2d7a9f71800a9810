package models

import "time"

// Session is one tracked window of continuous protected usage under a
// license. Unbilled time lives on the tracker's side and is provisional
// until flushed through the store.
type Session struct {
	ID              string    `json:"session_id"`
	LicenseKey      string    `json:"license_key"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
}
