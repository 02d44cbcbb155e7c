package shared

import (
	"time"
)

// API Response types
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Health check
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version,omitempty"`
	Uptime    time.Duration     `json:"uptime,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Details   map[string]string `json:"details,omitempty"`
}

// Wire message kinds carried on the duplex channel
const (
	KindTelemetryUpdate = "telemetry_update"
	KindMissionAlert    = "mission_alert"
	KindSecurityAlert   = "security_alert"
	KindSitrepAlert     = "sitrep_alert"
)

// Constants
const (
	// Default collaborative room shared by every operator
	DefaultRoom = "sentinel-collab-room"

	// Local state keys
	KeyHomeBase  = "home_base"
	KeyAuthToken = "auth_token"

	// Development fallback for bearer and websocket tokens
	DevToken = "overwatch-dev-token"
)
