package shared

import (
	"fmt"
	"strings"
)

// NATS Subject patterns
const (
	// Telemetry subjects
	SubjectTelemetry       = "overwatch.telemetry"
	SubjectTelemetryAll    = "overwatch.telemetry.>"
	SubjectTelemetryEntity = "overwatch.telemetry.%s" // entity_id

	// Alert subjects
	SubjectAlerts    = "overwatch.alerts"
	SubjectAlertsAll = "overwatch.alerts.>"
	SubjectAlertKind = "overwatch.alerts.%s" // message kind

	// Collaborative document sync (core NATS, not persisted)
	SubjectSyncAll  = "overwatch.sync.>"
	SubjectSyncRoom = "overwatch.sync.%s" // room
)

// Stream names
const (
	StreamTelemetry = "OVERWATCH_TELEMETRY"
	StreamAlerts    = "OVERWATCH_ALERTS"
)

// Consumer names
const (
	ConsumerTelemetryRelay = "telemetry-relay"
	ConsumerAlertRelay     = "alert-relay"
)

// Header carrying the relay instance that published a sync frame, so
// the instance does not echo its own frames back to its clients.
const HeaderRelayOrigin = "Overwatch-Origin"

func TelemetryEntitySubject(entityID string) string {
	return fmt.Sprintf(SubjectTelemetryEntity, entityID)
}

func AlertKindSubject(kind string) string {
	return fmt.Sprintf(SubjectAlertKind, kind)
}

func SyncRoomSubject(room string) string {
	return fmt.Sprintf(SubjectSyncRoom, room)
}

// ValidSubjectToken reports whether s can be used as one NATS subject
// token.
func ValidSubjectToken(s string) bool {
	return s != "" && !strings.ContainsAny(s, ". *>\t\r\n")
}
