// Package bus delivers engine events to subscribers.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Event kinds published by the engine.
const (
	KindThresholdSafe      = "threshold_safe"
	KindThresholdWarning   = "threshold_warning"
	KindThresholdCritical  = "threshold_critical"
	KindThresholdEmergency = "threshold_emergency"
	KindRapidGrowth        = "rapid_growth"

	KindCompactionCompleted = "emergency_compaction_completed"
	KindCompactionFailed    = "emergency_compaction_failed"
	KindMonitoringStopped   = "monitoring_stopped"
	KindSourceReadFailed    = "source_read_failed"

	KindHealthAlert          = "context_health_alert"
	KindMaintenanceCompleted = "maintenance_completed"
	KindMaintenanceFailed    = "maintenance_failed"

	KindArchived = "context_archived"
	KindRestored = "context_restored"
)

// Event is one notification with a free-form payload.
type Event struct {
	ID        string
	Kind      string
	SessionID string
	Payload   map[string]any
	At        time.Time
}

// NewEvent stamps a new event with an ID and the current time.
func NewEvent(kind, sessionID string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: sessionID,
		Payload:   payload,
		At:        time.Now(),
	}
}
