package models

import "time"

type NotificationType string

const (
	TypeIncidentReported   NotificationType = "INCIDENT_REPORTED"
	TypeDispatchAssignment NotificationType = "DISPATCH_ASSIGNMENT"
	TypeStatusUpdate       NotificationType = "STATUS_UPDATE"
	TypeIncidentResolved   NotificationType = "INCIDENT_RESOLVED"
	TypeSystemAlert        NotificationType = "SYSTEM_ALERT"
)

// AllNotificationTypes lists every type a recipient can enable.
var AllNotificationTypes = []NotificationType{
	TypeIncidentReported,
	TypeDispatchAssignment,
	TypeStatusUpdate,
	TypeIncidentResolved,
	TypeSystemAlert,
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Urgent reports whether p qualifies for SMS delivery.
func (p Priority) Urgent() bool {
	return p == PriorityHigh || p == PriorityCritical
}

type Notification struct {
	ID                string           `json:"id"`
	UserID            int              `json:"user_id"`
	Type              NotificationType `json:"type"`
	Title             string           `json:"title"`
	Message           string           `json:"message"`
	RelatedEntityType string           `json:"related_entity_type,omitempty"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	Priority          Priority         `json:"priority"`
	IsRead            bool             `json:"is_read"`
	CreatedAt         time.Time        `json:"created_at"`
}

// NotificationData is the caller-supplied content of a notification.
type NotificationData struct {
	Type              NotificationType `json:"type"`
	Title             string           `json:"title"`
	Message           string           `json:"message"`
	RelatedEntityType string           `json:"related_entity_type,omitempty"`
	RelatedEntityID   string           `json:"related_entity_id,omitempty"`
	Priority          Priority         `json:"priority,omitempty"`
}

type Frequency string

const (
	FrequencyInstant Frequency = "instant"
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
)

type NotificationPreferences struct {
	UserID          int                `json:"user_id"`
	InApp           bool               `json:"in_app"`
	Push            bool               `json:"push"`
	SMS             bool               `json:"sms"`
	Email           bool               `json:"email"`
	Frequency       Frequency          `json:"frequency"`
	QuietHoursStart string             `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   string             `json:"quiet_hours_end,omitempty"`
	EnabledTypes    []NotificationType `json:"enabled_types"`
}

// DefaultPreferences is used when a recipient has never saved preferences.
func DefaultPreferences(userID int) NotificationPreferences {
	types := make([]NotificationType, len(AllNotificationTypes))
	copy(types, AllNotificationTypes)
	return NotificationPreferences{
		UserID:       userID,
		InApp:        true,
		Frequency:    FrequencyInstant,
		EnabledTypes: types,
	}
}

// TypeEnabled reports whether t is in the enabled set.
func (p NotificationPreferences) TypeEnabled(t NotificationType) bool {
	for _, e := range p.EnabledTypes {
		if e == t {
			return true
		}
	}
	return false
}
