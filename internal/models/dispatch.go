package models

import "time"

type DispatchStatus string

const (
	StatusDispatched DispatchStatus = "dispatched"
	StatusAccepted   DispatchStatus = "accepted"
	StatusEnRoute    DispatchStatus = "en_route"
	StatusArrived    DispatchStatus = "arrived"
	StatusCompleted  DispatchStatus = "completed"
)

type DispatchAssignment struct {
	ID           string         `json:"id"`
	IncidentID   string         `json:"incident_id"`
	ResponderID  int            `json:"responder_id"`
	DispatcherID int            `json:"dispatcher_id"`
	Status       DispatchStatus `json:"status"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
