package models

import (
	"encoding/json"
	"time"
)

// QueuedOperation is a write that could not reach the server and waits for
// replay.
type QueuedOperation struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Timestamp time.Time       `json:"timestamp"`
	Retries   int             `json:"retries"`
}

// QueuedStatusUpdate is a dispatch status change waiting for replay.
type QueuedStatusUpdate struct {
	ID         string         `json:"id"`
	DispatchID string         `json:"dispatch_id"`
	Status     DispatchStatus `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Retries    int            `json:"retries"`
}
