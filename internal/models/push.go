package models

import "time"

// PushSubscription is a browser endpoint registered for web push. The keys
// encrypt payloads and never leave the server.
type PushSubscription struct {
	ID        int       `json:"id"`
	UserID    int       `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"-"`
	Auth      string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Complete reports whether the subscription can receive encrypted pushes.
func (s PushSubscription) Complete() bool {
	return s.Endpoint != "" && s.P256dh != "" && s.Auth != ""
}
