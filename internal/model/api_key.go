package model

import "time"

// APIKey authenticates callers of the external edge.
type APIKey struct {
	Key       string     `json:"Key"`
	CreatedAt time.Time  `json:"CreatedAt"`
	ExpiredAt *time.Time `json:"ExpiredAt,omitempty"`
}

// Valid reports whether the key is usable at t.
func (k *APIKey) Valid(t time.Time) bool {
	return k.ExpiredAt == nil || t.Before(*k.ExpiredAt)
}
