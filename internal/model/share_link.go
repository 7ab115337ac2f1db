package model

import "time"

// ShareLink grants unauthenticated access to one peer's client bundle.
type ShareLink struct {
	ShareID    string     `json:"ShareID"`
	Tunnel     string     `json:"Configuration"`
	Peer       string     `json:"Peer"`
	SharedDate time.Time  `json:"SharedDate"`
	ExpireDate *time.Time `json:"ExpireDate,omitempty"`
}

// Valid reports whether the link can still be used at t.
func (s *ShareLink) Valid(t time.Time) bool {
	return s.ExpireDate == nil || t.Before(*s.ExpireDate)
}
