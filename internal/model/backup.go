package model

import "time"

// BackupInfo describes one archive on disk.
type BackupInfo struct {
	Tunnel    string    `json:"configuration"`
	Filename  string    `json:"filename"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Checksum  string    `json:"combined_checksum,omitempty"`
}
