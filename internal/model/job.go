package model

import "time"

// Job fields.
const (
	JobFieldTotalReceive = "total_receive"
	JobFieldTotalSent    = "total_sent"
	JobFieldTotalData    = "total_data"
	JobFieldDate         = "date"
	JobFieldWeekly       = "weekly"
)

// Job operators.
const (
	JobOpEq  = "eq"
	JobOpNeq = "neq"
	JobOpLgt = "lgt"
	JobOpLst = "lst"
)

// Job actions.
const (
	JobActionRestrict  = "restrict"
	JobActionDelete    = "delete"
	JobActionAllow     = "allow"
	JobActionRateLimit = "rate_limit"
)

// JobDateLayout is the layout of date-field job values, in UTC.
const JobDateLayout = "2006-01-02 15:04:05"

// PeerJob is a scheduled rule bound to one peer.
type PeerJob struct {
	JobID        string     `json:"JobID"`
	Tunnel       string     `json:"Configuration"`
	Peer         string     `json:"Peer"`
	Field        string     `json:"Field"`
	Operator     string     `json:"Operator"`
	Value        string     `json:"Value"`
	Action       string     `json:"Action"`
	CreationDate time.Time  `json:"CreationDate"`
	ExpireDate   *time.Time `json:"ExpireDate,omitempty"`
	FailureCount int        `json:"FailureCount"`
	Disabled     bool       `json:"Disabled"`
}

// Active reports whether the engine should evaluate the job.
func (j *PeerJob) Active() bool {
	return j.ExpireDate == nil && !j.Disabled
}

// JobLog is one audit line for a job.
type JobLog struct {
	LogID   string    `json:"LogID"`
	JobID   string    `json:"JobID"`
	At      time.Time `json:"LogDate"`
	Status  string    `json:"Status"`
	Message string    `json:"Message"`
}

// JobStats summarises the job table.
type JobStats struct {
	Total           int            `json:"total_jobs"`
	Active          int            `json:"active_jobs"`
	Expired         int            `json:"expired_jobs"`
	Disabled        int            `json:"disabled_jobs"`
	ByField         map[string]int `json:"jobs_by_field"`
	ByAction        map[string]int `json:"jobs_by_action"`
	ByConfiguration map[string]int `json:"jobs_by_configuration"`
}

// DashboardLog is one entry in the control-plane audit log.
type DashboardLog struct {
	LogID   string    `json:"LogID"`
	At      time.Time `json:"LogDate"`
	URL     string    `json:"URL"`
	IP      string    `json:"IP"`
	Status  string    `json:"Status"`
	Message string    `json:"Message"`
}
