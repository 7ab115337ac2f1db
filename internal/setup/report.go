package setup

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is one finding of the startup checks.
type Issue struct {
	Severity  Severity `json:"severity"`
	Component string   `json:"component"`
	Message   string   `json:"message"`
	FixHint   string   `json:"fix_hint,omitempty"`
}

// Report collects the issues of one validation run.
type Report struct {
	Issues    []Issue   `json:"issues"`
	CheckedAt time.Time `json:"checked_at"`
}

// HasCritical reports whether startup must abort.
func (r *Report) HasCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Count returns the number of issues with severity s.
func (r *Report) Count(s Severity) int {
	n := 0
	for _, is := range r.Issues {
		if is.Severity == s {
			n++
		}
	}
	return n
}

// WriteTable prints the issues as an aligned table.
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEVERITY\tCOMPONENT\tMESSAGE\tFIX")
	for _, is := range r.Issues {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", is.Severity, is.Component, is.Message, is.FixHint)
	}
	fmt.Fprintf(tw, "\n%d critical, %d warning, %d info\n",
		r.Count(SeverityCritical), r.Count(SeverityWarning), r.Count(SeverityInfo))
	return tw.Flush()
}
