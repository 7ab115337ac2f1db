package jobs

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// holds reports whether a three-way comparison result satisfies op.
func holds(c int, op string) bool {
	switch op {
	case model.JobOpEq:
		return c == 0
	case model.JobOpNeq:
		return c != 0
	case model.JobOpLgt:
		return c > 0
	case model.JobOpLst:
		return c < 0
	}
	return false
}

// dataUsage returns cumu+total GiB for one of the data fields.
func dataUsage(p *model.Peer, field string) (float64, error) {
	switch field {
	case model.JobFieldTotalReceive:
		return p.LifetimeReceive(), nil
	case model.JobFieldTotalSent:
		return p.LifetimeSent(), nil
	case model.JobFieldTotalData:
		return p.LifetimeData(), nil
	}
	return 0, fmt.Errorf("field %q is not a data field", field)
}

func isDataField(field string) bool {
	return field == model.JobFieldTotalReceive || field == model.JobFieldTotalSent || field == model.JobFieldTotalData
}

// rateLimitValue is the JSON value of a rate_limit job. Threshold holds the
// GiB amount or date the condition compares against.
type rateLimitValue struct {
	Threshold    json.RawMessage `json:"threshold"`
	UploadRate   int             `json:"upload_rate"`
	DownloadRate int             `json:"download_rate"`
	Scheduler    string          `json:"scheduler_type"`
}

func parseRateLimit(v string) (*rateLimitValue, error) {
	var rl rateLimitValue
	if err := json.Unmarshal([]byte(v), &rl); err != nil {
		return nil, fmt.Errorf("parse rate limit value: %w", err)
	}
	if rl.UploadRate < 0 || rl.DownloadRate < 0 {
		return nil, fmt.Errorf("rate limits must not be negative")
	}
	if rl.Scheduler != "" && !model.ValidScheduler(rl.Scheduler) {
		return nil, fmt.Errorf("unknown scheduler %q", rl.Scheduler)
	}
	return &rl, nil
}

// threshold returns the raw threshold as text, unquoting JSON strings.
func (rl *rateLimitValue) threshold() string {
	raw := strings.TrimSpace(string(rl.Threshold))
	if raw == "" || raw == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(rl.Threshold, &s); err == nil {
		return s
	}
	return raw
}

// conditionValue is the part of a job's value the predicate compares with.
func conditionValue(j *model.PeerJob) (string, error) {
	if j.Action != model.JobActionRateLimit {
		return j.Value, nil
	}
	rl, err := parseRateLimit(j.Value)
	if err != nil {
		return "", err
	}
	return rl.threshold(), nil
}

// evaluate checks a data or date predicate against p at now.
func evaluate(now time.Time, j *model.PeerJob, p *model.Peer) (bool, error) {
	v, err := conditionValue(j)
	if err != nil {
		return false, err
	}
	switch {
	case isDataField(j.Field):
		limit, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return false, fmt.Errorf("parse threshold %q: %w", v, err)
		}
		used, err := dataUsage(p, j.Field)
		if err != nil {
			return false, err
		}
		return holds(cmp.Compare(used, limit), j.Operator), nil
	case j.Field == model.JobFieldDate:
		at, err := time.ParseInLocation(model.JobDateLayout, strings.TrimSpace(v), time.UTC)
		if err != nil {
			return false, fmt.Errorf("parse date %q: %w", v, err)
		}
		return holds(now.UTC().Truncate(time.Second).Compare(at), j.Operator), nil
	}
	return false, fmt.Errorf("field %q has no predicate", j.Field)
}

// weekly is a parsed weekly value. Exactly one of the two forms is set.
type weekly struct {
	// once fires at weekday+minute of every ISO week.
	once *weekMark
	// windows restrict inside and allow outside.
	windows []window
}

type weekMark struct {
	isoDay int // 1 = Monday
	minute int
}

type window struct {
	day        int // 0 = Monday
	start, end int // minutes past midnight, inclusive
}

func parseClock(s string) (int, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute in %q", s)
	}
	return h*60 + m, nil
}

// parseWeekly accepts "<isoWeekday> HH:MM" or a comma separated list of
// "d:HH:MM-HH:MM" windows with d counted from Monday = 0.
func parseWeekly(v string) (*weekly, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("empty weekly schedule")
	}
	if !strings.Contains(v, "-") {
		day, clock, ok := strings.Cut(v, " ")
		if !ok {
			return nil, fmt.Errorf("weekly value %q: want \"<weekday> HH:MM\"", v)
		}
		d, err := strconv.Atoi(strings.TrimSpace(day))
		if err != nil || d < 1 || d > 7 {
			return nil, fmt.Errorf("weekly value %q: weekday must be 1-7", v)
		}
		m, err := parseClock(clock)
		if err != nil {
			return nil, fmt.Errorf("weekly value %q: %w", v, err)
		}
		return &weekly{once: &weekMark{isoDay: d, minute: m}}, nil
	}

	w := &weekly{}
	for _, part := range strings.Split(v, ",") {
		day, times, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok {
			return nil, fmt.Errorf("weekly window %q: missing day", part)
		}
		d, err := strconv.Atoi(day)
		if err != nil || d < 0 || d > 6 {
			return nil, fmt.Errorf("weekly window %q: day must be 0-6", part)
		}
		from, to, ok := strings.Cut(times, "-")
		if !ok {
			return nil, fmt.Errorf("weekly window %q: missing end", part)
		}
		start, err := parseClock(from)
		if err != nil {
			return nil, fmt.Errorf("weekly window %q: %w", part, err)
		}
		end, err := parseClock(to)
		if err != nil {
			return nil, fmt.Errorf("weekly window %q: %w", part, err)
		}
		if end < start {
			return nil, fmt.Errorf("weekly window %q ends before it starts", part)
		}
		w.windows = append(w.windows, window{day: d, start: start, end: end})
	}
	return w, nil
}

// weekStart is Monday 00:00 UTC of the ISO week containing t.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	y, m, d := t.Date()
	return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
}

// instant is the mark's moment in the ISO week containing now.
func (w *weekMark) instant(now time.Time) time.Time {
	return weekStart(now).Add(time.Duration(w.isoDay-1)*24*time.Hour + time.Duration(w.minute)*time.Minute)
}

// inWindow reports whether now falls inside any window.
func (w *weekly) inWindow(now time.Time) bool {
	now = now.UTC()
	day := (int(now.Weekday()) + 6) % 7
	minute := now.Hour()*60 + now.Minute()
	for _, win := range w.windows {
		if win.day == day && minute >= win.start && minute <= win.end {
			return true
		}
	}
	return false
}
