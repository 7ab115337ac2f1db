package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiregate/wiregate/internal/model"
)

func TestHolds(t *testing.T) {
	assert.True(t, holds(0, model.JobOpEq))
	assert.False(t, holds(1, model.JobOpEq))
	assert.True(t, holds(-1, model.JobOpNeq))
	assert.True(t, holds(1, model.JobOpLgt))
	assert.False(t, holds(0, model.JobOpLgt))
	assert.True(t, holds(-1, model.JobOpLst))
	assert.False(t, holds(0, "between"))
}

func TestParseWeekly(t *testing.T) {
	w, err := parseWeekly("7 23:45")
	require.NoError(t, err)
	require.NotNil(t, w.once)
	assert.Equal(t, weekMark{isoDay: 7, minute: 23*60 + 45}, *w.once)

	w, err = parseWeekly("0:08:00-17:00, 6:22:00:00-23:59:59")
	require.NoError(t, err)
	assert.Nil(t, w.once)
	assert.Equal(t, []window{{day: 0, start: 480, end: 1020}, {day: 6, start: 1320, end: 1439}}, w.windows)

	for _, bad := range []string{"", "monday 10:00", "0 10:00", "3 25:00", "3 10:61", "7:08:00-09:00", "1:10:00-09:00", "1:08:00"} {
		_, err := parseWeekly(bad)
		assert.Error(t, err, bad)
	}
}

func TestWeekStartAndInstant(t *testing.T) {
	sunday := time.Date(2026, 10, 25, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, monday, weekStart(sunday))
	assert.Equal(t, monday, weekStart(monday))

	m := weekMark{isoDay: 3, minute: 9 * 60}
	assert.Equal(t, time.Date(2026, 10, 21, 9, 0, 0, 0, time.UTC), m.instant(sunday))
}

func TestInWindow(t *testing.T) {
	w, err := parseWeekly("0:08:00-17:00")
	require.NoError(t, err)
	assert.True(t, w.inWindow(monday.Add(8*time.Hour)))
	assert.True(t, w.inWindow(monday.Add(17*time.Hour+30*time.Second)))
	assert.False(t, w.inWindow(monday.Add(17*time.Hour+time.Minute)))
	assert.False(t, w.inWindow(monday.Add(24*time.Hour+9*time.Hour)))
}

func TestEvaluate(t *testing.T) {
	now := monday.Add(12 * time.Hour)
	p := &model.Peer{CumuReceive: 1, TotalReceive: 0.5, CumuSent: 2, TotalSent: 1}

	tests := []struct {
		name  string
		field string
		op    string
		value string
		want  bool
	}{
		{"receive above", model.JobFieldTotalReceive, model.JobOpLgt, "1.4", true},
		{"receive equal", model.JobFieldTotalReceive, model.JobOpEq, "1.5", true},
		{"sent below", model.JobFieldTotalSent, model.JobOpLst, "3", false},
		{"data above", model.JobFieldTotalData, model.JobOpLgt, "4", true},
		{"date passed", model.JobFieldDate, model.JobOpLgt, "2026-10-19 11:59:59", true},
		{"date ahead", model.JobFieldDate, model.JobOpLgt, "2026-10-19 12:00:01", false},
		{"date exact", model.JobFieldDate, model.JobOpEq, "2026-10-19 12:00:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &model.PeerJob{Field: tt.field, Operator: tt.op, Value: tt.value, Action: model.JobActionRestrict}
			got, err := evaluate(now, j, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	rl := &model.PeerJob{Field: model.JobFieldDate, Operator: model.JobOpLgt, Action: model.JobActionRateLimit,
		Value: `{"threshold": "2026-10-19 00:00:00", "upload_rate": 100, "download_rate": 100}`}
	got, err := evaluate(now, rl, p)
	require.NoError(t, err)
	assert.True(t, got)
}
