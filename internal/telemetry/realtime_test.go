package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealtimeSeriesRates(t *testing.T) {
	s := NewRealtimeSeries(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)

	s.Observe("wg0", t0, Transfer{Receive: 1_000_000, Sent: 0})
	assert.Empty(t, s.Points("wg0"))

	s.Observe("wg0", t0.Add(10*time.Second), Transfer{Receive: 21_000_000, Sent: 5_000_000})
	pts := s.Points("wg0")
	require.Len(t, pts, 1)
	assert.InDelta(t, 2.0, pts[0].Receive, 1e-9)
	assert.InDelta(t, 0.5, pts[0].Sent, 1e-9)

	// Counter reset: the new value is the delta.
	s.Observe("wg0", t0.Add(20*time.Second), Transfer{Receive: 10_000_000, Sent: 10_000_000})
	pts = s.Points("wg0")
	require.Len(t, pts, 2)
	assert.InDelta(t, 1.0, pts[1].Receive, 1e-9)
}

func TestRealtimeSeriesWindow(t *testing.T) {
	s := NewRealtimeSeries(time.Minute)
	t0 := time.Unix(1_700_000_000, 0)
	for i := 0; i <= 12; i++ {
		s.Observe("wg0", t0.Add(time.Duration(i)*10*time.Second), Transfer{Receive: int64(i) * 1000})
	}
	pts := s.Points("wg0")
	require.NotEmpty(t, pts)
	assert.False(t, pts[0].Time.Before(t0.Add(60*time.Second)))
	assert.Len(t, pts, 7)

	s.Forget("wg0")
	assert.Empty(t, s.Points("wg0"))
}

func TestRealtimeSeriesSubscribe(t *testing.T) {
	s := NewRealtimeSeries(0)
	ch, cancel := s.Subscribe("wg0")
	t0 := time.Now()
	s.Observe("wg0", t0, Transfer{})
	s.Observe("wg0", t0.Add(time.Second), Transfer{Receive: 3_000_000})

	select {
	case p := <-ch:
		assert.InDelta(t, 3.0, p.Receive, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no point delivered")
	}

	cancel()
	cancel()
	s.Observe("wg0", t0.Add(2*time.Second), Transfer{Receive: 4_000_000})
	select {
	case <-ch:
		t.Fatal("point delivered after cancel")
	default:
	}
}
