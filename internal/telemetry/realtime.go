package telemetry

import (
	"sync"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

// DefaultWindow is how much realtime history a tunnel keeps.
const DefaultWindow = 30 * time.Minute

type counterSample struct {
	at      time.Time
	counter Transfer
}

// RealtimeSeries keeps a per-tunnel window of interface traffic rates in
// MB/s, derived from successive counter readings.
type RealtimeSeries struct {
	window time.Duration

	mu     sync.Mutex
	last   map[string]counterSample
	points map[string][]model.TrafficPoint
	subs   map[string]map[chan model.TrafficPoint]struct{}
}

func NewRealtimeSeries(window time.Duration) *RealtimeSeries {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RealtimeSeries{
		window: window,
		last:   make(map[string]counterSample),
		points: make(map[string][]model.TrafficPoint),
		subs:   make(map[string]map[chan model.TrafficPoint]struct{}),
	}
}

// Observe records a counter reading. The first reading of a tunnel only
// sets the baseline. A counter that went backwards is treated as reset, so
// its current value is the delta.
func (s *RealtimeSeries) Observe(tunnel string, at time.Time, c Transfer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.last[tunnel]
	s.last[tunnel] = counterSample{at: at, counter: c}
	if !ok {
		return
	}
	dt := at.Sub(prev.at).Seconds()
	if dt <= 0 {
		return
	}
	rx := c.Receive - prev.counter.Receive
	if rx < 0 {
		rx = c.Receive
	}
	tx := c.Sent - prev.counter.Sent
	if tx < 0 {
		tx = c.Sent
	}
	p := model.TrafficPoint{
		Time:    at,
		Receive: float64(rx) / dt / 1e6,
		Sent:    float64(tx) / dt / 1e6,
	}

	pts := append(s.points[tunnel], p)
	cutoff := at.Add(-s.window)
	drop := 0
	for drop < len(pts) && pts[drop].Time.Before(cutoff) {
		drop++
	}
	s.points[tunnel] = pts[drop:]

	for ch := range s.subs[tunnel] {
		select {
		case ch <- p:
		default:
		}
	}
}

// Points returns a copy of the tunnel's series, oldest first.
func (s *RealtimeSeries) Points(tunnel string) []model.TrafficPoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	pts := s.points[tunnel]
	out := make([]model.TrafficPoint, len(pts))
	copy(out, pts)
	return out
}

// Forget drops a tunnel's baseline and series, for example after it went
// down.
func (s *RealtimeSeries) Forget(tunnel string) {
	s.mu.Lock()
	delete(s.last, tunnel)
	delete(s.points, tunnel)
	s.mu.Unlock()
}

// Subscribe delivers new points for tunnel until cancel is called. Slow
// subscribers miss points rather than block the poller.
func (s *RealtimeSeries) Subscribe(tunnel string) (<-chan model.TrafficPoint, func()) {
	ch := make(chan model.TrafficPoint, 8)
	s.mu.Lock()
	if s.subs[tunnel] == nil {
		s.subs[tunnel] = make(map[chan model.TrafficPoint]struct{})
	}
	s.subs[tunnel][ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs[tunnel], ch)
			s.mu.Unlock()
		})
	}
}
