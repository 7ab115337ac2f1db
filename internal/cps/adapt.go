package cps

import (
	"crypto/rand"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"time"

	"github.com/rs/zerolog"

	"github.com/wiregate/wiregate/internal/model"
)

// DefaultSlots maps the AmneziaWG junk-packet slots to protocols.
var DefaultSlots = map[string]string{
	"I1": model.CPSProtocolQUIC,
	"I2": model.CPSProtocolHTTPGet,
	"I3": model.CPSProtocolDNS,
	"I4": model.CPSProtocolJSON,
	"I5": model.CPSProtocolHTTPResponse,
}

// Tuning holds the adaptation constants.
type Tuning struct {
	// Threshold is the slot usage at which adaptation always runs.
	Threshold int
	// Floor is the smoothed success ratio below which a pattern is replaced.
	Floor float64
	// PriorWeight is the pseudo-count of the 50% prior.
	PriorWeight float64
	// Exploration is the draw weight of patterns never used in the slot.
	Exploration float64
	// Z is the Wilson interval's z-score.
	Z float64
}

var DefaultTuning = Tuning{Threshold: 100, Floor: 0.5, PriorWeight: 5, Exploration: 0.05, Z: 1.0}

// Decision is the outcome of one adaptation check.
type Decision struct {
	Adapted bool
	Pattern *model.CPSPattern
	Reason  string
}

type AdapterOptions struct {
	Library *Library
	State   *StateStore
	// Slots overrides DefaultSlots.
	Slots  map[string]string
	Tuning *Tuning
	Logger zerolog.Logger
}

// Adapter tracks per-slot outcomes and swaps failing patterns.
type Adapter struct {
	lib    *Library
	state  *StateStore
	slots  map[string]string
	tuning Tuning
	logger zerolog.Logger
	now    func() time.Time
}

func NewAdapter(opts AdapterOptions) *Adapter {
	slots := opts.Slots
	if slots == nil {
		slots = DefaultSlots
	}
	tuning := DefaultTuning
	if opts.Tuning != nil {
		tuning = *opts.Tuning
	}
	return &Adapter{
		lib:    opts.Library,
		state:  opts.State,
		slots:  slots,
		tuning: tuning,
		logger: opts.Logger.With().Str("component", "cps").Logger(),
		now:    time.Now,
	}
}

func (a *Adapter) protocol(slot string) (string, error) {
	p, ok := a.slots[slot]
	if !ok {
		return "", model.Invalid("cps adapt", "unknown slot %q", slot)
	}
	return p, nil
}

// RecordOutcome counts one use of patternID in slot.
func (a *Adapter) RecordOutcome(tunnel, slot, patternID string, success bool) (Record, error) {
	if _, err := a.protocol(slot); err != nil {
		return Record{}, err
	}
	now := a.now().UTC()
	return a.state.Update(tunnel, slot, patternID, func(r *Record) {
		r.Uses++
		if success {
			r.Successes++
		} else {
			r.Failures++
		}
		r.LastUsed = now
	})
}

// smoothed is the success ratio pulled toward 0.5 by PriorWeight
// pseudo-observations. A weight of 2 gives (s+1)/(u+2).
func (t Tuning) smoothed(r Record) float64 {
	return (float64(r.Successes) + t.PriorWeight/2) / (float64(r.Uses) + t.PriorWeight)
}

// wilsonLower is the lower bound of the Wilson score interval, 0 when unused.
func wilsonLower(successes, uses int, z float64) float64 {
	if uses == 0 {
		return 0
	}
	n := float64(uses)
	p := float64(successes) / n
	z2 := z * z
	centre := p + z2/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z2/(4*n*n))
	return (centre - margin) / (1 + z2/n)
}

type candidate struct {
	pattern model.CPSPattern
	weight  float64
}

// MaybeAdapt decides whether slot should move away from currentID. The check
// itself runs with probability min(1, slot uses / Threshold).
func (a *Adapter) MaybeAdapt(tunnel, slot, currentID string, rng *mrand.Rand) (Decision, error) {
	protocol, err := a.protocol(slot)
	if err != nil {
		return Decision{}, err
	}
	records, err := a.state.Records(tunnel, slot)
	if err != nil {
		return Decision{}, err
	}
	total := 0
	for _, r := range records {
		total += r.Uses
	}
	if a.tuning.Threshold > 0 {
		if p := math.Min(1, float64(total)/float64(a.tuning.Threshold)); rng.Float64() >= p {
			return Decision{Reason: "skipped"}, nil
		}
	}

	cur := records[currentID]
	ratio := a.tuning.smoothed(cur)
	if ratio >= a.tuning.Floor {
		return Decision{Reason: fmt.Sprintf("current ratio %.2f meets floor", ratio)}, nil
	}
	curLower := wilsonLower(cur.Successes, cur.Uses, a.tuning.Z)

	patterns, err := a.lib.Load(protocol)
	if err != nil {
		return Decision{}, err
	}
	var (
		pool   []candidate
		better int
	)
	for _, p := range patterns {
		if p.ID == currentID {
			continue
		}
		r, seen := records[p.ID]
		if !seen || r.Uses == 0 {
			pool = append(pool, candidate{pattern: p, weight: a.tuning.Exploration})
			continue
		}
		if wilsonLower(r.Successes, r.Uses, a.tuning.Z) > curLower {
			pool = append(pool, candidate{pattern: p, weight: a.tuning.smoothed(r)})
			better++
		}
	}
	if better == 0 {
		return Decision{Reason: "no better candidate"}, nil
	}

	chosen := draw(pool, rng)
	a.logger.Info().Str("tunnel", tunnel).Str("slot", slot).Str("from", currentID).Str("to", chosen.ID).
		Float64("ratio", ratio).Msg("cps pattern adapted")
	return Decision{Adapted: true, Pattern: &chosen, Reason: fmt.Sprintf("current ratio %.2f below floor", ratio)}, nil
}

func draw(pool []candidate, rng *mrand.Rand) model.CPSPattern {
	sum := 0.0
	for _, c := range pool {
		sum += c.weight
	}
	x := rng.Float64() * sum
	for _, c := range pool {
		if x < c.weight {
			return c.pattern
		}
		x -= c.weight
	}
	return pool[len(pool)-1].pattern
}

// Expand renders pattern for tunnel, advancing the tunnel's counter when the
// pattern uses <c>.
func (a *Adapter) Expand(tunnel, pattern string) ([]byte, error) {
	tags, err := Parse(pattern)
	if err != nil {
		return nil, err
	}
	var counter uint32
	for _, t := range tags {
		if t.Kind == TagCounter {
			if counter, err = a.state.NextCounter(tunnel); err != nil {
				return nil, err
			}
			break
		}
	}
	return Generate(pattern, counter, a.now(), rand.Reader)
}
