package cps

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/wiregate/wiregate/internal/model"
)

// StateFile is the buntdb file kept next to the pattern library.
const StateFile = "cps_state.db"

// Record is one pattern's track record in one slot.
type Record struct {
	PatternID string    `json:"pattern_id"`
	Uses      int       `json:"uses"`
	Successes int       `json:"successes"`
	Failures  int       `json:"failures"`
	LastUsed  time.Time `json:"last_used"`
}

// StateStore persists <c> counters and slot records. Keys are
// counter:<tunnel> and perf:<tunnel>:<slot>:<pattern id>.
type StateStore struct {
	db *buntdb.DB
}

// OpenState opens path, or an in-memory store for ":memory:".
func OpenState(path string) (*StateStore, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, model.StoreUnavailable("open cps state", err)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error { return s.db.Close() }

func counterKey(tunnel string) string { return "counter:" + tunnel }

func perfPrefix(tunnel, slot string) string { return "perf:" + tunnel + ":" + slot + ":" }

// NextCounter returns the tunnel's next <c> value. The counter starts at 1
// and wraps at 2^32.
func (s *StateStore) NextCounter(tunnel string) (uint32, error) {
	var next uint32
	err := s.db.Update(func(tx *buntdb.Tx) error {
		cur, err := tx.Get(counterKey(tunnel))
		var n uint64
		switch {
		case errors.Is(err, buntdb.ErrNotFound):
		case err != nil:
			return err
		default:
			if n, err = strconv.ParseUint(cur, 10, 32); err != nil {
				return model.Integrity("read cps counter", "counter for %s: %v", tunnel, err)
			}
		}
		next = uint32(n + 1)
		_, _, err = tx.Set(counterKey(tunnel), strconv.FormatUint(uint64(next), 10), nil)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("advance cps counter: %w", err)
	}
	return next, nil
}

// Update applies fn to one record inside a single transaction.
func (s *StateStore) Update(tunnel, slot, patternID string, fn func(r *Record)) (Record, error) {
	key := perfPrefix(tunnel, slot) + patternID
	var out Record
	err := s.db.Update(func(tx *buntdb.Tx) error {
		r := Record{PatternID: patternID}
		raw, err := tx.Get(key)
		switch {
		case errors.Is(err, buntdb.ErrNotFound):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &r); err != nil {
				return model.Integrity("read cps record", "%s: %v", key, err)
			}
		}
		fn(&r)
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(data), nil)
		out = r
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("update cps record: %w", err)
	}
	return out, nil
}

// Records returns every record of one slot keyed by pattern id.
func (s *StateStore) Records(tunnel, slot string) (map[string]Record, error) {
	prefix := perfPrefix(tunnel, slot)
	out := make(map[string]Record)
	err := s.db.View(func(tx *buntdb.Tx) error {
		var ierr error
		err := tx.AscendKeys(prefix+"*", func(key, value string) bool {
			var r Record
			if err := json.Unmarshal([]byte(value), &r); err != nil {
				ierr = model.Integrity("read cps record", "%s: %v", key, err)
				return false
			}
			out[strings.TrimPrefix(key, prefix)] = r
			return true
		})
		if err != nil {
			return err
		}
		return ierr
	})
	if err != nil {
		return nil, fmt.Errorf("list cps records: %w", err)
	}
	return out, nil
}

// Forget drops a tunnel's counter and records.
func (s *StateStore) Forget(tunnel string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		err := tx.AscendKeys("perf:"+tunnel+":*", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
		if err != nil {
			return err
		}
		keys = append(keys, counterKey(tunnel))
		for _, k := range keys {
			if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}
