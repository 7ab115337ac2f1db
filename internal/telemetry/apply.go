package telemetry

import (
	"fmt"
	"time"

	"github.com/wiregate/wiregate/internal/model"
)

const (
	gib = 1 << 30
	// runningWindow is how recent a handshake must be for a peer to count
	// as running.
	runningWindow = 2 * time.Minute
)

// Fold is the outcome of applying one kernel snapshot to the stored peers.
type Fold struct {
	Changed []model.Peer
	Samples []model.TransferSample
	// Sessions counts peers whose counters went backwards and were folded
	// into the cumulative totals.
	Sessions int
}

// Apply computes the peer rows that change under snap. current holds the
// stored active peers. Peers the kernel does not know keep their stored
// values; kernel peers missing from current are ignored. Every current peer
// gets a history sample.
func Apply(now time.Time, current []model.Peer, snap *KernelSnapshot) Fold {
	var out Fold
	for i := range current {
		prev := current[i]
		next := prev

		if epoch, ok := snap.Handshakes[prev.ID]; ok {
			next.Status, next.LatestHandshake = handshakeState(now, epoch)
		}

		if tr, ok := snap.Transfers[prev.ID]; ok {
			rx := float64(tr.Receive) / gib
			tx := float64(tr.Sent) / gib
			if rx < prev.TotalReceive || tx < prev.TotalSent {
				next.CumuReceive += prev.TotalReceive
				next.CumuSent += prev.TotalSent
				next.CumuData = next.CumuReceive + next.CumuSent
				out.Sessions++
			}
			next.TotalReceive, next.TotalSent = rx, tx
			next.TotalData = rx + tx
		}

		if ep, ok := snap.Endpoints[prev.ID]; ok {
			next.Endpoint = ep
		}

		if changed(prev, next) {
			out.Changed = append(out.Changed, next)
		}
		out.Samples = append(out.Samples, model.TransferSample{
			PeerID:       next.ID,
			TotalReceive: next.TotalReceive,
			TotalSent:    next.TotalSent,
			TotalData:    next.TotalData,
			CumuReceive:  next.CumuReceive,
			CumuSent:     next.CumuSent,
			CumuData:     next.CumuData,
			Time:         now,
		})
	}
	return out
}

func changed(a, b model.Peer) bool {
	return a.Status != b.Status ||
		a.LatestHandshake != b.LatestHandshake ||
		a.Endpoint != b.Endpoint ||
		a.TotalReceive != b.TotalReceive ||
		a.TotalSent != b.TotalSent ||
		a.CumuReceive != b.CumuReceive ||
		a.CumuSent != b.CumuSent
}

// handshakeState maps a handshake epoch to a status and an H:MM:SS age.
func handshakeState(now time.Time, epoch int64) (string, string) {
	if epoch <= 0 {
		return model.StatusStopped, model.NoHandshake
	}
	age := now.Sub(time.Unix(epoch, 0))
	if age < 0 {
		age = 0
	}
	status := model.StatusStopped
	if age < runningWindow {
		status = model.StatusRunning
	}
	return status, formatAge(age)
}

func formatAge(d time.Duration) string {
	s := int64(d / time.Second)
	return fmt.Sprintf("%d:%02d:%02d", s/3600, s/60%60, s%60)
}
