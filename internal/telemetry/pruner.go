package telemetry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// HistoryStore is the part of the peer store the pruner needs.
type HistoryStore interface {
	PruneTransfer(ctx context.Context, tunnel string, before time.Time) (int64, error)
}

// HistoryPruner deletes transfer history older than the retention window.
type HistoryPruner struct {
	registry  Registry
	store     HistoryStore
	retention time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	now       func() time.Time
}

func NewHistoryPruner(registry Registry, store HistoryStore, retention time.Duration, logger zerolog.Logger) *HistoryPruner {
	if retention < DefaultWindow {
		retention = DefaultWindow
	}
	return &HistoryPruner{
		registry:  registry,
		store:     store,
		retention: retention,
		interval:  time.Hour,
		logger:    logger.With().Str("component", "telemetry").Logger(),
		now:       time.Now,
	}
}

// RunLoop prunes once at start and then every hour.
func (h *HistoryPruner) RunLoop(ctx context.Context) {
	h.PruneOnce(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.PruneOnce(ctx)
		}
	}
}

// PruneOnce prunes every tunnel and returns the number of rows removed.
func (h *HistoryPruner) PruneOnce(ctx context.Context) int64 {
	before := h.now().Add(-h.retention)
	var total int64
	for _, c := range h.registry.Controllers() {
		n, err := h.store.PruneTransfer(ctx, c.Name(), before)
		if err != nil {
			h.logger.Warn().Err(err).Str("tunnel", c.Name()).Msg("prune transfer history failed")
			continue
		}
		total += n
	}
	if total > 0 {
		h.logger.Info().Int64("rows", total).Dur("retention", h.retention).Msg("transfer history pruned")
	}
	return total
}
