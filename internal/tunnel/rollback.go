package tunnel

import (
	"context"

	"github.com/rs/zerolog"
)

type undoStep struct {
	what string
	fn   func(ctx context.Context) error
}

// rollback collects undo steps for a compound operation and runs them in
// reverse when the operation fails.
type rollback struct {
	logger zerolog.Logger
	steps  []undoStep
}

func (r *rollback) add(what string, fn func(ctx context.Context) error) {
	r.steps = append(r.steps, undoStep{what: what, fn: fn})
}

// run undoes every recorded step, newest first. Undo failures are logged and
// do not stop the remaining steps. The caller's cancellation is ignored.
func (r *rollback) run(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for i := len(r.steps) - 1; i >= 0; i-- {
		s := r.steps[i]
		if err := s.fn(ctx); err != nil {
			r.logger.Error().Err(err).Str("step", s.what).Msg("cleanup: undo failed")
			continue
		}
		r.logger.Debug().Str("step", s.what).Msg("cleanup: undone")
	}
	r.steps = nil
}
