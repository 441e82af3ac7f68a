package credits

import (
	"context"
	"time"
)

// cleanupTimeout bounds a best-effort step that outlives its caller's
// context.
const cleanupTimeout = 10 * time.Second

// BestEffort runs a cleanup step whose failure must not fail the caller.
// The step runs even if ctx is already cancelled. A failure is logged at
// warn level and reported to OnCleanupFailed plugins; the return value
// tells whether the step succeeded.
func (e *Engine) BestEffort(ctx context.Context, op string, fn func(ctx context.Context) error) bool {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if err := fn(cctx); err != nil {
		e.logger.Warn("best-effort cleanup failed",
			"op", op,
			"error", err,
		)
		e.plugins.EmitCleanupFailed(cctx, op, err)
		return false
	}
	return true
}

// ReleaseBestEffort releases a reservation after a failed or abandoned
// send. Already released or committed reservations count as success.
func (e *Engine) ReleaseBestEffort(ctx context.Context, ownerID string, ref ReservationRef, reason string) bool {
	return e.BestEffort(ctx, "reservation.release", func(ctx context.Context) error {
		_, err := e.Release(ctx, ownerID, ref, ReleaseOpts{Reason: reason})
		if IsStateConflict(err) {
			return nil
		}
		return err
	})
}
