package buffer

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FlushSession status codes.
const (
	FlushOK          = 0
	FlushFailed      = 1
	FlushLockTimeout = 2
)

// FlushResult is the structured outcome of a blocking flush. Routine
// failures surface here as non-zero statuses, not transport errors.
type FlushResult struct {
	Status int    `json:"status"`
	Errmsg string `json:"errmsg"`
}

// FlushSession drains every pending message of the session synchronously.
// It spins on the session lock at the configured wait interval until the
// context expires, then flushes batch by batch until nothing is pending.
func (c *Controller) FlushSession(ctx context.Context, projectID, sessionID uuid.UUID) FlushResult {
	for {
		acquired, err := c.lock.TryAcquire(ctx, sessionID, c.lockCfg.ProcessingTimeout)
		if err != nil {
			return FlushResult{Status: FlushFailed, Errmsg: err.Error()}
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			return FlushResult{Status: FlushLockTimeout, Errmsg: "timed out waiting for session lock"}
		case <-time.After(c.lockCfg.SessionLockWait):
		}
	}
	defer c.release(ctx, sessionID)

	for {
		count, err := c.messages.CountPending(ctx, sessionID)
		if err != nil {
			return FlushResult{Status: FlushFailed, Errmsg: err.Error()}
		}
		if count == 0 {
			return FlushResult{Status: FlushOK}
		}
		if err := c.flush(ctx, projectID, sessionID); err != nil {
			return FlushResult{Status: FlushFailed, Errmsg: err.Error()}
		}
	}
}
