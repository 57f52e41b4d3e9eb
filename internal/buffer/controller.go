// Package buffer implements the session buffering pipeline: latest-wins
// admission of insert notifications, the threshold and idle-TTL flush
// decision, the distributed session lock, and the flush itself.
package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/taskweave/taskweave/internal/broker"
	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/storage"
	"github.com/taskweave/taskweave/pkg/models"
)

// MessageGateway is the message-store surface the controller drives.
type MessageGateway interface {
	LatestPendingID(ctx context.Context, sessionID uuid.UUID) (uuid.UUID, error)
	CountPending(ctx context.Context, sessionID uuid.UUID) (int, error)
	ClaimPendingBatch(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.Message, error)
	PreviousBefore(ctx context.Context, sessionID uuid.UUID, before time.Time, limit int) ([]models.Message, error)
	SetStatus(ctx context.Context, ids []uuid.UUID, status models.ProcessStatus) error
}

// SessionLocker is the distributed lock surface.
type SessionLocker interface {
	TryAcquire(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (bool, error)
	Release(ctx context.Context, sessionID uuid.UUID) error
}

// Hydrator fills message parts before prompt packing.
type Hydrator interface {
	HydrateAll(ctx context.Context, msgs []models.Message)
}

// AgentRunner distills one claimed batch into task changes.
type AgentRunner interface {
	Run(ctx context.Context, projectID, sessionID uuid.UUID, previous, batch []models.Message) error
}

// Publisher is the broker surface used for republishing notifications.
type Publisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, v any) error
}

// ErrAgentRunFailed marks a flush whose agent run failed. The batch is
// already finalized as failed when this is returned; the notification is
// dead-lettered rather than retried, since a retry would find nothing
// pending.
var ErrAgentRunFailed = errors.New("agent run failed")

// Controller owns the insert-entry and buffer-process handlers and the
// blocking flush primitive.
type Controller struct {
	buffer  config.BufferConfig
	lockCfg config.LockConfig

	messages  MessageGateway
	lock      SessionLocker
	hydrator  Hydrator
	agent     AgentRunner
	publisher Publisher
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewController wires the controller.
func NewController(cfg *config.Config, messages MessageGateway, lock SessionLocker, hydrator Hydrator, agent AgentRunner, publisher Publisher, logger *observability.Logger, metrics *observability.Metrics) *Controller {
	return &Controller{
		buffer:    cfg.Buffer,
		lockCfg:   cfg.Lock,
		messages:  messages,
		lock:      lock,
		hydrator:  hydrator,
		agent:     agent,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// claimLimit bounds one flush at the threshold plus the overflow allowance.
func (c *Controller) claimLimit() int {
	return c.buffer.MaxTurns + c.buffer.MaxOverflow
}

func decodeEvent(body []byte) (models.InsertNewMessage, error) {
	var event models.InsertNewMessage
	if err := json.Unmarshal(body, &event); err != nil {
		return models.InsertNewMessage{}, err
	}
	return event, nil
}

func (c *Controller) correlate(ctx context.Context, event models.InsertNewMessage) context.Context {
	ctx = observability.WithProject(ctx, event.ProjectID.String())
	return observability.WithSession(ctx, event.SessionID.String())
}

// isLatest applies latest-wins admission: only the notification carrying the
// newest pending message id may act; every older duplicate is dropped. A
// session with nothing pending drops the notification too.
func (c *Controller) isLatest(ctx context.Context, event models.InsertNewMessage) (bool, error) {
	latest, err := c.messages.LatestPendingID(ctx, event.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return latest == event.MessageID, nil
}

// HandleInsertEntry consumes session.message.insert.entry. Below the turn
// threshold the notification parks on the buffer.notify queue, whose TTL
// dead-letters it into buffer.process: that expiry is the idle-flush timer.
// At or above the threshold the flush runs immediately.
func (c *Controller) HandleInsertEntry(ctx context.Context, d broker.Delivery) (broker.Disposition, error) {
	event, err := decodeEvent(d.Body)
	if err != nil {
		c.logger.Error(ctx, "undecodable insert notification", "error", err)
		return broker.Reject, nil
	}
	ctx = c.correlate(ctx, event)

	latest, err := c.isLatest(ctx, event)
	if err != nil {
		return broker.Reject, fmt.Errorf("latest-wins check: %w", err)
	}
	if !latest {
		c.logger.Debug(ctx, "stale insert notification dropped")
		return broker.Ack, nil
	}

	count, err := c.messages.CountPending(ctx, event.SessionID)
	if err != nil {
		return broker.Reject, fmt.Errorf("count pending: %w", err)
	}
	if count < c.buffer.MaxTurns {
		if err := c.publisher.PublishJSON(ctx, broker.ExchangeSessionMessage, broker.RouteBufferNotify, event); err != nil {
			return broker.Reject, fmt.Errorf("park on notify queue: %w", err)
		}
		c.logger.Debug(ctx, "below threshold, parked for idle flush", "pending", count)
		return broker.Ack, nil
	}
	return c.flushWithLock(ctx, event)
}

// HandleBufferProcess consumes session.message.buffer.process, fed by the
// notify queue's expiry. The batch flushes regardless of size; latest-wins
// still filters notifications that a newer message has obsoleted.
func (c *Controller) HandleBufferProcess(ctx context.Context, d broker.Delivery) (broker.Disposition, error) {
	event, err := decodeEvent(d.Body)
	if err != nil {
		c.logger.Error(ctx, "undecodable buffer notification", "error", err)
		return broker.Reject, nil
	}
	ctx = c.correlate(ctx, event)

	latest, err := c.isLatest(ctx, event)
	if err != nil {
		return broker.Reject, fmt.Errorf("latest-wins check: %w", err)
	}
	if !latest {
		c.logger.Debug(ctx, "stale buffer notification dropped")
		return broker.Ack, nil
	}
	return c.flushWithLock(ctx, event)
}

// flushWithLock takes the session lock and flushes. Contention parks the
// notification on the insert-retry queue, whose TTL re-drives it through
// insert.entry once the current holder is likely done.
func (c *Controller) flushWithLock(ctx context.Context, event models.InsertNewMessage) (broker.Disposition, error) {
	acquired, err := c.lock.TryAcquire(ctx, event.SessionID, c.lockCfg.ProcessingTimeout)
	if err != nil {
		return broker.Reject, fmt.Errorf("acquire session lock: %w", err)
	}
	if !acquired {
		if err := c.publisher.PublishJSON(ctx, broker.ExchangeSessionMessage, broker.RouteInsertRetry, event); err != nil {
			return broker.Reject, fmt.Errorf("park on retry queue: %w", err)
		}
		c.logger.Debug(ctx, "session locked elsewhere, parked for retry")
		return broker.Ack, nil
	}
	defer c.release(ctx, event.SessionID)

	if err := c.flush(ctx, event.ProjectID, event.SessionID); err != nil {
		if errors.Is(err, ErrAgentRunFailed) {
			// Clean reject: the batch is settled as failed, the notification
			// goes straight to the dead-letter audit trail.
			return broker.Reject, nil
		}
		return broker.Reject, err
	}
	return broker.Ack, nil
}

func (c *Controller) release(ctx context.Context, sessionID uuid.UUID) {
	if err := c.lock.Release(ctx, sessionID); err != nil {
		c.logger.Error(ctx, "session lock release failed", "error", err)
	}
}

// flush claims and processes one batch. The caller must hold the session
// lock. A failed agent run finalizes the batch as failed and then returns
// ErrAgentRunFailed so the notification dead-letters.
func (c *Controller) flush(ctx context.Context, projectID, sessionID uuid.UUID) error {
	start := time.Now()

	count, err := c.messages.CountPending(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("count pending: %w", err)
	}
	if count == 0 {
		c.metrics.FlushCounter.WithLabelValues("noop").Inc()
		return nil
	}

	limit := c.claimLimit()
	if count > limit {
		// The tail beyond the claim stays pending; re-drive it with a fresh
		// notification carrying the newest pending id so latest-wins admits it.
		latest, err := c.messages.LatestPendingID(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("latest pending for overflow: %w", err)
		}
		overflow := models.InsertNewMessage{
			ProjectID: projectID,
			SessionID: sessionID,
			MessageID: latest,
		}
		if err := c.publisher.PublishJSON(ctx, broker.ExchangeSessionMessage, broker.RouteInsertRetry, overflow); err != nil {
			return fmt.Errorf("republish overflow: %w", err)
		}
		c.logger.Info(ctx, "overflow republished", "pending", count, "limit", limit)
	}

	batch, err := c.messages.ClaimPendingBatch(ctx, sessionID, limit)
	if err != nil {
		return fmt.Errorf("claim batch: %w", err)
	}
	if len(batch) == 0 {
		c.metrics.FlushCounter.WithLabelValues("noop").Inc()
		return nil
	}
	c.metrics.FlushBatchSize.Observe(float64(len(batch)))

	previous, err := c.messages.PreviousBefore(ctx, sessionID, batch[0].CreatedAt, c.buffer.PreviousMessagesTurns)
	if err != nil {
		c.logger.Warn(ctx, "previous window load failed, continuing without", "error", err)
		previous = nil
	}
	c.hydrator.HydrateAll(ctx, batch)
	c.hydrator.HydrateAll(ctx, previous)

	runErr := c.runAgent(ctx, projectID, sessionID, previous, batch)

	ids := make([]uuid.UUID, len(batch))
	for i := range batch {
		ids[i] = batch[i].ID
	}
	if runErr != nil {
		c.logger.Error(ctx, "agent run failed, batch marked failed", "error", runErr)
		if err := c.messages.SetStatus(ctx, ids, models.StatusFailed); err != nil {
			return fmt.Errorf("finalize failed batch: %w", err)
		}
		c.metrics.FlushCounter.WithLabelValues("failed").Inc()
		c.metrics.FlushDuration.Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: %v", ErrAgentRunFailed, runErr)
	}
	if err := c.messages.SetStatus(ctx, ids, models.StatusSuccess); err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	c.metrics.FlushCounter.WithLabelValues("success").Inc()
	c.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	c.logger.Info(ctx, "batch flushed", "messages", len(batch))
	return nil
}

// runAgent isolates agent panics so the batch still gets finalized.
func (c *Controller) runAgent(ctx context.Context, projectID, sessionID uuid.UUID, previous, batch []models.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("agent panic: %v", p)
		}
	}()
	return c.agent.Run(ctx, projectID, sessionID, previous, batch)
}
