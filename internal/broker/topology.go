package broker

import (
	"time"

	"github.com/taskweave/taskweave/internal/config"
)

// Exchange and routing-key names. Both exchanges are durable direct
// exchanges; queues bind by exact routing key.
const (
	ExchangeSessionMessage = "session.message"
	ExchangeSpaceTask      = "space.task"

	RouteInsert        = "session.message.insert"
	RouteInsertRetry   = "session.message.insert.retry"
	RouteBufferNotify  = "session.message.buffer.notify"
	RouteBufferProcess = "session.message.buffer.process"
	RouteTaskComplete  = "space.task.new.complete"

	QueueInsertEntry   = "session.message.insert.entry"
	QueueInsertRetry   = "session.message.insert.retry"
	QueueBufferNotify  = "session.message.buffer.notify"
	QueueBufferProcess = "session.message.buffer.process"
	QueueTaskComplete  = "space.task.new.complete"
)

// Route addresses a publish target.
type Route struct {
	Exchange   string
	RoutingKey string
}

// QueueSpec describes one queue: its binding, expiry, dead-letter target,
// and whether it is a parking queue (declared, never consumed; the broker
// expires its messages into the dead-letter route, which is how delayed
// redelivery works here).
type QueueSpec struct {
	Queue      string
	Exchange   string
	RoutingKey string
	TTL        time.Duration
	DeadLetter *Route
	Parking    bool
}

// Topology returns the full queue layout. Two parking queues act as timers:
// insert.retry re-drives a contended notification after the lock wait, and
// buffer.notify re-drives an under-threshold notification after the buffer
// idle TTL.
func Topology(cfg *config.Config) []QueueSpec {
	return []QueueSpec{
		{
			Queue:      QueueInsertEntry,
			Exchange:   ExchangeSessionMessage,
			RoutingKey: RouteInsert,
		},
		{
			Queue:      QueueInsertRetry,
			Exchange:   ExchangeSessionMessage,
			RoutingKey: RouteInsertRetry,
			TTL:        cfg.Lock.SessionLockWait,
			DeadLetter: &Route{Exchange: ExchangeSessionMessage, RoutingKey: RouteInsert},
			Parking:    true,
		},
		{
			Queue:      QueueBufferNotify,
			Exchange:   ExchangeSessionMessage,
			RoutingKey: RouteBufferNotify,
			TTL:        cfg.Buffer.TTL,
			DeadLetter: &Route{Exchange: ExchangeSessionMessage, RoutingKey: RouteBufferProcess},
			Parking:    true,
		},
		{
			Queue:      QueueBufferProcess,
			Exchange:   ExchangeSessionMessage,
			RoutingKey: RouteBufferProcess,
		},
		{
			Queue:      QueueTaskComplete,
			Exchange:   ExchangeSpaceTask,
			RoutingKey: RouteTaskComplete,
		},
	}
}
