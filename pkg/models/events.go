package models

import "github.com/google/uuid"

// InsertNewMessage is the broker notification published by ingress when a
// message lands in a session. It also drives the retry and idle-flush
// parking queues unchanged.
type InsertNewMessage struct {
	ProjectID uuid.UUID `json:"project_id"`
	SessionID uuid.UUID `json:"session_id"`
	MessageID uuid.UUID `json:"message_id"`
}

// NewTaskComplete is published on the space.task exchange each time a tool
// call transitions a task to success. The downstream space digester
// consumes it.
type NewTaskComplete struct {
	ProjectID uuid.UUID `json:"project_id"`
	SessionID uuid.UUID `json:"session_id"`
	TaskID    uuid.UUID `json:"task_id"`
}
