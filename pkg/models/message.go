package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// ProcessStatus tracks a message through the buffering pipeline.
// Messages arrive as pending, are claimed as running at flush start,
// and finish as success or failed depending on the agent outcome.
type ProcessStatus string

const (
	StatusPending ProcessStatus = "pending"
	StatusRunning ProcessStatus = "running"
	StatusSuccess ProcessStatus = "success"
	StatusFailed  ProcessStatus = "failed"
)

// Valid reports whether s is one of the persisted status strings.
func (s ProcessStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed:
		return true
	}
	return false
}

// PartType identifies the kind of content carried by a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartAudio      PartType = "audio"
	PartVideo      PartType = "video"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
	PartData       PartType = "data"
)

// Asset locates an immutable blob in object storage.
type Asset struct {
	Bucket string `json:"bucket"`
	S3Key  string `json:"s3_key"`
	ETag   string `json:"etag,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Mime   string `json:"mime,omitempty"`
	SizeB  int64  `json:"size_b,omitempty"`
}

// Part is one typed element of a message body. The canonical shape is
// fixed at the ingress edge; the core never sees provider-specific formats.
type Part struct {
	Type PartType `json:"type"`

	// text part
	Text string `json:"text,omitempty"`

	// media parts reference an asset
	Asset    *Asset `json:"asset,omitempty"`
	Filename string `json:"filename,omitempty"`

	// tool-call and tool-result parts
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// metadata for embeddings, OCR, ASR, captions
	Meta map[string]any `json:"meta,omitempty"`
}

// Message is a single conversation turn inside a session.
//
// Parts is nil until hydrated from object storage; a hydration miss leaves
// it nil and the message is presented to the agent in truncated form.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	Role      Role       `json:"role"`
	PartsMeta Asset      `json:"parts_meta"`
	Parts     []Part     `json:"parts,omitempty"`
	ParentID  *uuid.UUID `json:"parent_id,omitempty"`
	TaskID    *uuid.UUID `json:"task_id,omitempty"`

	ProcessStatus ProcessStatus `json:"session_task_process_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BlobString renders the message for prompt packing. Media parts collapse
// to placeholders; a message whose parts could not be hydrated renders as
// unavailable so the agent can still reason about the surrounding turns.
func (m *Message) BlobString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]", m.Role)
	if m.Parts == nil {
		b.WriteString(" (content unavailable)")
		return b.String()
	}
	for _, p := range m.Parts {
		b.WriteByte(' ')
		switch p.Type {
		case PartText:
			b.WriteString(p.Text)
		case PartToolCall:
			fmt.Fprintf(&b, "<tool-call %s>", p.ToolName)
		case PartToolResult:
			fmt.Fprintf(&b, "<tool-result %s> %s", p.ToolName, p.Text)
		case PartData:
			b.WriteString("<data>")
		default:
			if p.Filename != "" {
				fmt.Fprintf(&b, "<%s %s>", p.Type, p.Filename)
			} else {
				fmt.Fprintf(&b, "<%s>", p.Type)
			}
		}
	}
	return b.String()
}
