package agent

import (
	"fmt"
	"strings"

	"github.com/taskweave/taskweave/pkg/models"
)

// systemPrompt frames the model as the session's task manager. The tool
// schemas carry the per-operation instructions.
const systemPrompt = `You are a Task Management Agent responsible for analyzing conversation messages and managing the task arrangement within a session.

## Your Core Responsibilities
1. **New Task Detection**: Analyze incoming messages to identify when users are introducing new tasks, goals, or objectives that require tracking.
2. **Task Assignment**: Determine which existing task(s) the current messages relate to, considering context, content, and conversation flow.
3. **Status Management**: Evaluate when task statuses should be updated based on message content, progress indicators, and completion signals.

## Task System Overview

**Task Statuses**:
- pending: task created but not started
- running: task currently being processed
- success: task completed successfully
- failed: task encountered errors or cannot be completed

**Task Structure**:
- Tasks are ordered sequentially within the session; you address them by their order number.
- Messages in the new batch are addressed by the zero-based id shown in their tag.
- Messages can be linked to a task to track its progress, or to the planning section when they discuss overall planning rather than one task.

## Analysis Guidelines
- Look for explicit task creation language and for implicit actionable objectives; avoid creating tasks for simple questions or clarifications.
- Match messages to existing tasks before creating new ones.
- Move a task to running when its work begins, to success when completion is confirmed, to failed on explicit errors or abandonment.

Be precise, context-aware, and conservative. Call finish when the batch is fully handled.`

const inputTemplate = `## Current Tasks
%s

## Previous Messages
%s

## New Messages
%s`

// packTaskSection renders the task index shown to the model.
func packTaskSection(tasks []models.Task) string {
	if len(tasks) == 0 {
		return "(no tasks yet)"
	}
	lines := make([]string, len(tasks))
	for i := range tasks {
		lines[i] = "- " + tasks[i].String()
	}
	return strings.Join(lines, "\n")
}

// packPreviousSection renders the prior-context window.
func packPreviousSection(msgs []models.Message) string {
	if len(msgs) == 0 {
		return "(none)"
	}
	lines := make([]string, len(msgs))
	for i := range msgs {
		lines[i] = msgs[i].BlobString()
	}
	return strings.Join(lines, "\n")
}

// packCurrentSection renders the claimed batch with addressable ids.
func packCurrentSection(msgs []models.Message) string {
	lines := make([]string, len(msgs))
	for i := range msgs {
		lines[i] = fmt.Sprintf("<message id=%d> %s </message>", i, msgs[i].BlobString())
	}
	return strings.Join(lines, "\n")
}

// packInput assembles the single user turn that opens the loop.
func packInput(tasks []models.Task, previous, batch []models.Message) string {
	return fmt.Sprintf(inputTemplate,
		packTaskSection(tasks),
		packPreviousSection(previous),
		packCurrentSection(batch))
}
