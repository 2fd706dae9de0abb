// Package storage persists the request/response/chunk rows and serves the
// synchronous read paths conversation linking depends on. Writes are
// batched and asynchronous; reads combine committed rows with the writer's
// not-yet-flushed queue so racing requests observe each other.
package storage

import (
	"encoding/json"
	"time"
)

// RequestRecord is one persisted api_requests row.
type RequestRecord struct {
	RequestID           string
	Domain              string
	AccountID           string
	Timestamp           time.Time
	Body                json.RawMessage
	CurrentMessageHash  string
	ParentMessageHash   *string
	SystemHash          *string
	ConversationID      string
	BranchID            string
	ParentRequestID     *string
	MessageCount        int
	IsSubtask           bool
	ParentTaskRequestID *string
	TaskToolInvocation  json.RawMessage
}

// ResponseRecord is one persisted api_responses row.
type ResponseRecord struct {
	RequestID                string
	Domain                   string
	Status                   int
	Headers                  map[string]string
	Body                     json.RawMessage
	Streaming                bool
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
	DurationMs               int64
	TTFBMs                   int64
	ErrorType                string
	Timestamp                time.Time
}

// StreamingChunk is one persisted streaming_chunks row.
type StreamingChunk struct {
	RequestID  string
	ChunkIndex int
	Timestamp  time.Time
	Data       string
	TokenCount int
}

// TaskInvocation is the JSON shape stored in task_tool_invocation and fed
// to the task cache.
type TaskInvocation struct {
	ToolUseID   string    `json:"id"`
	Prompt      string    `json:"prompt"`
	Description string    `json:"description,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
