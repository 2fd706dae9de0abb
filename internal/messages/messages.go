// Package messages holds the typed view of the chat wire format. The proxy
// forwards request bodies byte-verbatim; these types only parse the fields
// the linking and accounting paths need, while the original raw bytes stay
// attached for storage and forwarding.
package messages

import (
	"encoding/json"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// Role values carried on a message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Content block types.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ImageSource carries base64 image data for an image block.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ContentBlock is one typed element of a block-array message content.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// system blocks may carry an ephemeral cache marker; hash-irrelevant
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// MessageContent is either a plain string or an ordered block sequence.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	IsText bool
}

// UnmarshalJSON accepts both wire shapes.
func (m *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		m.IsText = true
		return jsonit.Unmarshal(data, &m.Text)
	}
	m.IsText = false
	return jsonit.Unmarshal(data, &m.Blocks)
}

// MarshalJSON restores the original shape.
func (m MessageContent) MarshalJSON() ([]byte, error) {
	if m.IsText {
		return jsonit.Marshal(m.Text)
	}
	return jsonit.Marshal(m.Blocks)
}

// Message is one conversational turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// Usage is the token accounting block reported by the upstream.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Total returns input+output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// Add folds another usage report into u. Streams report cumulative totals,
// so the latest non-zero value wins per field.
func (u *Usage) Add(other Usage) {
	if other.InputTokens > 0 {
		u.InputTokens = other.InputTokens
	}
	if other.OutputTokens > 0 {
		u.OutputTokens = other.OutputTokens
	}
	if other.CacheCreationInputTokens > 0 {
		u.CacheCreationInputTokens = other.CacheCreationInputTokens
	}
	if other.CacheReadInputTokens > 0 {
		u.CacheReadInputTokens = other.CacheReadInputTokens
	}
}

// ChatResponse is the logical upstream response, either decoded directly
// (non-streaming) or assembled from stream events.
type ChatResponse struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"type,omitempty"`
	Role         string         `json:"role,omitempty"`
	Model        string         `json:"model,omitempty"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence string         `json:"stop_sequence,omitempty"`
	Usage        Usage          `json:"usage"`
}

// RequestView is the typed view over an opaque request body. Raw always
// holds the exact bytes received from the client.
type RequestView struct {
	Model     string          `json:"model"`
	Messages  []Message       `json:"messages"`
	System    json.RawMessage `json:"system,omitempty"`
	MaxTokens int             `json:"max_tokens"`
	Stream    bool            `json:"stream,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// ParseRequest decodes the fields the proxy needs and keeps the raw bytes.
func ParseRequest(raw []byte) (*RequestView, error) {
	var v RequestView
	if err := jsonit.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse request body: %w", err)
	}
	v.Raw = append(json.RawMessage(nil), raw...)
	return &v, nil
}

// Validate checks the required fields per the inbound contract.
func (v *RequestView) Validate() error {
	if v.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(v.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	if v.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens is required")
	}
	return nil
}

// SystemMessage returns the system prompt as a synthetic message for
// hashing, or nil when the request has no system prompt. A string system
// prompt becomes text content; an array becomes a block sequence.
func (v *RequestView) SystemMessage() (*Message, error) {
	if len(v.System) == 0 || string(v.System) == "null" {
		return nil, nil
	}
	var mc MessageContent
	if err := mc.UnmarshalJSON(v.System); err != nil {
		return nil, fmt.Errorf("parse system prompt: %w", err)
	}
	return &Message{Role: RoleSystem, Content: mc}, nil
}

// FirstText returns the first text block (or the string content) of m.
func (m *Message) FirstText() string {
	if m.Content.IsText {
		return m.Content.Text
	}
	for _, b := range m.Content.Blocks {
		if b.Type == BlockText {
			return b.Text
		}
	}
	return ""
}
