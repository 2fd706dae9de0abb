// Package hasher computes the content hashes that anchor a request to its
// position in a conversation. Hashes are SHA-256 over normalised content so
// that cosmetic differences (JSON key order, whitespace, injected
// system-reminder blocks) do not fracture conversations.
package hasher

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"nexus/internal/messages"
)

// Record separator between serialised blocks.
const blockSep = "\x1e"

// systemReminderPrefix marks operational text injected by clients ahead of
// the user prompt. Blocks starting with it are excluded from hashing.
const systemReminderPrefix = "<system-reminder>"

// Message returns the hex-encoded SHA-256 of a single normalised message.
func Message(m *messages.Message) string {
	sum := sha256.Sum256([]byte(normalise(m)))
	return hex.EncodeToString(sum[:])
}

// System hashes the system prompt treated as a single synthetic message.
// Returns nil when the request carries no system prompt.
func System(v *messages.RequestView) (*string, error) {
	sys, err := v.SystemMessage()
	if err != nil {
		return nil, err
	}
	if sys == nil {
		return nil, nil
	}
	h := Message(sys)
	return &h, nil
}

// Request computes the three hashes of a request: the hash of its last
// message, the hash of its second-to-last message (nil for single-message
// requests), and the system hash (nil without a system prompt).
func Request(v *messages.RequestView) (current string, parent *string, system *string, err error) {
	system, err = System(v)
	if err != nil {
		return "", nil, nil, err
	}
	n := len(v.Messages)
	current = Message(&v.Messages[n-1])
	if n > 1 {
		p := Message(&v.Messages[n-2])
		parent = &p
	}
	return current, parent, system, nil
}

// StripSystemReminders drops leading text blocks that carry injected
// operational context. Used both for hashing and for sub-task prompt
// extraction.
func StripSystemReminders(blocks []messages.ContentBlock) []messages.ContentBlock {
	i := 0
	for i < len(blocks) {
		b := blocks[i]
		if b.Type != messages.BlockText || !strings.HasPrefix(strings.TrimSpace(b.Text), systemReminderPrefix) {
			break
		}
		i++
	}
	return blocks[i:]
}

func normalise(m *messages.Message) string {
	if m.Content.IsText {
		return strings.TrimRight(m.Content.Text, " \t\r\n")
	}
	blocks := StripSystemReminders(m.Content.Blocks)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		parts = append(parts, normaliseBlock(b))
	}
	return strings.Join(parts, blockSep)
}

func normaliseBlock(b messages.ContentBlock) string {
	switch b.Type {
	case messages.BlockText:
		return "text:" + strings.TrimSpace(b.Text)
	case messages.BlockImage:
		data := ""
		if b.Source != nil {
			data = b.Source.Data
		}
		return "image:" + data
	case messages.BlockToolUse:
		payload := map[string]json.RawMessage{
			"id":    rawString(b.ID),
			"name":  rawString(b.Name),
			"input": canonicalRaw(b.Input),
		}
		out, _ := json.Marshal(payload)
		return "tool_use:" + string(out)
	case messages.BlockToolResult:
		return "tool_result:" + b.ToolUseID + ":" + normaliseToolResultContent(b.Content)
	default:
		// Unknown block types hash over their canonical JSON so new wire
		// additions stay deterministic.
		out, _ := json.Marshal(b)
		return b.Type + ":" + string(canonicalRaw(out))
	}
}

// normaliseToolResultContent handles both string content and nested block
// arrays inside a tool_result.
func normaliseToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var blocks []messages.ContentBlock
		if err := json.Unmarshal(trimmed, &blocks); err == nil {
			parts := make([]string, 0, len(blocks))
			for _, b := range blocks {
				parts = append(parts, normaliseBlock(b))
			}
			return strings.Join(parts, blockSep)
		}
	}
	return string(canonicalRaw(trimmed))
}

func rawString(s string) json.RawMessage {
	out, _ := json.Marshal(s)
	return out
}

// canonicalRaw re-encodes arbitrary JSON with lexicographically sorted
// object keys and exact number preservation, so hashing is independent of
// the client's key ordering.
func canonicalRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
