package hasher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"nexus/internal/messages"
)

func textMsg(role, text string) messages.Message {
	return messages.Message{Role: role, Content: messages.MessageContent{IsText: true, Text: text}}
}

func blockMsg(role string, blocks ...messages.ContentBlock) messages.Message {
	return messages.Message{Role: role, Content: messages.MessageContent{Blocks: blocks}}
}

func TestMessage_TrailingWhitespaceIgnored(t *testing.T) {
	t.Parallel()

	a := textMsg(messages.RoleUser, "hello")
	b := textMsg(messages.RoleUser, "hello  \n")
	require.Equal(t, Message(&a), Message(&b))

	c := textMsg(messages.RoleUser, "hello there")
	require.NotEqual(t, Message(&a), Message(&c))
}

func TestMessage_StringAndTextBlockDiffer(t *testing.T) {
	t.Parallel()

	s := textMsg(messages.RoleUser, "hi")
	b := blockMsg(messages.RoleUser, messages.ContentBlock{Type: messages.BlockText, Text: "hi"})
	// Block serialisation carries the type prefix; shapes hash differently.
	require.NotEqual(t, Message(&s), Message(&b))
}

func TestMessage_ToolUseKeyOrderIndependent(t *testing.T) {
	t.Parallel()

	a := blockMsg(messages.RoleAssistant, messages.ContentBlock{
		Type: messages.BlockToolUse, ID: "tu_1", Name: "Task",
		Input: json.RawMessage(`{"prompt":"count lines","description":"counter"}`),
	})
	b := blockMsg(messages.RoleAssistant, messages.ContentBlock{
		Type: messages.BlockToolUse, ID: "tu_1", Name: "Task",
		Input: json.RawMessage(`{"description":"counter","prompt":"count lines"}`),
	})
	require.Equal(t, Message(&a), Message(&b))
}

func TestMessage_ToolUseNestedKeyOrder(t *testing.T) {
	t.Parallel()

	a := blockMsg(messages.RoleAssistant, messages.ContentBlock{
		Type: messages.BlockToolUse, ID: "x", Name: "Edit",
		Input: json.RawMessage(`{"outer":{"b":2,"a":1},"n":1.50}`),
	})
	b := blockMsg(messages.RoleAssistant, messages.ContentBlock{
		Type: messages.BlockToolUse, ID: "x", Name: "Edit",
		Input: json.RawMessage(`{"n":1.50,"outer":{"a":1,"b":2}}`),
	})
	require.Equal(t, Message(&a), Message(&b))
}

func TestMessage_SystemReminderExcluded(t *testing.T) {
	t.Parallel()

	plain := blockMsg(messages.RoleUser,
		messages.ContentBlock{Type: messages.BlockText, Text: "do the thing"},
	)
	withReminder := blockMsg(messages.RoleUser,
		messages.ContentBlock{Type: messages.BlockText, Text: "<system-reminder>context window low</system-reminder>"},
		messages.ContentBlock{Type: messages.BlockText, Text: "do the thing"},
	)
	require.Equal(t, Message(&plain), Message(&withReminder))

	// A reminder after real content is part of the conversation.
	trailing := blockMsg(messages.RoleUser,
		messages.ContentBlock{Type: messages.BlockText, Text: "do the thing"},
		messages.ContentBlock{Type: messages.BlockText, Text: "<system-reminder>late</system-reminder>"},
	)
	require.NotEqual(t, Message(&plain), Message(&trailing))
}

func TestMessage_ToolResultNestedContent(t *testing.T) {
	t.Parallel()

	a := blockMsg(messages.RoleUser, messages.ContentBlock{
		Type: messages.BlockToolResult, ToolUseID: "tu_9",
		Content: json.RawMessage(`"42 lines"`),
	})
	b := blockMsg(messages.RoleUser, messages.ContentBlock{
		Type: messages.BlockToolResult, ToolUseID: "tu_9",
		Content: json.RawMessage(`"42 lines  "`),
	})
	require.Equal(t, Message(&a), Message(&b))

	c := blockMsg(messages.RoleUser, messages.ContentBlock{
		Type: messages.BlockToolResult, ToolUseID: "tu_9",
		Content: json.RawMessage(`[{"type":"text","text":"42 lines"}]`),
	})
	require.NotEqual(t, Message(&a), Message(&c))
}

func TestRequest_Hashes(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"Hello!"},{"role":"user","content":"ho"}],"system":"be helpful"}`)
	v, err := messages.ParseRequest(body)
	require.NoError(t, err)

	current, parent, system, err := Request(v)
	require.NoError(t, err)
	require.NotNil(t, parent)
	require.NotNil(t, system)

	last := textMsg(messages.RoleUser, "ho")
	require.Equal(t, Message(&last), current)
	prev := textMsg(messages.RoleAssistant, "Hello!")
	require.Equal(t, Message(&prev), *parent)
}

func TestRequest_SingleMessageNoParent(t *testing.T) {
	t.Parallel()

	body := []byte(`{"model":"m","max_tokens":10,"messages":[{"role":"user","content":"hi"}]}`)
	v, err := messages.ParseRequest(body)
	require.NoError(t, err)

	_, parent, system, err := Request(v)
	require.NoError(t, err)
	require.Nil(t, parent)
	require.Nil(t, system)
}

func TestSystem_CacheControlIrrelevant(t *testing.T) {
	t.Parallel()

	a := []byte(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}],"system":[{"type":"text","text":"sys"}]}`)
	b := []byte(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}],"system":[{"type":"text","text":"sys","cache_control":{"type":"ephemeral"}}]}`)

	va, err := messages.ParseRequest(a)
	require.NoError(t, err)
	vb, err := messages.ParseRequest(b)
	require.NoError(t, err)

	ha, err := System(va)
	require.NoError(t, err)
	hb, err := System(vb)
	require.NoError(t, err)
	require.Equal(t, *ha, *hb)
}
