package messages

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest_KeepsRawBytes(t *testing.T) {
	t.Parallel()

	raw := `{"model":"claude-test","max_tokens":10,"messages":[{"role":"user","content":"hi"}],"metadata":{"user_id":"u1"},"temperature":0.3}`
	v, err := ParseRequest([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "claude-test", v.Model)
	require.Len(t, v.Messages, 1)
	// Opaque passthrough fields survive untouched in Raw.
	require.JSONEq(t, raw, string(v.Raw))
}

func TestParseRequest_BlockContent(t *testing.T) {
	t.Parallel()

	raw := `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":[
		{"type":"text","text":"look at this"},
		{"type":"image","source":{"type":"base64","media_type":"image/png","data":"aGk="}},
		{"type":"tool_result","tool_use_id":"tu_1","content":"done"}
	]}]}`
	v, err := ParseRequest([]byte(raw))
	require.NoError(t, err)
	blocks := v.Messages[0].Content.Blocks
	require.Len(t, blocks, 3)
	require.Equal(t, BlockText, blocks[0].Type)
	require.Equal(t, "aGk=", blocks[1].Source.Data)
	require.Equal(t, "tu_1", blocks[2].ToolUseID)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}]}`, true},
		{"missing model", `{"max_tokens":1,"messages":[{"role":"user","content":"x"}]}`, false},
		{"missing max_tokens", `{"model":"m","messages":[{"role":"user","content":"x"}]}`, false},
		{"empty messages", `{"model":"m","max_tokens":1,"messages":[]}`, false},
	}
	for _, tc := range cases {
		v, err := ParseRequest([]byte(tc.body))
		require.NoError(t, err, tc.name)
		if tc.ok {
			require.NoError(t, v.Validate(), tc.name)
		} else {
			require.Error(t, v.Validate(), tc.name)
		}
	}
}

func TestSystemMessage_StringAndBlocks(t *testing.T) {
	t.Parallel()

	v, err := ParseRequest([]byte(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}],"system":"be terse"}`))
	require.NoError(t, err)
	sys, err := v.SystemMessage()
	require.NoError(t, err)
	require.NotNil(t, sys)
	require.Equal(t, RoleSystem, sys.Role)
	require.Equal(t, "be terse", sys.Content.Text)

	v, err = ParseRequest([]byte(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}],"system":[{"type":"text","text":"be terse"}]}`))
	require.NoError(t, err)
	sys, err = v.SystemMessage()
	require.NoError(t, err)
	require.Len(t, sys.Content.Blocks, 1)

	v, err = ParseRequest([]byte(`{"model":"m","max_tokens":1,"messages":[{"role":"user","content":"x"}]}`))
	require.NoError(t, err)
	sys, err = v.SystemMessage()
	require.NoError(t, err)
	require.Nil(t, sys)
}

func TestMessageContent_RoundTrip(t *testing.T) {
	t.Parallel()

	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","content":"plain"}`), &m))
	out, err := json.Marshal(m)
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":"plain"}`, string(out))
}

func TestUsage_Add(t *testing.T) {
	t.Parallel()

	var u Usage
	u.Add(Usage{InputTokens: 10})
	u.Add(Usage{OutputTokens: 3})
	// Streams report output cumulatively; the latest non-zero value wins.
	u.Add(Usage{OutputTokens: 9})
	require.Equal(t, 10, u.InputTokens)
	require.Equal(t, 9, u.OutputTokens)
	require.Equal(t, 19, u.Total())
}
