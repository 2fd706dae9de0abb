package streaming

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleStream = `event: message_start
data: {"type":"message_start","message":{"id":"msg_1","role":"assistant","model":"claude-test","usage":{"input_tokens":12,"output_tokens":1}}}

event: content_block_start
data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}

event: content_block_delta
data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo!"}}

event: content_block_stop
data: {"type":"content_block_stop","index":0}

event: content_block_start
data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"Task"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"prompt\":"}}

event: content_block_delta
data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"count lines\"}"}}

event: content_block_stop
data: {"type":"content_block_stop","index":1}

event: message_delta
data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}

event: message_stop
data: {"type":"message_stop"}

`

type failingWriter struct {
	n     int
	count int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	w.count++
	if w.count > w.n {
		return 0, errors.New("broken pipe")
	}
	return len(p), nil
}

func TestRun_AssemblesLogicalResponse(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	var events []Event
	res, err := Run(context.Background(), strings.NewReader(sampleStream), &out, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.False(t, res.Failed)

	require.Equal(t, "msg_1", res.Response.ID)
	require.Equal(t, "tool_use", res.Response.StopReason)
	require.Len(t, res.Response.Content, 2)
	require.Equal(t, "Hello!", res.Response.Content[0].Text)
	require.Equal(t, "Task", res.Response.Content[1].Name)
	require.JSONEq(t, `{"prompt":"count lines"}`, string(res.Response.Content[1].Input))

	// Usage folds message_start input and message_delta output.
	require.Equal(t, 12, res.Response.Usage.InputTokens)
	require.Equal(t, 42, res.Response.Usage.OutputTokens)

	// Dense chunk indexes in arrival order.
	require.Equal(t, 11, res.ChunkCount)
	require.Len(t, events, 11)
	for i, e := range events {
		require.Equal(t, i, e.Index)
	}

	// The tee reproduces every event byte the upstream sent.
	require.Contains(t, out.String(), `"text":"Hel"`)
	require.Contains(t, out.String(), "event: message_stop")
}

func TestRun_ReplayIsDeterministic(t *testing.T) {
	t.Parallel()

	var a, b strings.Builder
	r1, err := Run(context.Background(), strings.NewReader(sampleStream), &a, nil)
	require.NoError(t, err)
	r2, err := Run(context.Background(), strings.NewReader(sampleStream), &b, nil)
	require.NoError(t, err)

	require.Equal(t, r1.Response, r2.Response)
	require.Equal(t, r1.ChunkCount, r2.ChunkCount)
	require.Equal(t, a.String(), b.String())
}

func TestRun_ErrorEventMarksFailedButTeeContinues(t *testing.T) {
	t.Parallel()

	stream := `event: message_start
data: {"type":"message_start","message":{"id":"msg_2","role":"assistant","usage":{"input_tokens":3}}}

event: error
data: {"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}

event: message_stop
data: {"type":"message_stop"}

`
	var out strings.Builder
	res, err := Run(context.Background(), strings.NewReader(stream), &out, nil)
	require.NoError(t, err)
	require.True(t, res.Failed)
	require.Equal(t, "overloaded_error", res.FailType)
	require.Equal(t, "Overloaded", res.FailMessage)
	// The client saw the error event verbatim.
	require.Contains(t, out.String(), "overloaded_error")
	require.Equal(t, 3, res.ChunkCount)
}

func TestRun_ClientDisconnectReturnsPartial(t *testing.T) {
	t.Parallel()

	w := &failingWriter{n: 2}
	res, err := Run(context.Background(), strings.NewReader(sampleStream), w, nil)
	require.ErrorIs(t, err, ErrClientGone)
	require.True(t, res.Disconnected)
	// Partial state was still assembled from the events that got through.
	require.Equal(t, "msg_1", res.Response.ID)
	require.Less(t, res.ChunkCount, 11)
}

func TestRun_TokenDeltaOnTextOnly(t *testing.T) {
	t.Parallel()

	var events []Event
	var out strings.Builder
	_, err := Run(context.Background(), strings.NewReader(sampleStream), &out, func(e Event) {
		events = append(events, e)
	})
	require.NoError(t, err)

	for _, e := range events {
		switch e.Name {
		case "content_block_delta":
			if strings.Contains(string(e.Data), "text_delta") {
				require.Greater(t, e.TokenDelta, 0)
			}
		case "message_start", "message_stop", "content_block_stop":
			require.Zero(t, e.TokenDelta)
		}
	}
}
