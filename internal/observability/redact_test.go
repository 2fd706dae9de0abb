package observability

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactJSON_SimpleAndNested(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"api_key": "secret123",
		"oauth": map[string]any{
			"access_token":  "tok",
			"refresh_token": "ref",
		},
		"items": []any{
			map[string]any{"token": "tok"},
			"plain",
		},
		"note": "keepme",
	}
	b, _ := json.Marshal(in)
	out := RedactJSON(b)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	require.Equal(t, "[REDACTED]", m["api_key"])
	oauth := m["oauth"].(map[string]any)
	require.Equal(t, "[REDACTED]", oauth["access_token"])
	require.Equal(t, "[REDACTED]", oauth["refresh_token"])
	items := m["items"].([]any)
	require.Equal(t, "[REDACTED]", items[0].(map[string]any)["token"])
	require.Equal(t, "plain", items[1])
	require.Equal(t, "keepme", m["note"])
}

func TestRedactJSON_InvalidPassthrough(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`not json`)
	require.Equal(t, raw, RedactJSON(raw))
}

func TestRedactHeaders(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Authorization", "Bearer sk-123")
	h.Set("X-Api-Key", "k")
	h.Set("Content-Type", "application/json")
	h.Add("Accept", "text/event-stream")

	out := RedactHeaders(h)
	require.Equal(t, "[REDACTED]", out["Authorization"])
	require.Equal(t, "[REDACTED]", out["X-Api-Key"])
	require.Equal(t, "application/json", out["Content-Type"])
}
