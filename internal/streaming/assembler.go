// Package streaming consumes the upstream server-sent-event stream, tees
// raw events to the client as they arrive, and reconstructs the logical
// response with running usage totals.
package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"

	"nexus/internal/messages"
	"nexus/internal/tokencount"
)

var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is one raw SSE event with its parsed payload.
type Event struct {
	Index      int
	Raw        string
	Name       string
	Data       []byte
	TokenDelta int
}

// Result is the assembled outcome of a stream.
type Result struct {
	Response     messages.ChatResponse
	ChunkCount   int
	Failed       bool
	FailType     string
	FailMessage  string
	Disconnected bool
}

// Sink receives each event in arrival order; the storage writer's chunk
// queue implements it. It must not block.
type Sink func(Event)

// ErrClientGone marks a downstream write failure (client disconnect).
var ErrClientGone = errors.New("client disconnected")

// Run reads SSE events from body, tees them verbatim to w (flushed per
// event when w implements http.Flusher), hands each to sink, and returns
// the assembled logical response. A downstream write failure cancels the
// upstream read and returns partial state with Disconnected set.
func Run(ctx context.Context, body io.Reader, w io.Writer, sink Sink) (*Result, error) {
	flusher, _ := w.(http.Flusher)
	reader := bufio.NewReader(body)

	res := &Result{}
	asm := newAssembly()

	var rawEvent strings.Builder
	var eventName string
	var data bytesBuffer

	emit := func() error {
		if rawEvent.Len() == 0 {
			return nil
		}
		raw := rawEvent.String()
		rawEvent.Reset()

		ev := Event{
			Index: res.ChunkCount,
			Raw:   raw,
			Name:  eventName,
			Data:  data.take(),
		}
		eventName = ""

		// Tee first so the client observes the same order the sink does.
		if _, err := io.WriteString(w, raw+"\n"); err != nil {
			return ErrClientGone
		}
		if flusher != nil {
			flusher.Flush()
		}

		ev.TokenDelta = asm.apply(res, ev.Name, ev.Data)
		res.ChunkCount++
		if sink != nil {
			sink(ev)
		}
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			res.Disconnected = true
			res.Response = asm.finish()
			return res, ErrClientGone
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			if len(strings.TrimSpace(line)) > 0 {
				rawEvent.WriteString(line)
			}
			if emitErr := emit(); emitErr != nil {
				res.Disconnected = true
			}
			res.Response = asm.finish()
			if err == io.EOF {
				return res, nil
			}
			if errors.Is(err, context.Canceled) {
				res.Disconnected = true
				return res, ErrClientGone
			}
			return res, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			// Blank line terminates the event.
			if err := emit(); err != nil {
				res.Disconnected = true
				res.Response = asm.finish()
				return res, err
			}
			continue
		}
		rawEvent.WriteString(trimmed + "\n")
		if v, ok := strings.CutPrefix(trimmed, "event:"); ok {
			eventName = strings.TrimSpace(v)
		} else if v, ok := strings.CutPrefix(trimmed, "data:"); ok {
			data.add(strings.TrimSpace(v))
		}
	}
}

// bytesBuffer collects multi-line data fields of one SSE event.
type bytesBuffer struct {
	parts []string
}

func (b *bytesBuffer) add(s string) { b.parts = append(b.parts, s) }

func (b *bytesBuffer) take() []byte {
	if len(b.parts) == 0 {
		return nil
	}
	out := strings.Join(b.parts, "")
	b.parts = nil
	return []byte(out)
}

// assembly incrementally builds the logical response.
type assembly struct {
	resp       messages.ChatResponse
	jsonAccums map[int]*strings.Builder
}

func newAssembly() *assembly {
	return &assembly{jsonAccums: make(map[int]*strings.Builder)}
}

type streamPayload struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		ID    string         `json:"id"`
		Role  string         `json:"role"`
		Model string         `json:"model"`
		Usage messages.Usage `json:"usage"`
	} `json:"message"`
	ContentBlock *messages.ContentBlock `json:"content_block"`
	Delta        *struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		PartialJSON  string `json:"partial_json"`
		StopReason   string `json:"stop_reason"`
		StopSequence string `json:"stop_sequence"`
	} `json:"delta"`
	Usage *messages.Usage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// apply folds one event into the logical response and returns the token
// estimate for its text delta.
func (a *assembly) apply(res *Result, name string, data []byte) int {
	if len(data) == 0 {
		return 0
	}
	var p streamPayload
	if err := jsonit.Unmarshal(data, &p); err != nil {
		log.Debug().Err(err).Str("event", name).Msg("unparseable stream event")
		return 0
	}
	if name == "" {
		name = p.Type
	}

	switch name {
	case "message_start":
		if p.Message != nil {
			a.resp.ID = p.Message.ID
			a.resp.Role = p.Message.Role
			a.resp.Model = p.Message.Model
			a.resp.Type = "message"
			a.resp.Usage.Add(p.Message.Usage)
		}
	case "content_block_start":
		if p.ContentBlock != nil {
			for len(a.resp.Content) <= p.Index {
				a.resp.Content = append(a.resp.Content, messages.ContentBlock{})
			}
			a.resp.Content[p.Index] = *p.ContentBlock
		}
	case "content_block_delta":
		if p.Delta == nil {
			return 0
		}
		for len(a.resp.Content) <= p.Index {
			a.resp.Content = append(a.resp.Content, messages.ContentBlock{})
		}
		switch p.Delta.Type {
		case "text_delta":
			a.resp.Content[p.Index].Text += p.Delta.Text
			return tokencount.Estimate(p.Delta.Text)
		case "input_json_delta":
			acc, ok := a.jsonAccums[p.Index]
			if !ok {
				acc = &strings.Builder{}
				a.jsonAccums[p.Index] = acc
			}
			acc.WriteString(p.Delta.PartialJSON)
		}
	case "content_block_stop":
		if acc, ok := a.jsonAccums[p.Index]; ok && p.Index < len(a.resp.Content) {
			var input json.RawMessage
			if err := json.Unmarshal([]byte(acc.String()), &input); err == nil {
				a.resp.Content[p.Index].Input = input
			}
			delete(a.jsonAccums, p.Index)
		}
	case "message_delta":
		if p.Delta != nil {
			if p.Delta.StopReason != "" {
				a.resp.StopReason = p.Delta.StopReason
			}
			if p.Delta.StopSequence != "" {
				a.resp.StopSequence = p.Delta.StopSequence
			}
		}
		if p.Usage != nil {
			a.resp.Usage.Add(*p.Usage)
		}
	case "error":
		res.Failed = true
		if p.Error != nil {
			res.FailType = p.Error.Type
			res.FailMessage = p.Error.Message
		}
	}
	return 0
}

func (a *assembly) finish() messages.ChatResponse {
	// Flush any tool-use input whose content_block_stop never arrived.
	for idx, acc := range a.jsonAccums {
		if idx < len(a.resp.Content) {
			var input json.RawMessage
			if err := json.Unmarshal([]byte(acc.String()), &input); err == nil {
				a.resp.Content[idx].Input = input
			}
		}
	}
	if a.resp.Content == nil {
		a.resp.Content = []messages.ContentBlock{}
	}
	return a.resp
}
