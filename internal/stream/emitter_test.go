package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
)

// frame is one parsed SSE frame: Event is empty for the ping keepalive.
type frame struct {
	Event string
	Data  string
}

// parseFrames splits a recorded SSE body into frames.
func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	for _, chunk := range strings.Split(body, "\n\n") {
		if chunk == "" {
			continue
		}
		var f frame
		for _, line := range strings.Split(chunk, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				f.Event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.Data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, "data:"):
				f.Data = strings.TrimPrefix(line, "data:")
			default:
				t.Fatalf("unexpected SSE line: %q", line)
			}
		}
		frames = append(frames, f)
	}
	return frames
}

// eventTypes lists frame event names, with pings rendered as "ping".
func eventTypes(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		if f.Event == "" {
			out[i] = "ping"
		} else {
			out[i] = f.Event
		}
	}
	return out
}

// withoutPings filters keepalive frames for order assertions.
func withoutPings(frames []frame) []frame {
	var out []frame
	for _, f := range frames {
		if f.Event != "" {
			out = append(out, f)
		}
	}
	return out
}

func TestEmitterFrameFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	e.MessageStart("msg_1", "model-x")
	e.TextBlockStart(0)
	e.TextDelta(0, "Hi")
	e.ContentBlockStop(0)
	e.MessageDelta(anthropic.StopReasonEndTurn, anthropic.Usage{InputTokens: 1, OutputTokens: 2})
	e.MessageStop()

	frames := parseFrames(t, rec.Body.String())
	require.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, eventTypes(frames))

	var start anthropic.MessageStartEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0].Data), &start))
	assert.Equal(t, "msg_1", start.Message.ID)
	assert.Equal(t, "model-x", start.Message.Model)
	assert.Equal(t, "assistant", start.Message.Role)
	assert.Empty(t, start.Message.Content)

	assert.JSONEq(t,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}`,
		frames[2].Data)
	assert.JSONEq(t,
		`{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"input_tokens":1,"output_tokens":2}}`,
		frames[4].Data)
}

func TestEmitterPingIsBareDataLine(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	e.Ping()

	assert.Equal(t, "data: \n\n", rec.Body.String())
}

func TestEmitterToolUseStart(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	e.ToolUseBlockStart(1, "toolu_1", "calc", nil)
	e.InputJSONDelta(1, `{"x":`)

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 2)
	assert.JSONEq(t,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"calc","input":{}}}`,
		frames[0].Data)
	assert.JSONEq(t,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"x\":"}}`,
		frames[1].Data)
}

func TestEmitterErrorFrame(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	e.Error(anthropic.ErrTypeAPI, "upstream broke")

	frames := parseFrames(t, rec.Body.String())
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Event)
	assert.JSONEq(t, `{"type":"error","error":{"type":"api_error","message":"upstream broke"}}`, frames[0].Data)
}

func TestEmitterFrameObserver(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	var seen []string
	e.SetFrameObserver(func(eventType string) { seen = append(seen, eventType) })

	e.MessageStart("msg_1", "m")
	e.Ping()
	e.TextBlockStart(0)
	e.Close()
	e.Ping()
	e.MessageStop()

	assert.Equal(t, []string{"message_start", "ping", "content_block_start"}, seen,
		"only frames that reach the wire are observed")
}

func TestEmitterWritesAfterCloseAreNoOps(t *testing.T) {
	rec := httptest.NewRecorder()
	e := NewEmitter(rec, zap.NewNop())

	e.TextBlockStart(0)
	e.Close()
	require.True(t, e.Closed())

	e.TextDelta(0, "dropped")
	e.Ping()
	e.MessageStop()

	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, []string{"content_block_start"}, eventTypes(frames))
}

// failingWriter errors after a fixed number of writes, standing in for a
// closed client socket.
type failingWriter struct {
	httptest.ResponseRecorder
	writesLeft int
}

func (w *failingWriter) Write(p []byte) (int, error) {
	if w.writesLeft <= 0 {
		return 0, assert.AnError
	}
	w.writesLeft--
	return w.ResponseRecorder.Write(p)
}

// WriteString keeps io.WriteString from reaching the embedded recorder's
// promoted WriteString, which would bypass the failure countdown.
func (w *failingWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func TestEmitterLatchesClosedOnWriteError(t *testing.T) {
	w := &failingWriter{ResponseRecorder: *httptest.NewRecorder(), writesLeft: 1}
	e := NewEmitter(w, zap.NewNop())

	e.TextBlockStart(0)
	assert.False(t, e.Closed())

	e.TextDelta(0, "boom")
	assert.True(t, e.Closed(), "write error latches the emitter closed")

	e.MessageStop()
	frames := parseFrames(t, w.Body.String())
	assert.Equal(t, []string{"content_block_start"}, eventTypes(frames))
}
