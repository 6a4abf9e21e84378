package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/openai"
)

func newTestSession(t *testing.T) (*Translator, *httptest.ResponseRecorder) {
	t.Helper()
	rec := httptest.NewRecorder()
	emitter := NewEmitter(rec, zap.NewNop())
	return NewTranslator(emitter, "claude-sonnet-4-20250514", zap.NewNop()), rec
}

func TestTranslatorPlainTextTurn(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_1"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "Hello"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: ", world"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDone})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventResponseCompleted,
		Response: &openai.Response{
			ID:     "resp_1",
			Status: openai.StatusCompleted,
			Usage:  &openai.Usage{InputTokens: 12, OutputTokens: 5},
		},
	})

	require.True(t, session.Done())
	outcome := session.Finish()
	assert.True(t, outcome.SawCompleted)
	assert.Equal(t, "resp_1", outcome.ResponseID)
	assert.Equal(t, 0, outcome.Bindings.Len())

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	require.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_delta", "content_block_stop", "message_delta", "message_stop",
	}, eventTypes(frames))

	assert.Contains(t, frames[2].Data, `"Hello"`)
	assert.Contains(t, frames[5].Data, `"stop_reason":"end_turn"`)
	assert.Contains(t, frames[5].Data, `"input_tokens":12`)
	assert.Contains(t, frames[5].Data, `"output_tokens":5`)
}

func TestTranslatorGreetIsIdempotent(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.Greet()

	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, []string{"message_start", "ping"}, eventTypes(frames))
}

func TestTranslatorToolCallTurn(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_2"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "Let me check."})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDone})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventOutputItemAdded,
		Item: &openai.OutputItem{Type: openai.ItemFunctionCall, ID: "fc_1", CallID: "call_abc", Name: "get_weather"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventFunctionCallArgsDelta, ItemID: "fc_1", Delta: `{"city":`})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventFunctionCallArgsDelta, ItemID: "fc_1", Delta: `"Oslo"}`})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventFunctionCallArgsDone, ItemID: "fc_1", Arguments: `{"city":"Oslo"}`})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventOutputItemDone,
		Item: &openai.OutputItem{Type: openai.ItemFunctionCall, ID: "fc_1", CallID: "call_abc", Name: "get_weather"},
	})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_2", Status: openai.StatusCompleted},
	})

	outcome := session.Finish()
	require.True(t, outcome.SawCompleted)

	// The function call round-trips through a freshly minted tool_use id.
	require.Equal(t, 1, outcome.Bindings.Len())
	b, ok := outcome.Bindings.ByCallID("call_abc")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(b.ToolUseID, "toolu_"))
	assert.Equal(t, "get_weather", b.Name)

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	require.Equal(t, []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta", "content_block_stop",
		"message_delta", "message_stop",
	}, eventTypes(frames))

	assert.Contains(t, frames[4].Data, `"tool_use"`)
	assert.Contains(t, frames[4].Data, `"index":1`)
	assert.Contains(t, frames[4].Data, b.ToolUseID)
	assert.Contains(t, frames[5].Data, `input_json_delta`)
	assert.Contains(t, frames[8].Data, `"stop_reason":"tool_use"`)
}

func TestTranslatorContentPartPairing(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_3"},
	})
	// content_part.added while a text block is already open must not open a
	// second one.
	session.HandleEvent(openai.StreamEvent{Type: openai.EventContentPartAdded})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "hi"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventContentPartDone})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_3", Status: openai.StatusCompleted},
	})
	session.Finish()

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	assert.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, eventTypes(frames))
}

func TestTranslatorContentPartDoneFlushesMaterializedText(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_4"},
	})
	// No deltas streamed for the part; the done event carries the full text.
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventContentPartDone,
		Part: &openai.OutputPart{Type: "output_text", Text: "all at once"},
	})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_4", Status: openai.StatusCompleted},
	})
	session.Finish()

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	require.Equal(t, []string{
		"message_start", "content_block_start", "content_block_delta",
		"content_block_stop", "message_delta", "message_stop",
	}, eventTypes(frames))
	assert.Contains(t, frames[2].Data, "all at once")
}

func TestTranslatorMaxTokens(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_5"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "truncat"})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventResponseIncomplete,
		Response: &openai.Response{
			ID:                "resp_5",
			Status:            openai.StatusIncomplete,
			IncompleteDetails: &openai.IncompleteDetails{Reason: openai.IncompleteMaxOutputTokens},
		},
	})

	// response.incomplete is terminal even without response.completed.
	require.True(t, session.Done())
	frames := withoutPings(parseFrames(t, rec.Body.String()))
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.Event)
}

func TestTranslatorMaxTokensStopReasonOnCompleted(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_6"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "truncat"})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventResponseCompleted,
		Response: &openai.Response{
			ID:                "resp_6",
			Status:            openai.StatusIncomplete,
			IncompleteDetails: &openai.IncompleteDetails{Reason: openai.IncompleteMaxOutputTokens},
		},
	})

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	require.Equal(t, "message_delta", frames[len(frames)-2].Event)
	assert.Contains(t, frames[len(frames)-2].Data, `"stop_reason":"max_tokens"`)
	assert.Equal(t, "message_stop", frames[len(frames)-1].Event)
}

func TestTranslatorClientDisconnect(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_7"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "partial"})

	// The coordinator closes the emitter when the client goes away.
	session.emitter.Close()
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "dropped"})

	outcome := session.Finish()
	assert.False(t, outcome.SawCompleted, "no completion means nothing is persisted")

	body := rec.Body.String()
	assert.NotContains(t, body, "message_stop")
	assert.NotContains(t, body, "dropped")
}

func TestTranslatorDropsEventsAfterCompletion(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_8"},
	})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_8", Status: openai.StatusCompleted},
	})

	before := rec.Body.String()
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "late"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventResponseCompleted})
	assert.Equal(t, before, rec.Body.String(), "nothing goes out after message_stop")
}

func TestTranslatorUnknownEventIgnored(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	before := rec.Body.String()
	session.HandleEvent(openai.StreamEvent{Type: "response.reasoning_summary.delta"})
	assert.Equal(t, before, rec.Body.String())
	assert.False(t, session.Done())
}

func TestTranslatorUpstreamError(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_9"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventError, Message: "server_error: boom"})

	require.True(t, session.Done())
	outcome := session.Finish()
	assert.False(t, outcome.SawCompleted)

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	last := frames[len(frames)-1]
	assert.Equal(t, "error", last.Event)
	assert.Contains(t, last.Data, "boom")
	assert.NotContains(t, rec.Body.String(), "message_stop")
}

func TestTranslatorWebSearchLifecycle(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_10"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventWebSearchInProgress, ItemID: "ws_1"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventWebSearchSearching, ItemID: "ws_1"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventWebSearchSearching, ItemID: "ws_1"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventWebSearchCompleted, ItemID: "ws_1"})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "Found it."})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_10", Status: openai.StatusCompleted},
	})

	outcome := session.Finish()
	// Built-in search has no call_id, so nothing is bound.
	assert.Equal(t, 0, outcome.Bindings.Len())

	body := rec.Body.String()
	assert.Contains(t, body, `"name":"web_search"`)
	assert.Contains(t, body, `"status":"in_progress"`)
	assert.Contains(t, body, `{\"status\":\"searching\",\"sequence\":1}`)
	assert.Contains(t, body, `{\"status\":\"searching\",\"sequence\":2}`)
}

func TestTranslatorInProgressEmitsPing(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{Type: openai.EventResponseInProgress})

	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, []string{"message_start", "ping", "ping"}, eventTypes(frames))
}

func TestTranslatorCompletedClosesOpenBlocks(t *testing.T) {
	session, rec := newTestSession(t)

	session.Greet()
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_11"},
	})
	session.HandleEvent(openai.StreamEvent{Type: openai.EventOutputTextDelta, Delta: "no done event"})
	session.HandleEvent(openai.StreamEvent{
		Type: openai.EventOutputItemAdded,
		Item: &openai.OutputItem{Type: openai.ItemFunctionCall, ID: "fc_9", CallID: "c9", Name: "calc"},
	})
	// Completion arrives with both blocks still open.
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_11", Status: openai.StatusCompleted},
	})

	frames := withoutPings(parseFrames(t, rec.Body.String()))
	stops := 0
	for _, f := range frames {
		if f.Event == "content_block_stop" {
			stops++
		}
	}
	assert.Equal(t, 2, stops, "every started block is closed before message_delta")
	assert.Equal(t, "message_stop", frames[len(frames)-1].Event)
}

func TestTranslatorPingTimerStopsOnCompletion(t *testing.T) {
	session, rec := newTestSession(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session.Greet()
	session.StartPings(ctx, 5*time.Millisecond)
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCreated,
		Response: &openai.Response{ID: "resp_12"},
	})
	session.HandleEvent(openai.StreamEvent{
		Type:     openai.EventResponseCompleted,
		Response: &openai.Response{ID: "resp_12", Status: openai.StatusCompleted},
	})
	session.StopPings()

	// The terminal frame is the very last one even with the timer racing.
	frames := parseFrames(t, rec.Body.String())
	assert.Equal(t, "message_stop", frames[len(frames)-1].Event)
}
