// Package stream implements the streaming core of the gateway: the SSE
// emitter that owns the client socket and the translator state machine that
// turns upstream Responses events into a valid downstream Messages stream.
package stream

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/metrics"
)

// Emitter serializes downstream protocol events onto the SSE wire. All
// writes go through one mutex, so frames from the session goroutine and the
// ping timer are totally ordered. After the transport errors or Close is
// called, every write is a no-op.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
	logger  *zap.Logger
	onFrame func(eventType string)
}

// NewEmitter wraps the HTTP response writer. The writer is flushed after
// every frame when it supports flushing.
func NewEmitter(w http.ResponseWriter, logger *zap.Logger) *Emitter {
	e := &Emitter{w: w, logger: logger}
	if f, ok := w.(http.Flusher); ok {
		e.flusher = f
	}
	return e
}

// SetFrameObserver registers a callback invoked for every frame that reaches
// the wire, ping included. Set it before the first write.
func (e *Emitter) SetFrameObserver(fn func(eventType string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onFrame = fn
}

// Closed reports whether the transport is still writable.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close marks the transport unwritable. It does not close the underlying
// connection; the HTTP server owns that.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// MessageStart opens the session envelope: an assistant message with empty
// content and a null stop_reason.
func (e *Emitter) MessageStart(messageID, model string) {
	e.emit(anthropic.EventMessageStart, anthropic.MessageStartEvent{
		Type: anthropic.EventMessageStart,
		Message: anthropic.MessageResponse{
			ID:      messageID,
			Type:    "message",
			Role:    "assistant",
			Model:   model,
			Content: []anthropic.ContentBlock{},
			Usage:   anthropic.Usage{},
		},
	})
}

// TextBlockStart opens a text block at the given index.
func (e *Emitter) TextBlockStart(index int) {
	e.emit(anthropic.EventContentBlockStart, anthropic.ContentBlockStartEvent{
		Type:         anthropic.EventContentBlockStart,
		Index:        index,
		ContentBlock: anthropic.TextBlockStart{Type: anthropic.BlockTypeText, Text: ""},
	})
}

// ToolUseBlockStart opens a tool_use block at the given index.
func (e *Emitter) ToolUseBlockStart(index int, id, name string, input map[string]interface{}) {
	if input == nil {
		input = map[string]interface{}{}
	}
	e.emit(anthropic.EventContentBlockStart, anthropic.ContentBlockStartEvent{
		Type:         anthropic.EventContentBlockStart,
		Index:        index,
		ContentBlock: anthropic.ToolUseBlockStart{Type: anthropic.BlockTypeToolUse, ID: id, Name: name, Input: input},
	})
}

// TextDelta appends text to the open block at index.
func (e *Emitter) TextDelta(index int, text string) {
	e.emit(anthropic.EventContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: index,
		Delta: anthropic.TextDelta{Type: "text_delta", Text: text},
	})
}

// InputJSONDelta appends a raw argument fragment to the open block at index.
func (e *Emitter) InputJSONDelta(index int, partial string) {
	e.emit(anthropic.EventContentBlockDelta, anthropic.ContentBlockDeltaEvent{
		Type:  anthropic.EventContentBlockDelta,
		Index: index,
		Delta: anthropic.InputJSONDelta{Type: "input_json_delta", PartialJSON: partial},
	})
}

// ContentBlockStop closes the block at index.
func (e *Emitter) ContentBlockStop(index int) {
	e.emit(anthropic.EventContentBlockStop, anthropic.ContentBlockStopEvent{
		Type:  anthropic.EventContentBlockStop,
		Index: index,
	})
}

// MessageDelta reports the stop reason and accumulated usage.
func (e *Emitter) MessageDelta(stopReason string, usage anthropic.Usage) {
	e.emit(anthropic.EventMessageDelta, anthropic.MessageDeltaEvent{
		Type:  anthropic.EventMessageDelta,
		Delta: anthropic.MessageDelta{StopReason: stopReason},
		Usage: usage,
	})
}

// MessageStop terminates the stream.
func (e *Emitter) MessageStop() {
	e.emit(anthropic.EventMessageStop, anthropic.MessageStopEvent{Type: anthropic.EventMessageStop})
}

// Error emits an error frame.
func (e *Emitter) Error(errType, message string) {
	e.emit(anthropic.EventError, anthropic.NewErrorEvent(errType, message))
}

// Ping writes the keepalive frame: a single empty data line, no event name.
func (e *Emitter) Ping() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if _, err := io.WriteString(e.w, "data: \n\n"); err != nil {
		e.closed = true
		e.logger.Debug("transport closed while writing ping", zap.Error(err))
		return
	}
	e.flush()
	metrics.FramesTotal.WithLabelValues("ping").Inc()
	if e.onFrame != nil {
		e.onFrame("ping")
	}
}

// emit writes one typed frame: event line, compact-JSON data line, blank
// line. Any write error latches the emitter closed.
func (e *Emitter) emit(eventType string, payload interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal SSE payload",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}

	if _, err := io.WriteString(e.w, "event: "+eventType+"\ndata: "+string(data)+"\n\n"); err != nil {
		e.closed = true
		e.logger.Debug("transport closed while writing frame",
			zap.String("event_type", eventType), zap.Error(err))
		return
	}
	e.flush()
	metrics.FramesTotal.WithLabelValues(eventType).Inc()
	if e.onFrame != nil {
		e.onFrame(eventType)
	}
}

func (e *Emitter) flush() {
	if e.flusher != nil {
		e.flusher.Flush()
	}
}
