package stream

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/conversation"
	"github.com/responsegate/responsegate/internal/metrics"
	"github.com/responsegate/responsegate/internal/openai"
)

// DefaultPingInterval is how often the keepalive frame fires.
const DefaultPingInterval = 15 * time.Second

// block kinds.
const (
	blockText = iota
	blockTool
)

// block is one content block of the in-flight downstream message. Blocks
// live in an append-only registry keyed by index; tool blocks are also
// findable by the upstream item id that introduced them.
type block struct {
	kind      int
	index     int
	started   bool
	completed bool

	// text
	text string

	// tool_use
	id     string // downstream tool_use_id, always minted
	name   string
	callID string
	args   string
	seq    int // web_search status sequence counter
}

// Outcome is what the session hands back to the coordinator when it ends.
// Bindings and the response id are persisted only when the upstream signaled
// completion.
type Outcome struct {
	ResponseID   string
	Bindings     *conversation.BindingSet
	SawCompleted bool
}

// Translator is the per-session state machine. Upstream events come in
// through HandleEvent on a single goroutine; downstream frames go out
// through the emitter. The only concurrent participant is the ping timer,
// serialized by the emitter's write lock.
type Translator struct {
	logger  *zap.Logger
	emitter *Emitter
	model   string

	messageID string
	blocks    []*block
	byItemID  map[string]int // upstream item id -> block index
	current   int            // open text block index, -1 when none

	bindings   *conversation.BindingSet
	usage      anthropic.Usage
	responseID string

	started      bool
	completed    atomic.Bool
	sawCompleted bool

	pingStop chan struct{}
	pingOnce sync.Once
	pingWG   sync.WaitGroup
}

// NewTranslator builds a session. The model string is echoed in the
// message_start envelope.
func NewTranslator(emitter *Emitter, model string, logger *zap.Logger) *Translator {
	return &Translator{
		logger:   logger,
		emitter:  emitter,
		model:    model,
		byItemID: make(map[string]int),
		current:  -1,
		bindings: conversation.NewBindingSet(),
		pingStop: make(chan struct{}),
	}
}

// Greet opens the session: message_start with a freshly minted message id,
// then one ping. Idempotent.
func (t *Translator) Greet() {
	if t.started {
		return
	}
	t.started = true
	t.messageID = anthropic.NewMessageID()
	t.emitter.MessageStart(t.messageID, t.model)
	t.emitter.Ping()
}

// StartPings launches the keepalive timer. It stops on StopPings, context
// cancellation, or transport close.
func (t *Translator) StartPings(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	t.pingWG.Add(1)
	go func() {
		defer t.pingWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.pingStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if t.emitter.Closed() || t.completed.Load() {
					return
				}
				t.emitter.Ping()
			}
		}
	}()
}

// StopPings cancels the keepalive timer and waits for it to exit.
func (t *Translator) StopPings() {
	t.pingOnce.Do(func() { close(t.pingStop) })
	t.pingWG.Wait()
}

// Done reports whether the session reached a terminal state.
func (t *Translator) Done() bool { return t.completed.Load() }

// Finish hands the session's result to the coordinator. Call after the event
// loop ends.
func (t *Translator) Finish() Outcome {
	t.StopPings()
	return Outcome{
		ResponseID:   t.responseID,
		Bindings:     t.bindings,
		SawCompleted: t.sawCompleted,
	}
}

// HandleEvent dispatches one upstream event. After the session completes,
// everything further is dropped with a warning.
func (t *Translator) HandleEvent(ev openai.StreamEvent) {
	metrics.UpstreamEventsTotal.WithLabelValues(ev.Type).Inc()

	if t.completed.Load() {
		t.logger.Warn("dropping upstream event after stream completion",
			zap.String("event_type", ev.Type))
		return
	}

	switch ev.Type {
	case openai.EventResponseCreated:
		t.handleCreated(ev)
	case openai.EventOutputTextDelta:
		t.handleTextDelta(ev)
	case openai.EventOutputTextDone:
		t.handleTextDone()
	case openai.EventOutputItemAdded:
		t.handleItemAdded(ev)
	case openai.EventFunctionCallArgsDelta:
		t.handleArgsDelta(ev)
	case openai.EventOutputItemDone:
		t.handleItemDone(ev)
	case openai.EventFunctionCallArgsDone:
		// The full argument string is already accumulated from deltas.
	case openai.EventContentPartAdded:
		t.handlePartAdded()
	case openai.EventContentPartDone:
		t.handlePartDone(ev)
	case openai.EventResponseInProgress:
		t.emitter.Ping()
	case openai.EventWebSearchInProgress:
		t.handleWebSearchStart(ev)
	case openai.EventWebSearchSearching:
		t.handleWebSearchSearching(ev)
	case openai.EventWebSearchCompleted:
		t.handleWebSearchDone(ev)
	case openai.EventResponseFailed, openai.EventResponseIncomplete, openai.EventError:
		t.handleError(ev)
	case openai.EventResponseCompleted:
		t.handleCompleted(ev)
	default:
		t.logger.Warn("dropping unknown upstream event", zap.String("event_type", ev.Type))
	}
}

// handleCreated remembers the upstream response id and opens the first text
// block.
func (t *Translator) handleCreated(ev openai.StreamEvent) {
	if ev.Response != nil {
		t.responseID = ev.Response.ID
	}
	t.openTextBlock()
}

func (t *Translator) handleTextDelta(ev openai.StreamEvent) {
	b := t.resolveTextBlock()
	b.text += ev.Delta
	t.emitter.TextDelta(b.index, ev.Delta)
}

func (t *Translator) handleTextDone() {
	b := t.currentTextBlock()
	if b == nil {
		t.logger.Warn("output_text.done with no open text block")
		return
	}
	t.closeBlock(b)
	t.current = -1
}

// handleItemAdded opens a tool_use block for a function_call item. The
// downstream id is always freshly minted; the call_id binding is what makes
// it round-trip when the client submits the tool result.
func (t *Translator) handleItemAdded(ev openai.StreamEvent) {
	item := ev.Item
	if item == nil || item.Type != openai.ItemFunctionCall {
		return
	}

	b := t.newBlock(blockTool)
	b.id = anthropic.NewToolUseID()
	b.name = item.Name
	b.callID = item.CallID
	t.registerItem(item.ID, b)

	t.bindings.Add(conversation.Binding{
		CallID:    item.CallID,
		ToolUseID: b.id,
		Name:      item.Name,
	})
	metrics.BindingsMinted.Inc()

	b.started = true
	t.emitter.ToolUseBlockStart(b.index, b.id, b.name, nil)
}

func (t *Translator) handleArgsDelta(ev openai.StreamEvent) {
	b := t.blockByItemID(ev.ItemID)
	if b == nil {
		t.logger.Warn("function_call_arguments.delta for unknown item",
			zap.String("item_id", ev.ItemID))
		return
	}
	b.args += ev.Delta
	t.emitter.InputJSONDelta(b.index, ev.Delta)
}

func (t *Translator) handleItemDone(ev openai.StreamEvent) {
	item := ev.Item
	if item == nil || item.Type != openai.ItemFunctionCall {
		return
	}
	b := t.blockByItemID(item.ID)
	if b == nil {
		t.logger.Warn("output_item.done for unknown function_call item",
			zap.String("item_id", item.ID))
		return
	}
	t.closeBlock(b)
}

// handlePartAdded opens a text block only when none is current; an already
// open block is reused so start/stop stay strictly paired.
func (t *Translator) handlePartAdded() {
	if t.current >= 0 {
		return
	}
	t.openTextBlock()
}

// handlePartDone closes the current text block. When the part carries
// materialized text and nothing was streamed for the block, the text goes
// out as one delta before the stop.
func (t *Translator) handlePartDone(ev openai.StreamEvent) {
	b := t.currentTextBlock()
	if b == nil {
		t.logger.Warn("content_part.done with no open text block")
		return
	}
	if b.text == "" && ev.Part != nil && ev.Part.Text != "" {
		b.text = ev.Part.Text
		t.emitter.TextDelta(b.index, ev.Part.Text)
	}
	t.closeBlock(b)
	t.current = -1
}

// handleWebSearchStart opens a synthetic tool_use block for the upstream's
// built-in web search. There is no call_id, so no binding is recorded.
func (t *Translator) handleWebSearchStart(ev openai.StreamEvent) {
	b := t.newBlock(blockTool)
	b.id = anthropic.NewToolUseID()
	b.name = "web_search"
	t.registerItem(ev.ItemID, b)

	b.started = true
	t.emitter.ToolUseBlockStart(b.index, b.id, b.name, map[string]interface{}{"status": "in_progress"})
}

func (t *Translator) handleWebSearchSearching(ev openai.StreamEvent) {
	b := t.blockByItemID(ev.ItemID)
	if b == nil {
		t.logger.Warn("web_search_call.searching for unknown item",
			zap.String("item_id", ev.ItemID))
		return
	}
	b.seq++
	fragment, _ := jsonStatus("searching", b.seq)
	b.args += fragment
	t.emitter.InputJSONDelta(b.index, fragment)
}

func (t *Translator) handleWebSearchDone(ev openai.StreamEvent) {
	b := t.blockByItemID(ev.ItemID)
	if b == nil {
		t.logger.Warn("web_search_call.completed for unknown item",
			zap.String("item_id", ev.ItemID))
		return
	}
	t.closeBlock(b)
}

// handleError emits a single error frame and latches the session closed.
func (t *Translator) handleError(ev openai.StreamEvent) {
	message := ev.Message
	if message == "" && ev.Response != nil && ev.Response.Error != nil {
		message = ev.Response.Error.Message
	}
	if message == "" {
		message = "upstream stream ended with " + ev.Type
	}
	t.emitter.Error(anthropic.ErrTypeAPI, message)
	t.complete()
}

// handleCompleted closes every still-open block, reports the stop reason and
// usage, and terminates the stream.
func (t *Translator) handleCompleted(ev openai.StreamEvent) {
	for _, b := range t.blocks {
		if b.started && !b.completed {
			t.closeBlock(b)
		}
	}
	t.current = -1

	toolUse := false
	for _, b := range t.blocks {
		if b.kind == blockTool {
			toolUse = true
			break
		}
	}

	stopReason := anthropic.StopReasonEndTurn
	if ev.Response != nil {
		t.responseID = ev.Response.ID
		if ev.Response.Status == openai.StatusIncomplete &&
			ev.Response.IncompleteDetails != nil &&
			ev.Response.IncompleteDetails.Reason == openai.IncompleteMaxOutputTokens {
			stopReason = anthropic.StopReasonMaxTokens
		}
		if ev.Response.Usage != nil {
			t.usage = anthropic.Usage{
				InputTokens:  ev.Response.Usage.InputTokens,
				OutputTokens: ev.Response.Usage.OutputTokens,
			}
		}
	}
	if stopReason == anthropic.StopReasonEndTurn && toolUse {
		stopReason = anthropic.StopReasonToolUse
	}

	t.emitter.MessageDelta(stopReason, t.usage)
	t.emitter.MessageStop()
	t.sawCompleted = true
	t.complete()
}

// complete latches the session closed. The emitter is closed too, so a ping
// racing the latch cannot land after the final frame.
func (t *Translator) complete() {
	t.completed.Store(true)
	t.emitter.Close()
	t.pingOnce.Do(func() { close(t.pingStop) })
}

// newBlock appends a block to the registry at the next dense index.
func (t *Translator) newBlock(kind int) *block {
	b := &block{kind: kind, index: len(t.blocks)}
	t.blocks = append(t.blocks, b)
	return b
}

func (t *Translator) openTextBlock() *block {
	b := t.newBlock(blockText)
	b.started = true
	t.current = b.index
	t.emitter.TextBlockStart(b.index)
	return b
}

// resolveTextBlock finds the block a text delta belongs to: the current one,
// else the last unfinished text block, else a freshly opened one.
func (t *Translator) resolveTextBlock() *block {
	if b := t.currentTextBlock(); b != nil {
		return b
	}
	for i := len(t.blocks) - 1; i >= 0; i-- {
		if t.blocks[i].kind == blockText && !t.blocks[i].completed {
			t.current = i
			return t.blocks[i]
		}
	}
	return t.openTextBlock()
}

func (t *Translator) currentTextBlock() *block {
	if t.current >= 0 && t.current < len(t.blocks) && !t.blocks[t.current].completed {
		return t.blocks[t.current]
	}
	return nil
}

// registerItem maps the upstream item id to the block so later deltas find
// it. A missing id falls back to the block's own downstream id.
func (t *Translator) registerItem(itemID string, b *block) {
	if itemID == "" {
		itemID = b.id
	}
	t.byItemID[itemID] = b.index
}

func (t *Translator) blockByItemID(itemID string) *block {
	if i, ok := t.byItemID[itemID]; ok {
		return t.blocks[i]
	}
	return nil
}

func (t *Translator) closeBlock(b *block) {
	if b.completed {
		return
	}
	b.completed = true
	t.emitter.ContentBlockStop(b.index)
}

// jsonStatus renders one web-search status fragment.
func jsonStatus(status string, seq int) (string, error) {
	raw, err := json.Marshal(struct {
		Status   string `json:"status"`
		Sequence int    `json:"sequence"`
	}{status, seq})
	return string(raw), err
}
