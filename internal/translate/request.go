package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/conversation"
	"github.com/responsegate/responsegate/internal/metrics"
	"github.com/responsegate/responsegate/internal/openai"
)

// MinOutputTokens is the floor applied to max_output_tokens: the upstream is
// given at least this much budget regardless of the downstream max_tokens.
const MinOutputTokens = 16384

// ErrUnsupportedImage marks an image block whose source kind the gateway
// cannot forward.
var ErrUnsupportedImage = errors.New("unsupported image source")

// Context is the conversation state a translation runs against. Bindings is
// the session's private clone; the translator records freshly minted
// bindings both here and in the Result.
type Context struct {
	LastResponseID string
	Bindings       *conversation.BindingSet
}

// Result reports translation side effects the coordinator persists or logs.
type Result struct {
	Minted          *conversation.BindingSet
	FallbackCallIDs []string
	DroppedTools    []string
	DroppedCalls    []string
}

// RequestTranslator maps downstream Messages requests to upstream Responses
// requests.
type RequestTranslator struct {
	model  string
	logger *zap.Logger
}

func NewRequestTranslator(model string, logger *zap.Logger) *RequestTranslator {
	return &RequestTranslator{model: model, logger: logger}
}

// Translate builds the upstream request. The downstream model is always
// replaced by the configured upstream model; unknown downstream names are
// not an error.
func (t *RequestTranslator) Translate(req *anthropic.MessagesRequest, conv Context) (*openai.Request, *Result, error) {
	result := &Result{Minted: conversation.NewBindingSet()}
	if conv.Bindings == nil {
		conv.Bindings = conversation.NewBindingSet()
	}

	items, err := t.translateMessages(req.Messages, conv, result)
	if err != nil {
		return nil, nil, err
	}
	items = t.filterUnmatchedCalls(items, result)

	out := &openai.Request{
		Model:              t.model,
		Instructions:       joinSystem(req.System),
		Input:              items,
		Tools:              t.translateTools(req.Tools, result),
		ToolChoice:         translateToolChoice(req.ToolChoice),
		MaxOutputTokens:    clampOutputTokens(req.MaxTokens),
		TopP:               req.TopP,
		PreviousResponseID: conv.LastResponseID,
	}
	return out, result, nil
}

// joinSystem renders the system prompt as upstream instructions. Block-form
// prompts join their text with blank lines.
func joinSystem(system anthropic.SystemPrompt) string {
	if system.IsZero() {
		return ""
	}
	blocks := system.Blocks()
	if blocks == nil {
		return system.Plain()
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == anthropic.BlockTypeText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (t *RequestTranslator) translateMessages(messages []anthropic.Message, conv Context, result *Result) ([]openai.InputItem, error) {
	var items []openai.InputItem

	for _, msg := range messages {
		if msg.Content.IsPlain() {
			items = append(items, openai.MessageItem(msg.Role, msg.Content.Plain()))
			continue
		}

		// Text blocks accumulate until a non-text block forces a flush.
		var buffer []string
		flush := func() {
			if len(buffer) == 0 {
				return
			}
			items = append(items, flushedMessage(msg.Role, buffer))
			buffer = nil
		}

		for _, block := range msg.Content.Blocks() {
			switch block.Type {
			case anthropic.BlockTypeText:
				if block.Text != "" {
					buffer = append(buffer, block.Text)
				}

			case anthropic.BlockTypeToolUse:
				flush()
				items = append(items, t.translateToolUse(block, conv, result))

			case anthropic.BlockTypeToolResult:
				flush()
				items = append(items, t.translateToolResult(block, conv, result))

			case anthropic.BlockTypeImage:
				flush()
				item, err := imageMessage(block)
				if err != nil {
					return nil, err
				}
				items = append(items, item)

			default:
				t.logger.Warn("skipping content block of unknown type",
					zap.String("block_type", block.Type))
			}
		}
		flush()
	}
	return items, nil
}

// flushedMessage emits one input message for a buffered run of text blocks.
// Assistant runs collapse to a plain string; user runs become a list of
// input_text parts.
func flushedMessage(role string, buffer []string) openai.InputItem {
	if role == "assistant" {
		return openai.MessageItem(role, strings.Join(buffer, "\n"))
	}
	parts := make([]openai.ContentPart, len(buffer))
	for i, text := range buffer {
		parts[i] = openai.ContentPart{Type: openai.PartInputText, Text: text}
	}
	return openai.MessageItem(role, parts)
}

// translateToolUse replays an assistant tool call as a function_call item.
// The call_id comes from the recorded binding; unseen tool_use ids get a
// minted call_id and a new binding so the paired tool_result resolves.
func (t *RequestTranslator) translateToolUse(block anthropic.ContentBlock, conv Context, result *Result) openai.InputItem {
	var callID string
	if b, ok := conv.Bindings.ByToolUseID(block.ID); ok {
		callID = b.CallID
	} else {
		callID = openai.NewCallID()
		binding := conversation.Binding{CallID: callID, ToolUseID: block.ID, Name: block.Name}
		conv.Bindings.Add(binding)
		result.Minted.Add(binding)
		metrics.BindingsMinted.Inc()
		t.logger.Debug("minted call_id for replayed tool_use",
			zap.String("tool_use_id", block.ID),
			zap.String("call_id", callID),
			zap.String("tool", block.Name))
	}

	arguments := "{}"
	if block.Input != nil {
		if raw, err := json.Marshal(block.Input); err == nil {
			arguments = string(raw)
		} else {
			t.logger.Warn("tool_use input not serializable, sending empty arguments",
				zap.String("tool_use_id", block.ID), zap.Error(err))
		}
	}
	return openai.FunctionCallItem(callID, block.Name, arguments)
}

// translateToolResult forwards a tool result as a function_call_output item.
// A missing binding is unexpected but never fatal: the downstream id is
// reused verbatim and the event is flagged.
func (t *RequestTranslator) translateToolResult(block anthropic.ContentBlock, conv Context, result *Result) openai.InputItem {
	callID := block.ToolUseID
	if b, ok := conv.Bindings.ByToolUseID(block.ToolUseID); ok {
		callID = b.CallID
	} else {
		result.FallbackCallIDs = append(result.FallbackCallIDs, block.ToolUseID)
		metrics.CorrelationMisses.Inc()
		t.logger.Warn("unexpected tool_result with no recorded binding, reusing downstream id as call_id",
			zap.String("tool_use_id", block.ToolUseID))
	}
	return openai.FunctionCallOutputItem(callID, block.ToolResultText())
}

// imageMessage wraps an image block in a single-part user message.
func imageMessage(block anthropic.ContentBlock) (openai.InputItem, error) {
	src := block.Source
	if src == nil {
		return openai.InputItem{}, fmt.Errorf("%w: missing source", ErrUnsupportedImage)
	}
	var url string
	switch src.Type {
	case "base64":
		url = src.DataURI()
	case "url":
		url = src.URL
	default:
		return openai.InputItem{}, fmt.Errorf("%w: source type %q", ErrUnsupportedImage, src.Type)
	}
	return openai.MessageItem("user", []openai.ContentPart{
		{Type: openai.PartInputImage, ImageURL: url},
	}), nil
}

// translateTools converts client tools through the schema normalizer, maps
// known built-ins to their canonical function equivalents, and always
// appends the upstream's native web search.
func (t *RequestTranslator) translateTools(tools []anthropic.Tool, result *Result) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools)+1)
	for _, tool := range tools {
		if tool.InputSchema != nil {
			params := NormalizeSchema(tool.InputSchema)
			out = append(out, openai.FunctionTool(tool.Name, tool.Description, params))
			continue
		}
		if tool.Name == "web_search" {
			// Covered by the native web_search tool appended below.
			continue
		}
		if def, ok := builtinTool(tool.Name); ok {
			out = append(out, def)
			continue
		}
		result.DroppedTools = append(result.DroppedTools, tool.Name)
		t.logger.Warn("dropping unknown built-in tool", zap.String("tool", tool.Name))
	}
	return append(out, openai.WebSearchTool())
}

// builtinTool returns the canonical function definition for a known
// downstream built-in tool name.
func builtinTool(name string) (openai.Tool, bool) {
	switch name {
	case "bash":
		return openai.FunctionTool("bash",
			"Run a shell command and return its combined output.",
			strictObjectSchema(map[string]interface{}{
				"command": map[string]interface{}{
					"type":        "string",
					"description": "The shell command to execute.",
				},
			})), true
	case "str_replace_editor", "str_replace_based_edit_tool":
		return openai.FunctionTool(name,
			"View, create and edit files via view/create/str_replace/insert commands.",
			strictObjectSchema(map[string]interface{}{
				"command":     map[string]interface{}{"type": "string"},
				"path":        map[string]interface{}{"type": "string"},
				"file_text":   map[string]interface{}{"type": "string"},
				"old_str":     map[string]interface{}{"type": "string"},
				"new_str":     map[string]interface{}{"type": "string"},
				"insert_line": map[string]interface{}{"type": "integer"},
				"view_range": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "integer"},
				},
			})), true
	}
	return openai.Tool{}, false
}

func strictObjectSchema(props map[string]interface{}) map[string]interface{} {
	return NormalizeSchema(map[string]interface{}{
		"type":       "object",
		"properties": props,
	})
}

func translateToolChoice(choice *anthropic.ToolChoice) interface{} {
	if choice == nil {
		return "auto"
	}
	switch choice.Type {
	case "tool":
		if choice.Name != "" {
			return openai.ToolChoiceFunction{Type: "function", Name: choice.Name}
		}
		return "auto"
	case "any":
		return "required"
	default:
		return "auto"
	}
}

func clampOutputTokens(maxTokens int) int {
	if maxTokens < MinOutputTokens {
		return MinOutputTokens
	}
	return maxTokens
}

// filterUnmatchedCalls drops every function_call whose call_id has no
// function_call_output in the same input list. The upstream rejects unpaired
// calls outright; dropping them lets the model re-issue the call if it still
// wants it.
func (t *RequestTranslator) filterUnmatchedCalls(items []openai.InputItem, result *Result) []openai.InputItem {
	answered := make(map[string]bool)
	for _, it := range items {
		if it.Type == openai.ItemFunctionCallOutput {
			answered[it.CallID] = true
		}
	}

	kept := make([]openai.InputItem, 0, len(items))
	for _, it := range items {
		if it.Type == openai.ItemFunctionCall && !answered[it.CallID] {
			result.DroppedCalls = append(result.DroppedCalls, it.CallID)
			metrics.UnmatchedCallsDropped.Inc()
			t.logger.Warn("dropping function_call with no matching output",
				zap.String("call_id", it.CallID),
				zap.String("tool", it.Name))
			continue
		}
		kept = append(kept, it)
	}
	return kept
}
