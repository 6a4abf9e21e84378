package translate

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/conversation"
	"github.com/responsegate/responsegate/internal/metrics"
	"github.com/responsegate/responsegate/internal/openai"
)

// ResponseTranslator maps complete upstream responses to downstream messages.
type ResponseTranslator struct {
	logger *zap.Logger
}

func NewResponseTranslator(logger *zap.Logger) *ResponseTranslator {
	return &ResponseTranslator{logger: logger}
}

// Translate walks the upstream output in order: all text parts of message
// items collapse into one text block, each function_call becomes a tool_use
// block with a freshly minted downstream id. The returned binding set records
// call_id to tool_use_id for every tool call so later tool results resolve.
func (t *ResponseTranslator) Translate(resp *openai.Response, model string) (*anthropic.MessageResponse, *conversation.BindingSet) {
	minted := conversation.NewBindingSet()

	var text string
	var content []anthropic.ContentBlock
	toolUse := false

	for _, item := range resp.Output {
		switch item.Type {
		case "message":
			for _, part := range item.Content {
				if part.Type == "output_text" {
					text += part.Text
				}
			}

		case openai.ItemFunctionCall:
			toolUseID := anthropic.NewToolUseID()
			input := map[string]interface{}{}
			if item.Arguments != "" {
				if err := json.Unmarshal([]byte(item.Arguments), &input); err != nil {
					t.logger.Warn("function_call arguments are not valid JSON, substituting empty input",
						zap.String("call_id", item.CallID),
						zap.String("tool", item.Name),
						zap.Error(err))
					input = map[string]interface{}{}
				}
			}
			content = append(content, anthropic.ContentBlock{
				Type:  anthropic.BlockTypeToolUse,
				ID:    toolUseID,
				Name:  item.Name,
				Input: input,
			})
			minted.Add(conversation.Binding{
				CallID:    item.CallID,
				ToolUseID: toolUseID,
				Name:      item.Name,
			})
			metrics.BindingsMinted.Inc()
			toolUse = true

		default:
			t.logger.Debug("skipping upstream output item of unhandled type",
				zap.String("item_type", item.Type))
		}
	}

	// The single text block leads the content; empty text is omitted.
	if text != "" {
		content = append([]anthropic.ContentBlock{{Type: anthropic.BlockTypeText, Text: text}}, content...)
	}

	stopReason := StopReason(resp, toolUse)
	var usage anthropic.Usage
	if resp.Usage != nil {
		usage = anthropic.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}
	}

	return &anthropic.MessageResponse{
		ID:         anthropic.NewMessageID(),
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: &stopReason,
		Usage:      usage,
	}, minted
}

// StopReason maps the upstream terminal state to the downstream stop reason:
// max_tokens when the response ran out of output budget, tool_use when any
// tool call was produced, end_turn otherwise.
func StopReason(resp *openai.Response, toolUse bool) string {
	if resp.Status == openai.StatusIncomplete &&
		resp.IncompleteDetails != nil &&
		resp.IncompleteDetails.Reason == openai.IncompleteMaxOutputTokens {
		return anthropic.StopReasonMaxTokens
	}
	if toolUse {
		return anthropic.StopReasonToolUse
	}
	return anthropic.StopReasonEndTurn
}
