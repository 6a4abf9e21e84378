// Package openai implements the upstream side: the Responses API wire types
// and a streaming HTTP client for them.
package openai

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Input item kinds.
const (
	ItemMessage            = "message"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
)

// Upstream stream event types the translator dispatches on.
const (
	EventResponseCreated        = "response.created"
	EventResponseInProgress     = "response.in_progress"
	EventResponseCompleted      = "response.completed"
	EventResponseFailed         = "response.failed"
	EventResponseIncomplete     = "response.incomplete"
	EventOutputTextDelta        = "response.output_text.delta"
	EventOutputTextDone         = "response.output_text.done"
	EventOutputItemAdded        = "response.output_item.added"
	EventOutputItemDone         = "response.output_item.done"
	EventFunctionCallArgsDelta  = "response.function_call_arguments.delta"
	EventFunctionCallArgsDone   = "response.function_call_arguments.done"
	EventContentPartAdded       = "response.content_part.added"
	EventContentPartDone        = "response.content_part.done"
	EventWebSearchInProgress    = "response.web_search_call.in_progress"
	EventWebSearchSearching     = "response.web_search_call.searching"
	EventWebSearchCompleted     = "response.web_search_call.completed"
	EventError                  = "error"
)

// Terminal response statuses.
const (
	StatusCompleted  = "completed"
	StatusIncomplete = "incomplete"
	StatusFailed     = "failed"

	IncompleteMaxOutputTokens = "max_output_tokens"
)

// Request is the body of POST /responses.
type Request struct {
	Model              string      `json:"model"`
	Instructions       string      `json:"instructions,omitempty"`
	Input              []InputItem `json:"input"`
	Tools              []Tool      `json:"tools,omitempty"`
	ToolChoice         interface{} `json:"tool_choice,omitempty"`
	Stream             bool        `json:"stream,omitempty"`
	MaxOutputTokens    int         `json:"max_output_tokens,omitempty"`
	TopP               *float64    `json:"top_p,omitempty"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
}

// InputItem is a tagged variant: a conversation message, a function_call, or
// a function_call_output. Construct through the helpers below; MarshalJSON
// emits exactly the fields the variant carries.
type InputItem struct {
	Type string

	// message
	Role    string
	Content interface{} // string or []ContentPart

	// function_call / function_call_output
	CallID    string
	Name      string
	Arguments string
	Output    string
}

// ContentPart is one element of a structured message content list.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Content part kinds.
const (
	PartInputText  = "input_text"
	PartOutputText = "output_text"
	PartInputImage = "input_image"
)

// MessageItem builds a message input item. Content is a string or a
// []ContentPart.
func MessageItem(role string, content interface{}) InputItem {
	return InputItem{Type: ItemMessage, Role: role, Content: content}
}

// FunctionCallItem replays an assistant tool call into upstream input.
func FunctionCallItem(callID, name, arguments string) InputItem {
	return InputItem{Type: ItemFunctionCall, CallID: callID, Name: name, Arguments: arguments}
}

// FunctionCallOutputItem carries a tool result back upstream.
func FunctionCallOutputItem(callID, output string) InputItem {
	return InputItem{Type: ItemFunctionCallOutput, CallID: callID, Output: output}
}

func (it InputItem) MarshalJSON() ([]byte, error) {
	switch it.Type {
	case ItemFunctionCall:
		return json.Marshal(struct {
			Type      string `json:"type"`
			CallID    string `json:"call_id"`
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		}{it.Type, it.CallID, it.Name, it.Arguments})
	case ItemFunctionCallOutput:
		return json.Marshal(struct {
			Type   string `json:"type"`
			CallID string `json:"call_id"`
			Output string `json:"output"`
		}{it.Type, it.CallID, it.Output})
	default:
		return json.Marshal(struct {
			Role    string      `json:"role"`
			Content interface{} `json:"content"`
		}{it.Role, it.Content})
	}
}

// Tool is an upstream tool definition. Function tools keep name, description
// and parameters at the top level (the Responses API layout, not the chat
// completions one). Built-ins like web_search carry only a type.
type Tool struct {
	Type        string                 `json:"type"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Strict      *bool                  `json:"strict,omitempty"`
}

// FunctionTool builds a strict-mode function tool.
func FunctionTool(name, description string, parameters map[string]interface{}) Tool {
	strict := true
	return Tool{
		Type:        "function",
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Strict:      &strict,
	}
}

// WebSearchTool is the upstream's built-in web search.
func WebSearchTool() Tool {
	return Tool{Type: "web_search"}
}

// ToolChoiceFunction forces a specific function tool.
type ToolChoiceFunction struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Response is a complete (non-streaming) upstream response, and the envelope
// carried by response.* lifecycle events.
type Response struct {
	ID                string             `json:"id"`
	Object            string             `json:"object,omitempty"`
	Status            string             `json:"status,omitempty"`
	Model             string             `json:"model,omitempty"`
	Output            []OutputItem       `json:"output,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	Error             *Error             `json:"error,omitempty"`
	IncompleteDetails *IncompleteDetails `json:"incomplete_details,omitempty"`
}

type IncompleteDetails struct {
	Reason string `json:"reason"`
}

// OutputItem is one element of a response's output list, or the item payload
// of output_item.added/done events.
type OutputItem struct {
	Type      string       `json:"type"`
	ID        string       `json:"id,omitempty"`
	Status    string       `json:"status,omitempty"`
	Role      string       `json:"role,omitempty"`
	Content   []OutputPart `json:"content,omitempty"`
	CallID    string       `json:"call_id,omitempty"`
	Name      string       `json:"name,omitempty"`
	Arguments string       `json:"arguments,omitempty"`
}

// OutputPart is one content part of a message output item.
type OutputPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}

type Error struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// StreamEvent is the decoded payload of one upstream SSE frame. Only the
// fields relevant to the frame's Type are populated; Raw preserves the
// original bytes for logging.
type StreamEvent struct {
	Type           string      `json:"type"`
	Response       *Response   `json:"response,omitempty"`
	Item           *OutputItem `json:"item,omitempty"`
	ItemID         string      `json:"item_id,omitempty"`
	OutputIndex    int         `json:"output_index,omitempty"`
	ContentIndex   int         `json:"content_index,omitempty"`
	Delta          string      `json:"delta,omitempty"`
	Text           string      `json:"text,omitempty"`
	Arguments      string      `json:"arguments,omitempty"`
	Part           *OutputPart `json:"part,omitempty"`
	SequenceNumber int         `json:"sequence_number,omitempty"`

	// error event fields
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// NewCallID mints a call identifier for tool calls the gateway fabricates
// when replaying history the upstream has no record of.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
