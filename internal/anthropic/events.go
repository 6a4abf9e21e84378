package anthropic

// SSE event type names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventError             = "error"
)

// MessageStartEvent opens a streaming session. The embedded message has empty
// content and a null stop_reason; both are filled in by later events.
type MessageStartEvent struct {
	Type    string          `json:"type"`
	Message MessageResponse `json:"message"`
}

// TextBlockStart is the content_block payload opening a text block.
type TextBlockStart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolUseBlockStart is the content_block payload opening a tool_use block.
// Input carries whatever is known at open time; arguments stream afterwards
// as input_json_delta fragments.
type ToolUseBlockStart struct {
	Type  string                 `json:"type"`
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

type ContentBlockStartEvent struct {
	Type         string      `json:"type"`
	Index        int         `json:"index"`
	ContentBlock interface{} `json:"content_block"`
}

// TextDelta appends text to an open text block.
type TextDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// InputJSONDelta appends a raw JSON fragment to an open tool_use block's
// arguments.
type InputJSONDelta struct {
	Type        string `json:"type"`
	PartialJSON string `json:"partial_json"`
}

type ContentBlockDeltaEvent struct {
	Type  string      `json:"type"`
	Index int         `json:"index"`
	Delta interface{} `json:"delta"`
}

type ContentBlockStopEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDeltaEvent carries the final stop reason and accumulated usage.
type MessageDeltaEvent struct {
	Type  string       `json:"type"`
	Delta MessageDelta `json:"delta"`
	Usage Usage        `json:"usage"`
}

type MessageDelta struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type MessageStopEvent struct {
	Type string `json:"type"`
}

// ErrorEvent is the SSE error frame; the same envelope, minus the SSE
// framing, is the body of non-2xx HTTP responses.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Error envelope types.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeTimeout        = "timeout_error"
)

// NewErrorEvent builds the error envelope used both as an SSE frame payload
// and as an HTTP error body.
func NewErrorEvent(errType, message string) ErrorEvent {
	return ErrorEvent{
		Type:  "error",
		Error: ErrorDetail{Type: errType, Message: message},
	}
}
