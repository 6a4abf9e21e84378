// Package anthropic defines the downstream wire types: the subset of
// Anthropic's Messages API that the gateway accepts from clients and the
// message/event shapes it emits back, including the SSE event payloads.
package anthropic

import (
	"encoding/json"
	"fmt"
)

// Content block types accepted in requests.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeImage      = "image"
)

// Stop reasons reported to clients.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonToolUse   = "tool_use"
	StopReasonMaxTokens = "max_tokens"
)

// MessagesRequest is the body of POST /v1/messages. The same shape (minus
// options) is accepted by POST /v1/messages/count_tokens.
type MessagesRequest struct {
	Model         string                 `json:"model"`
	System        SystemPrompt           `json:"system,omitempty"`
	Messages      []Message              `json:"messages"`
	Tools         []Tool                 `json:"tools,omitempty"`
	ToolChoice    *ToolChoice            `json:"tool_choice,omitempty"`
	MaxTokens     int                    `json:"max_tokens"`
	TopP          *float64               `json:"top_p,omitempty"`
	Temperature   *float64               `json:"temperature,omitempty"`
	Stream        bool                   `json:"stream,omitempty"`
	StopSequences []string               `json:"stop_sequences,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SystemPrompt is either a plain string or a list of text blocks on the wire.
type SystemPrompt struct {
	plain  string
	blocks []ContentBlock
	isSet  bool
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	s.isSet = true
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &s.plain)
	}
	return json.Unmarshal(data, &s.blocks)
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if !s.isSet {
		return []byte("null"), nil
	}
	if s.blocks != nil {
		return json.Marshal(s.blocks)
	}
	return json.Marshal(s.plain)
}

// IsZero reports whether no system prompt was supplied.
func (s SystemPrompt) IsZero() bool { return !s.isSet }

// Blocks returns the block form, or nil if the prompt was a plain string.
func (s SystemPrompt) Blocks() []ContentBlock { return s.blocks }

// Plain returns the string form, or "" if the prompt was a block list.
func (s SystemPrompt) Plain() string { return s.plain }

// Message is one turn of the downstream conversation.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or a list of content blocks on the
// wire. Blocks() normalizes both forms for callers that iterate.
type MessageContent struct {
	plain   string
	blocks  []ContentBlock
	isPlain bool
}

// NewTextContent builds plain-string message content. Used by tests.
func NewTextContent(text string) MessageContent {
	return MessageContent{plain: text, isPlain: true}
}

// NewBlockContent builds block-list message content. Used by tests.
func NewBlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{blocks: blocks}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		c.isPlain = true
		return json.Unmarshal(data, &c.plain)
	}
	c.isPlain = false
	return json.Unmarshal(data, &c.blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isPlain {
		return json.Marshal(c.plain)
	}
	return json.Marshal(c.blocks)
}

// IsPlain reports whether the content arrived as a bare string.
func (c MessageContent) IsPlain() bool { return c.isPlain }

// Plain returns the string form; valid only when IsPlain.
func (c MessageContent) Plain() string { return c.plain }

// Blocks returns the content as a block list, wrapping plain strings in a
// single text block.
func (c MessageContent) Blocks() []ContentBlock {
	if c.isPlain {
		return []ContentBlock{{Type: BlockTypeText, Text: c.plain}}
	}
	return c.blocks
}

// ContentBlock is a tagged variant: exactly the fields for its Type are set.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ToolResultText renders a tool_result's content as the single string the
// upstream expects: string content verbatim, anything else JSON-serialized.
func (b ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	return string(b.Content)
}

// ImageSource carries an image either inline (base64) or by URL.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// DataURI renders a base64 source as a data URI.
func (s ImageSource) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", s.MediaType, s.Data)
}

// Tool is a downstream tool definition. Client tools carry an InputSchema;
// built-in tools (bash, web_search, text editor variants) carry only a name
// and a dated type string.
type Tool struct {
	Type        string                 `json:"type,omitempty"`
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ToolChoice steers tool selection: type is "auto", "any", "tool" or "none";
// Name is set when type is "tool".
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Usage is the token accounting reported to the client.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message response shape (non-streaming) and message_start envelope.
type MessageResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// CountTokensResponse is the body of POST /v1/messages/count_tokens.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
