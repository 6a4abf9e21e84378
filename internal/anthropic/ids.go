package anthropic

import (
	"strings"

	"github.com/google/uuid"
)

// NewMessageID mints a downstream message identifier.
func NewMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewToolUseID mints a downstream tool_use identifier. Minted ids never
// collide with upstream item-id conventions, so whatever the client quotes
// back in a tool_result is unambiguous.
func NewToolUseID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewRequestID mints a per-request identifier, also used as the conversation
// id when the client supplies none.
func NewRequestID() string {
	return "req_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
