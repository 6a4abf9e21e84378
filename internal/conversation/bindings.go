// Package conversation tracks per-conversation state across turns: the
// upstream response id used as a parent pointer and the tool-call identity
// bindings that keep downstream tool_use ids and upstream call_ids in sync.
package conversation

// Binding pairs one tool invocation's upstream call_id with the downstream
// tool_use_id the client saw, plus the tool name for diagnostics.
type Binding struct {
	CallID    string `json:"call_id"`
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
}

// BindingSet holds bindings indexed in both directions. Lookups are O(1)
// either way; tool_use_id values stay unique. Not safe for concurrent use;
// the Store hands out clones and merges under its own lock.
type BindingSet struct {
	byCallID    map[string]Binding
	byToolUseID map[string]Binding
}

func NewBindingSet() *BindingSet {
	return &BindingSet{
		byCallID:    make(map[string]Binding),
		byToolUseID: make(map[string]Binding),
	}
}

// Add inserts a binding, replacing any binding sharing its call_id or
// tool_use_id (newer wins). It reports whether something was replaced.
func (s *BindingSet) Add(b Binding) bool {
	replaced := false
	if old, ok := s.byCallID[b.CallID]; ok {
		delete(s.byToolUseID, old.ToolUseID)
		replaced = true
	}
	if old, ok := s.byToolUseID[b.ToolUseID]; ok {
		delete(s.byCallID, old.CallID)
		replaced = true
	}
	s.byCallID[b.CallID] = b
	s.byToolUseID[b.ToolUseID] = b
	return replaced
}

// ByCallID resolves the binding for an upstream call_id.
func (s *BindingSet) ByCallID(callID string) (Binding, bool) {
	b, ok := s.byCallID[callID]
	return b, ok
}

// ByToolUseID resolves the binding for a downstream tool_use_id.
func (s *BindingSet) ByToolUseID(toolUseID string) (Binding, bool) {
	b, ok := s.byToolUseID[toolUseID]
	return b, ok
}

func (s *BindingSet) Len() int { return len(s.byCallID) }

// All returns the bindings in unspecified order.
func (s *BindingSet) All() []Binding {
	out := make([]Binding, 0, len(s.byCallID))
	for _, b := range s.byCallID {
		out = append(out, b)
	}
	return out
}

// Clone returns an independent copy. Sessions work on clones so in-flight
// requests never see concurrent merges.
func (s *BindingSet) Clone() *BindingSet {
	c := NewBindingSet()
	for _, b := range s.byCallID {
		c.byCallID[b.CallID] = b
		c.byToolUseID[b.ToolUseID] = b
	}
	return c
}

// Merge adds every binding from other, newer (other) winning on collision.
// It returns the bindings that were displaced so callers can log them.
func (s *BindingSet) Merge(other *BindingSet) []Binding {
	if other == nil {
		return nil
	}
	var displaced []Binding
	for _, b := range other.byCallID {
		if old, ok := s.byCallID[b.CallID]; ok && old != b {
			displaced = append(displaced, old)
		}
		s.Add(b)
	}
	return displaced
}
