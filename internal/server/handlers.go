package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/openai"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("responsegate: Anthropic Messages API in front, OpenAI Responses API behind.\nPOST /v1/messages\n"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleTestConnection makes a tiny upstream round trip so operators can
// verify credentials without an SDK client.
func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp, err := s.upstream.CreateResponse(r.Context(), &openai.Request{
		Model: s.config.OpenAIModel,
		Input: []openai.InputItem{
			openai.MessageItem("user", "Reply with the single word: ok"),
		},
		MaxOutputTokens: 16,
	})
	if err != nil {
		s.logger.Warn("test connection failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	var text string
	for _, item := range resp.Output {
		if item.Type == "message" {
			for _, part := range item.Content {
				text += part.Text
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"model":   s.config.OpenAIModel,
		"message": text,
	})
}

// handleCountTokens counts tokens over the concatenated system and message
// text of a Messages request body.
func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, anthropic.ErrTypeInvalidRequest, "method not allowed")
		return
	}

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "invalid request body: "+err.Error())
		return
	}

	var sb strings.Builder
	if !req.System.IsZero() {
		if blocks := req.System.Blocks(); blocks != nil {
			for _, b := range blocks {
				sb.WriteString(b.Text)
				sb.WriteString("\n")
			}
		} else {
			sb.WriteString(req.System.Plain())
			sb.WriteString("\n")
		}
	}
	for _, msg := range req.Messages {
		for _, block := range msg.Content.Blocks() {
			if block.Type == anthropic.BlockTypeText {
				sb.WriteString(block.Text)
				sb.WriteString("\n")
			}
		}
	}

	writeJSON(w, http.StatusOK, anthropic.CountTokensResponse{
		InputTokens: s.tokens.Count(sb.String()),
	})
}

// handleConversations lists the correlation store for debugging.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	list := s.store.List()
	type entry struct {
		ID             string    `json:"id"`
		LastResponseID string    `json:"last_response_id,omitempty"`
		Bindings       int       `json:"bindings"`
		CreatedAt      time.Time `json:"created_at"`
		LastAccessedAt time.Time `json:"last_accessed_at"`
	}
	entries := make([]entry, 0, len(list))
	for _, snap := range list {
		entries = append(entries, entry{
			ID:             snap.ID,
			LastResponseID: snap.LastResponseID,
			Bindings:       snap.BindingCount,
			CreatedAt:      snap.CreatedAt,
			LastAccessedAt: snap.LastAccessedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations": entries,
		"count":         len(entries),
	})
}

// handleConversationByID destroys one conversation.
func (s *Server) handleConversationByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/debug/conversations/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if !s.store.Destroy(id) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError writes the Anthropic error envelope.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.NewErrorEvent(errType, message))
}
