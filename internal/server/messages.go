package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/anthropic"
	"github.com/responsegate/responsegate/internal/eventlog"
	"github.com/responsegate/responsegate/internal/metrics"
	"github.com/responsegate/responsegate/internal/openai"
	"github.com/responsegate/responsegate/internal/stream"
	"github.com/responsegate/responsegate/internal/translate"
)

// statusClientClosedRequest is the nginx convention for a request the client
// abandoned; used when the per-request timeout fires before headers go out.
const statusClientClosedRequest = 499

// handleMessages is the per-request coordinator: parse, resolve the
// conversation, translate, dispatch to the streaming or non-streaming path,
// and persist the turn's outcome.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, anthropic.ErrTypeInvalidRequest, "method not allowed")
		return
	}

	ctx := r.Context()
	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	var req anthropic.MessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "invalid request body: "+err.Error())
		metrics.RequestsTotal.WithLabelValues("/v1/messages", modeOf(r), "400").Inc()
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, "messages is required")
		metrics.RequestsTotal.WithLabelValues("/v1/messages", modeOf(r), "400").Inc()
		return
	}

	convID := s.conversationID(r)
	snap := s.store.GetOrCreate(convID)
	defer s.store.Release(convID)

	upReq, result, err := s.requests.Translate(&req, translate.Context{
		LastResponseID: snap.LastResponseID,
		Bindings:       snap.Bindings,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, anthropic.ErrTypeInvalidRequest, err.Error())
		metrics.RequestsTotal.WithLabelValues("/v1/messages", modeOf(r), "400").Inc()
		return
	}

	s.events.Log(eventlog.KindRequest, map[string]interface{}{
		"conversation_id": convID,
		"model":           req.Model,
		"messages":        len(req.Messages),
		"streaming":       modeOf(r) == "stream",
	})

	if modeOf(r) == "stream" {
		s.streamMessages(ctx, w, r, &req, upReq, result, convID)
		return
	}
	s.completeMessages(ctx, w, r, &req, upReq, result, convID)
}

// conversationID resolves the conversation from the dedicated headers,
// falling back to the per-request id.
func (s *Server) conversationID(r *http.Request) string {
	if id := r.Header.Get("x-conversation-id"); id != "" {
		return id
	}
	if id := r.Header.Get("x-session-id"); id != "" {
		return id
	}
	return r.Header.Get("x-request-id")
}

// completeMessages is the non-streaming path: one upstream call, one
// downstream JSON body.
func (s *Server) completeMessages(ctx context.Context, w http.ResponseWriter, r *http.Request,
	req *anthropic.MessagesRequest, upReq *openai.Request, result *translate.Result, convID string) {

	resp, err := s.upstream.CreateResponse(ctx, upReq)
	if err != nil {
		s.writeUpstreamError(w, r, ctx, err)
		return
	}

	msg, minted := s.responses.Translate(resp, req.Model)
	result.Minted.Merge(minted)
	s.store.Update(convID, resp.ID, result.Minted)

	s.events.Log(eventlog.KindCompletion, map[string]interface{}{
		"conversation_id": convID,
		"response_id":     resp.ID,
		"stop_reason":     msg.StopReason,
		"output_tokens":   msg.Usage.OutputTokens,
	})
	writeJSON(w, http.StatusOK, msg)
	metrics.RequestsTotal.WithLabelValues("/v1/messages", "json", "200").Inc()
}

// streamMessages is the streaming path: the upstream SSE feed drives the
// translator state machine, which drives the emitter.
func (s *Server) streamMessages(ctx context.Context, w http.ResponseWriter, r *http.Request,
	req *anthropic.MessagesRequest, upReq *openai.Request, result *translate.Result, convID string) {

	up, err := s.upstream.StreamResponse(ctx, upReq)
	if err != nil {
		s.writeUpstreamError(w, r, ctx, err)
		return
	}
	defer up.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	emitter := stream.NewEmitter(w, s.logger)
	emitter.SetFrameObserver(func(eventType string) {
		s.events.Log(eventlog.KindDownstreamFrame, map[string]interface{}{
			"conversation_id": convID,
			"type":            eventType,
		})
	})
	session := stream.NewTranslator(emitter, req.Model, s.logger)
	session.Greet()
	session.StartPings(ctx, stream.DefaultPingInterval)

	disconnected := false
	timedOut := false
loop:
	for {
		select {
		case <-ctx.Done():
			// Timeout with the client still attached gets one error frame;
			// a disconnect gets nothing. Either way stop reading, skip all
			// further writes, drop partial state.
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && r.Context().Err() == nil {
				timedOut = true
				emitter.Error(anthropic.ErrTypeTimeout, "request timed out mid-stream")
			} else {
				disconnected = true
			}
			emitter.Close()
			break loop
		case ev, ok := <-up.Events():
			if !ok {
				if upErr := up.Err(); upErr != nil && !session.Done() {
					session.HandleEvent(openai.StreamEvent{
						Type:    openai.EventError,
						Message: upErr.Error(),
					})
				}
				break loop
			}
			s.events.Log(eventlog.KindUpstreamEvent, map[string]interface{}{
				"conversation_id": convID,
				"type":            ev.Type,
			})
			session.HandleEvent(ev)
			if session.Done() {
				break loop
			}
		}
	}

	outcome := session.Finish()
	if disconnected {
		metrics.SessionDisconnects.Inc()
		s.logger.Info("stream session ended by client disconnect",
			zap.String("conversation_id", convID))
	}
	if timedOut {
		s.logger.Info("stream session ended by request timeout",
			zap.String("conversation_id", convID))
	}

	// The conversation advances only when the upstream response actually
	// completed; a torn session leaves the previous turn in place.
	if outcome.SawCompleted {
		result.Minted.Merge(outcome.Bindings)
		s.store.Update(convID, outcome.ResponseID, result.Minted)
		s.events.Log(eventlog.KindCompletion, map[string]interface{}{
			"conversation_id": convID,
			"response_id":     outcome.ResponseID,
			"streaming":       true,
		})
	}
	metrics.RequestsTotal.WithLabelValues("/v1/messages", "stream", "200").Inc()
}

// writeUpstreamError maps an upstream failure onto the downstream surface:
// timeouts become 499, API errors keep their status, anything else is 502.
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, ctx context.Context, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		// The client already left; there is nobody to answer.
		s.logger.Debug("client disconnected before the upstream responded", zap.Error(err))
		metrics.RequestsTotal.WithLabelValues("/v1/messages", modeOf(r), "499").Inc()
		return
	}

	var status int
	var errType, message string

	var apiErr *openai.APIError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		status = statusClientClosedRequest
		errType = anthropic.ErrTypeTimeout
		message = "request timed out before the upstream responded"
	case errors.As(err, &apiErr):
		status = apiErr.StatusCode
		errType = anthropic.ErrTypeAPI
		if status >= 400 && status < 500 {
			errType = anthropic.ErrTypeInvalidRequest
		}
		message = apiErr.Message
	default:
		status = http.StatusBadGateway
		errType = anthropic.ErrTypeAPI
		message = err.Error()
	}

	s.logger.Warn("upstream call failed",
		zap.Int("status", status), zap.Error(err))
	s.events.Log(eventlog.KindError, map[string]interface{}{"message": message, "status": status})
	writeError(w, status, errType, message)
	metrics.RequestsTotal.WithLabelValues("/v1/messages", modeOf(r), fmt.Sprintf("%d", status)).Inc()
}
