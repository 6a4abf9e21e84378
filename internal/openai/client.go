package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/metrics"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultTimeout = 120 * time.Second

	// streamBufferSize bounds one SSE line; argument deltas for large tool
	// calls can run long.
	streamBufferSize = 1024 * 1024
)

// APIError is a non-2xx upstream reply. The status code is preserved so the
// gateway can pass it through to the downstream client.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.Message)
}

// errorEnvelope is the upstream's error body shape.
type errorEnvelope struct {
	Error *Error `json:"error"`
}

// Client is a hand-rolled HTTP client for the Responses API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates an upstream client.
func NewClient(apiKey string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger,
	}, nil
}

// SetBaseURL overrides the upstream base URL.  Used in tests.
func (c *Client) SetBaseURL(url string) { c.baseURL = strings.TrimSuffix(url, "/") }

// CreateResponse makes a non-streaming call to POST /responses.
func (c *Client) CreateResponse(ctx context.Context, req *Request) (*Response, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.UpstreamRequestsTotal.WithLabelValues("json", "transport_error").Inc()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		metrics.UpstreamRequestsTotal.WithLabelValues("json", fmt.Sprintf("%d", httpResp.StatusCode)).Inc()
		return nil, apiError(httpResp.StatusCode, respBody)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("json", "200").Inc()

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse upstream response: %w", err)
	}
	return &resp, nil
}

// Stream is one in-flight streaming response. Events are delivered on a
// channel that closes when the upstream stream ends; Err reports why the
// stream terminated, if anything went wrong at the transport level.
type Stream struct {
	events chan StreamEvent
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Events returns the event channel. It closes when the stream ends.
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Err reports the transport error that ended the stream, if any. Valid after
// the event channel closes.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close cancels the upstream call and releases the connection.
func (s *Stream) Close() { s.cancel() }

// StreamResponse makes a streaming call to POST /responses and parses the SSE
// feed on a background goroutine. A non-2xx status is returned synchronously
// as an *APIError, before any event is delivered.
func (c *Client) StreamResponse(ctx context.Context, req *Request) (*Stream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(ctx, body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	// No client timeout for streaming; the request context bounds it.
	httpResp, err := (&http.Client{}).Do(httpReq)
	if err != nil {
		cancel()
		metrics.UpstreamRequestsTotal.WithLabelValues("stream", "transport_error").Inc()
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		cancel()
		metrics.UpstreamRequestsTotal.WithLabelValues("stream", fmt.Sprintf("%d", httpResp.StatusCode)).Inc()
		return nil, apiError(httpResp.StatusCode, respBody)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues("stream", "200").Inc()

	s := &Stream{
		events: make(chan StreamEvent, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go c.readStream(ctx, httpResp.Body, s)
	return s, nil
}

// readStream parses SSE frames off the wire until EOF, error or cancellation.
func (c *Client) readStream(ctx context.Context, body io.ReadCloser, s *Stream) {
	defer body.Close()
	defer close(s.events)
	defer close(s.done)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), streamBufferSize)

	var eventType string
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		default:
		}

		line := scanner.Text()

		if strings.HasPrefix(line, "event: ") {
			eventType = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("skipping unparseable upstream event",
				zap.String("event_type", eventType), zap.Error(err))
			continue
		}
		if event.Type == "" {
			event.Type = eventType
		}
		event.Raw = json.RawMessage(data)

		select {
		case s.events <- event:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		s.err = fmt.Errorf("upstream stream read failed: %w", err)
		c.logger.Warn("upstream stream ended with error", zap.Error(err))
	}
}

func (c *Client) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/responses", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return req, nil
}

// apiError decodes an upstream error body, falling back to the raw text.
func apiError(status int, body []byte) *APIError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		return &APIError{
			StatusCode: status,
			Type:       env.Error.Type,
			Code:       env.Error.Code,
			Message:    env.Error.Message,
		}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}
