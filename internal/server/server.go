// Package server wires the gateway's HTTP surface: the Messages endpoint
// with its streaming and non-streaming paths, health and debug endpoints,
// and the middleware stack.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/config"
	"github.com/responsegate/responsegate/internal/conversation"
	"github.com/responsegate/responsegate/internal/eventlog"
	"github.com/responsegate/responsegate/internal/openai"
	"github.com/responsegate/responsegate/internal/tokenizer"
	"github.com/responsegate/responsegate/internal/translate"
)

// Server is the protocol-translating gateway.
type Server struct {
	config *config.Config
	logger *zap.Logger

	upstream   *openai.Client
	requests   *translate.RequestTranslator
	responses  *translate.ResponseTranslator
	store      *conversation.Store
	tokens     *tokenizer.Counter
	events     *eventlog.Logger
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewServer builds the gateway with all components wired together.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	upstream, err := openai.NewClient(cfg.OpenAIAPIKey, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize upstream client: %w", err)
	}
	if cfg.OpenAIBaseURL != "" {
		upstream.SetBaseURL(cfg.OpenAIBaseURL)
	}

	return &Server{
		config:    cfg,
		logger:    logger,
		upstream:  upstream,
		requests:  translate.NewRequestTranslator(cfg.OpenAIModel, logger),
		responses: translate.NewResponseTranslator(logger),
		store:     conversation.NewStore(logger),
		tokens:    tokenizer.New(logger),
		events:    eventlog.New(cfg.LogEvents, cfg.LogDir),
	}, nil
}

// Handler returns the full middleware-wrapped handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return s.withRequestID(s.withAccessLog(s.withCORS(mux)))
}

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/test-connection", s.handleTestConnection)
	mux.HandleFunc("/v1/messages", s.handleMessages)
	mux.HandleFunc("/v1/messages/count_tokens", s.handleCountTokens)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/conversations", s.handleConversations)
	mux.HandleFunc("/debug/conversations/", s.handleConversationByID)
	mux.HandleFunc("/debug/events", s.handleEventTap)
}

// Start begins serving. It returns once the listener goroutine is running.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:    s.config.Addr(),
		Handler: s.Handler(),
		// No WriteTimeout: SSE sessions are long-lived and bounded by the
		// per-request timeout instead.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("gateway listening",
			zap.String("addr", s.config.Addr()),
			zap.String("upstream_model", s.config.OpenAIModel))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the gateway down gracefully.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("error shutting down http server", zap.Error(err))
		}
	}
	s.wg.Wait()
	s.store.Close()
	_ = s.events.Sync()
	return nil
}
