package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/responsegate/responsegate/internal/metrics"
)

const tapHeartbeatInterval = 30 * time.Second

// The tap is a localhost debugging surface; origin checks add nothing here.
var tapUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEventTap upgrades to WebSocket and forwards every gateway event to
// the peer until it closes. Writes are serialized per socket.
func (s *Server) handleEventTap(w http.ResponseWriter, r *http.Request) {
	conn, err := tapUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event tap upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.TapConnections.Inc()
	defer metrics.TapConnections.Dec()

	records, cancel := s.events.Subscribe()
	defer cancel()

	var writeMu sync.Mutex
	done := make(chan struct{})

	// Reader goroutine: its only job is to notice the peer going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(tapHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		case rec, ok := <-records:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(rec)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
