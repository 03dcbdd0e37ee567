package services

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"ops-notification-service/internal/logging"
)

// Conn is the part of *websocket.Conn the manager writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// WebSocketManager tracks the sockets attached to each session.
type WebSocketManager struct {
	connections map[string]map[Conn]bool // sessionID -> set of connections
	maxPerKey   int
	mutex       sync.Mutex
	logger      *logging.Logger
}

func NewWebSocketManager(maxPerSession int, logger *logging.Logger) *WebSocketManager {
	if maxPerSession <= 0 {
		maxPerSession = 10
	}
	return &WebSocketManager{
		connections: make(map[string]map[Conn]bool),
		maxPerKey:   maxPerSession,
		logger:      logger,
	}
}

// AddConnection registers conn for sessionID.
func (m *WebSocketManager) AddConnection(sessionID string, conn Conn) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.connections[sessionID]; !exists {
		m.connections[sessionID] = make(map[Conn]bool)
	}
	if len(m.connections[sessionID]) >= m.maxPerKey {
		m.logger.Warnf("Max connections reached for session %s", sessionID)
		return fmt.Errorf("session %s already has %d connections", sessionID, m.maxPerKey)
	}
	m.connections[sessionID][conn] = true
	m.logger.Infof("Added WebSocket connection for session %s (total: %d)", sessionID, len(m.connections[sessionID]))
	return nil
}

// RemoveConnection removes a WebSocket connection
func (m *WebSocketManager) RemoveConnection(sessionID string, conn Conn) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if conns, exists := m.connections[sessionID]; exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(m.connections, sessionID)
		}
		m.logger.Infof("Removed WebSocket connection for session %s (remaining: %d)", sessionID, len(conns))
	}
}

// Send writes message to every connection of sessionID, dropping the ones
// that fail. It returns the number of successful writes.
func (m *WebSocketManager) Send(sessionID string, message []byte) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	sent := 0
	if conns, exists := m.connections[sessionID]; exists {
		for conn := range conns {
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Errorf("Failed to send WebSocket message to session %s: %v", sessionID, err)
				delete(conns, conn)
				_ = conn.Close()
				continue
			}
			sent++
		}
		if len(conns) == 0 {
			delete(m.connections, sessionID)
		}
	}
	return sent
}

// CloseSession closes and forgets every connection of sessionID.
func (m *WebSocketManager) CloseSession(sessionID string) {
	m.mutex.Lock()
	conns := m.connections[sessionID]
	delete(m.connections, sessionID)
	m.mutex.Unlock()
	for conn := range conns {
		_ = conn.Close()
	}
}

func (m *WebSocketManager) Count(sessionID string) int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return len(m.connections[sessionID])
}
