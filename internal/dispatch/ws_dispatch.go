package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession represents a connected rider or driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one session per recipient; a reconnect replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func sessionKey(a Audience, id string) string { return string(a) + ":" + id }

func (r *WSRegistry) Add(a Audience, id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[sessionKey(a, id)]
	r.sessions[sessionKey(a, id)] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
	return s
}

// Remove drops s if it is still the registered session.
func (r *WSRegistry) Remove(a Audience, id string, s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[sessionKey(a, id)] == s {
		delete(r.sessions, sessionKey(a, id))
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Notify returns ErrNoSession when the recipient is not connected.
func (r *WSRegistry) Notify(_ context.Context, n Notification) error {
	r.mu.RLock()
	s, ok := r.sessions[sessionKey(n.Audience, n.RecipientID)]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(n)
}
