package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/driver-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession represents a connected worker or requester session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds live sessions keyed by recipient id and implements Notifier.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for id, closing any previous session for the same id.
func (r *WSRegistry) Add(id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	return s
}

// Remove drops the session if it is still the registered one for id.
func (r *WSRegistry) Remove(id string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

// Serve registers conn and blocks reading (and discarding) client frames
// until the connection fails, then unregisters it.
func (r *WSRegistry) Serve(id string, conn *websocket.Conn) {
	s := r.Add(id, conn)
	defer r.Remove(id, s)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func (r *WSRegistry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[id]
	return ok
}

func (r *WSRegistry) Send(ctx context.Context, recipientID string, msg models.Message) error {
	r.mu.RLock()
	s, ok := r.sessions[recipientID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, msg)
}
