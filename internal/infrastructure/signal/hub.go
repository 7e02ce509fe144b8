package signal

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"confsfu/internal/core/domain"
	"confsfu/internal/core/ports"
)

// Hub maps connected peers to their sessions and delivers server pushes. It is the
// ports.Notifier handed to the room registry.
type Hub struct {
	mu       sync.RWMutex
	sessions map[domain.PeerID]*Session
	logger   *zap.SugaredLogger
}

var _ ports.Notifier = (*Hub)(nil)

func NewHub(logger *zap.SugaredLogger) *Hub {
	return &Hub{
		sessions: make(map[domain.PeerID]*Session),
		logger:   logger,
	}
}

func (h *Hub) register(s *Session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

func (h *Hub) unregister(s *Session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.id]; ok && cur == s {
		delete(h.sessions, s.id)
	}
	h.mu.Unlock()
}

// Notify queues a push for peerID. It never blocks: a peer whose send buffer is full
// loses the push.
func (h *Hub) Notify(peerID domain.PeerID, method string, data interface{}) {
	h.mu.RLock()
	s, ok := h.sessions[peerID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	msg, err := json.Marshal(Notification{Type: typeNotification, Method: method, Data: data})
	if err != nil {
		h.logger.Errorw("failed to encode notification", "peer_id", peerID, "method", method, "error", err)
		return
	}
	if !s.trySend(msg) {
		h.logger.Warnw("dropping notification for slow peer", "peer_id", peerID, "method", method)
	}
}

func (h *Hub) snapshot() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of connected sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
