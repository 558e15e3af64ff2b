package voice

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrDuplicateSession 注册表中已存在同ID会话。
var ErrDuplicateSession = errors.New("voice: duplicate session id")

// Registry 进程内活跃会话注册表，并发安全。
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove 摘除指定会话；不存在时返回 false，重复调用安全。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown 关闭全部会话并等待各自的流水线退出，超出 ctx 期限后
// 不再等待。
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		snapshot = append(snapshot, s)
	}
	r.mu.RUnlock()

	for _, s := range snapshot {
		s.Close()
	}
	for _, s := range snapshot {
		select {
		case <-s.done:
		case <-ctx.Done():
			log.Printf("[voice] shutdown grace expired with %d session(s) draining", len(snapshot))
			return
		}
	}
}
