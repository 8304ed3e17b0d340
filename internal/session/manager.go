package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nijasafe/internal/apperr"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
)

// DefaultSendBuffer：单会话下行队列长度
const DefaultSendBuffer = 64

// Manager：本实例的在线会话集合
// 约束：读取方在读锁下取快照，扇出投递时不持锁
type Manager struct {
	instance string
	buffer   int
	dir      Directory
	log      *slog.Logger
	nowF     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager：单进程部署时 dir 可为 nil
func NewManager(instance string, buffer int, dir Directory) *Manager {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Manager{
		instance: instance,
		buffer:   buffer,
		dir:      dir,
		log:      logger.For("session"),
		nowF:     time.Now,
		sessions: make(map[string]*Session),
	}
}

func (m *Manager) Instance() string { return m.instance }

// OnConnect：注册新会话，userID 非空时直接绑定
func (m *Manager) OnConnect(ctx context.Context, userID string) *Session {
	s := m.NewSession(userID)
	m.Register(ctx, s)
	return s
}

// NewSession：构建未注册的会话，调用方可先入队必须早于任何广播的帧
func (m *Manager) NewSession(userID string) *Session {
	s := newSession(uuid.NewString(), m.buffer, m.nowF().UTC())
	s.userID = strings.TrimSpace(userID)
	return s
}

// Register：会话对广播可见，并写入目录
func (m *Manager) Register(ctx context.Context, s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	m.mirror(ctx, s)
	m.log.Info("session_connected", "session", s.ID, "user", s.UserID(), "active", n)
}

// OnDisconnect：移除会话并关闭队列；在线位置由过期机制自行清理
func (m *Manager) OnDisconnect(ctx context.Context, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	n := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	metrics.ActiveSessions.Set(float64(n))
	if m.dir != nil {
		if err := m.dir.Remove(ctx, sessionID); err != nil {
			m.log.Warn("session_directory_remove_failed", "session", sessionID, "err", err)
		}
	}
	m.log.Info("session_disconnected", "session", sessionID, "user", s.UserID(), "active", n)
}

// Bind：绑定用户
// 约束：已绑定后不可改绑为其他用户
func (m *Manager) Bind(ctx context.Context, sessionID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.Validation("userId is required")
	}
	s, ok := m.Get(sessionID)
	if !ok {
		return apperr.NotFound("session %s not found", sessionID)
	}
	if cur := s.UserID(); cur != "" {
		if cur == userID {
			return nil
		}
		return apperr.Unauthorized("session is already bound to another user")
	}
	s.bind(userID)
	m.mirror(ctx, s)
	m.log.Info("session_bound", "session", sessionID, "user", userID)
	return nil
}

func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Snapshot：当前在线会话的快照
func (m *Manager) Snapshot() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ClusterCount：全部实例的会话数，无目录时退回本地数量
func (m *Manager) ClusterCount(ctx context.Context) (int64, error) {
	if m.dir == nil {
		return int64(m.Count()), nil
	}
	n, err := m.dir.Count(ctx)
	if err != nil {
		return 0, apperr.Dependency("count sessions", err)
	}
	return n, nil
}

func (m *Manager) Info(s *Session) Info {
	return Info{SessionID: s.ID, UserID: s.UserID(), Instance: m.instance, ConnectedAt: s.ConnectedAt}
}

// CloseAll：关停时断开全部本地会话
func (m *Manager) CloseAll(ctx context.Context) {
	for _, s := range m.Snapshot() {
		m.OnDisconnect(ctx, s.ID)
	}
}

func (m *Manager) mirror(ctx context.Context, s *Session) {
	if m.dir == nil {
		return
	}
	if err := m.dir.Put(ctx, m.Info(s)); err != nil {
		m.log.Warn("session_directory_put_failed", "session", s.ID, "err", err)
	}
}
