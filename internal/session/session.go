// 包 session：本实例的客户端连接及其绑定的用户
package session

import (
	"sync"
	"time"

	"nijasafe/internal/geo"
)

// Session：一条打开的传输连接，下行帧经有界队列由写协程排空
// 约束：队列满时丢帧
type Session struct {
	ID          string
	ConnectedAt time.Time

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	userID string
	loc    *geo.Point
}

func newSession(id string, buffer int, now time.Time) *Session {
	if buffer < 1 {
		buffer = 1
	}
	return &Session{
		ID:          id,
		ConnectedAt: now,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// UserID：未绑定时为空串
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) bind(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// SetLocation：记录该连接最近上报的位置
func (s *Session) SetLocation(p geo.Point) {
	s.mu.Lock()
	s.loc = &p
	s.mu.Unlock()
}

func (s *Session) Location() (geo.Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.loc == nil {
		return geo.Point{}, false
	}
	return *s.loc, true
}

// Deliver：非阻塞入队；会话已关闭或队列已满时返回 false
func (s *Session) Deliver(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

func (s *Session) Outbound() <-chan []byte { return s.send }

// Done：会话断开后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Info：会话的对外视图
type Info struct {
	SessionID   string    `json:"sessionId"`
	UserID      string    `json:"userId,omitempty"`
	Instance    string    `json:"instance"`
	ConnectedAt time.Time `json:"connectedAt"`
}
