// 包 realtime：基于 websocket 的双向事件通道
// 约束：每个连接一个读协程按到达顺序处理上行事件，一个写协程排空会话下行队列
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"nijasafe/internal/apperr"
	"nijasafe/internal/auth"
	"nijasafe/internal/broadcast"
	"nijasafe/internal/core"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
	"nijasafe/internal/session"
)

// 上行事件名
const (
	EventLocationUpdate = "location-update"
	EventEmergencyAlert = "emergency-alert"
	EventV2V            = "v2v-message"
	EventIdentify       = "identify"
)

// 下行控制事件名
const (
	EventConnected = "connected"
	EventError     = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	maxMessageSize = 64 << 10
)

type Options struct {
	// AllowedOrigin：升级时允许的浏览器来源，空或 "*" 放行任意来源
	AllowedOrigin string
	PongWait      time.Duration
	PingPeriod    time.Duration
}

type Handler struct {
	svc       *core.Service
	sessions  *session.Manager
	resolver  *auth.Resolver
	upgrader  websocket.Upgrader
	pongWait  time.Duration
	pingEvery time.Duration
	log       *slog.Logger
}

func NewHandler(svc *core.Service, sm *session.Manager, resolver *auth.Resolver, opts Options) *Handler {
	h := &Handler{
		svc:       svc,
		sessions:  sm,
		resolver:  resolver,
		pongWait:  opts.PongWait,
		pingEvery: opts.PingPeriod,
		log:       logger.For("realtime"),
	}
	if h.pongWait <= 0 {
		h.pongWait = pongWait
	}
	if h.pingEvery <= 0 || h.pingEvery >= h.pongWait {
		h.pingEvery = (h.pongWait * 9) / 10
	}
	allowed := strings.TrimRight(opts.AllowedOrigin, "/")
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed == "" || allowed == "*" {
				return true
			}
			return strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
		},
	}
	return h
}

type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Event   string      `json:"event,omitempty"`
}

type connectedBody struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId,omitempty"`
	Instance  string `json:"instance"`
}

type identifyBody struct {
	Token string `json:"token"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.resolver.Resolve(r)
	if err != nil {
		h.log.Warn("realtime_identity_rejected", "ip", r.RemoteAddr, "err", err)
		writeJSONError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("realtime_upgrade_failed", "ip", r.RemoteAddr, "err", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	s := h.sessions.NewSession(userID)
	if frame, err := broadcast.EncodeFrame(EventConnected, connectedBody{SessionID: s.ID, UserID: s.UserID(), Instance: h.sessions.Instance()}); err == nil {
		s.Deliver(frame)
	}
	h.sessions.Register(ctx, s)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, s)
	}()

	h.readPump(ctx, conn, s)
	h.sessions.OnDisconnect(ctx, s.ID)
	<-writerDone
	_ = conn.Close()
}

func (h *Handler) readPump(ctx context.Context, conn *websocket.Conn, s *session.Session) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Info("realtime_read_closed", "session", s.ID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.pongWait))

		var in broadcast.Frame
		if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
			h.reject(s, "", apperr.Validation("frame must be {\"event\":...,\"data\":...}"))
			continue
		}
		if err := h.handle(ctx, s, in); err != nil {
			h.reject(s, in.Event, err)
			continue
		}
		metrics.RealtimeEvents.WithLabelValues(eventLabel(in.Event), "ok").Inc()
	}
}

func (h *Handler) handle(ctx context.Context, s *session.Session, in broadcast.Frame) error {
	switch in.Event {
	case EventLocationUpdate:
		var p core.LocationUpdate
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := h.svc.UpdateLocation(ctx, s, p)
		return err
	case EventEmergencyAlert:
		var p core.AlertInput
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		_, err := h.svc.RaiseAlert(ctx, s, p)
		return err
	case EventV2V:
		return h.svc.Relay(ctx, s, in.Data)
	case EventIdentify:
		var p identifyBody
		if err := decode(in.Data, &p); err != nil {
			return err
		}
		if strings.TrimSpace(p.Token) == "" {
			return apperr.Validation("token is required")
		}
		uid, err := h.resolver.VerifyToken(p.Token)
		if err != nil {
			return err
		}
		if err := h.sessions.Bind(ctx, s.ID, uid); err != nil {
			return err
		}
		frame, err := broadcast.EncodeFrame(EventConnected, connectedBody{SessionID: s.ID, UserID: uid, Instance: h.sessions.Instance()})
		if err == nil {
			s.Deliver(frame)
		}
		return nil
	}
	return apperr.Validation("unknown event %q", in.Event)
}

func (h *Handler) reject(s *session.Session, event string, err error) {
	kind := apperr.KindOf(err)
	metrics.RealtimeEvents.WithLabelValues(eventLabel(event), string(kind)).Inc()
	if kind == apperr.KindDependency || kind == apperr.KindInternal {
		h.log.Error("realtime_event_failed", "session", s.ID, "event", event, "err", err)
	} else {
		h.log.Debug("realtime_event_rejected", "session", s.ID, "event", event, "err", err)
	}
	frame, ferr := broadcast.EncodeFrame(EventError, errorBody{Kind: kind, Message: apperr.Message(err), Event: event})
	if ferr == nil {
		s.Deliver(frame)
	}
}

// eventLabel：指标标签只取固定集合，客户端自造的事件名统一记为 unknown
func eventLabel(event string) string {
	switch event {
	case EventLocationUpdate, EventEmergencyAlert, EventV2V, EventIdentify:
		return event
	case "":
		return "malformed"
	}
	return "unknown"
}

func (h *Handler) writePump(conn *websocket.Conn, s *session.Session) {
	ticker := time.NewTicker(h.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case frame := <-s.Outbound():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Debug("realtime_write_failed", "session", s.ID, "err", err)
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = conn.Close()
				return
			}
		case <-s.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			// 对端可能不回应关闭帧
			_ = conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		}
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return apperr.Validation("data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		var ute *json.UnmarshalTypeError
		if errors.As(err, &ute) {
			return apperr.Validation("field %s has the wrong type", ute.Field)
		}
		return apperr.Validation("data is not valid JSON")
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.HTTPStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]errorBody{
		"error": {Kind: apperr.KindOf(err), Message: apperr.Message(err)},
	})
}
