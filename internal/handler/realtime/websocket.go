// Package realtime carries a session's message events over a WebSocket: the
// browser or voice agent pushes user/assistant/page frames and receives
// acknowledgements, replies and completed interactions.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/zhouzirui/voice-concierge/backend/internal/analysis/tone"
	"github.com/zhouzirui/voice-concierge/backend/internal/logger"
	"github.com/zhouzirui/voice-concierge/backend/internal/metrics"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/chat"
	"github.com/zhouzirui/voice-concierge/backend/internal/model/interaction"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/session"
	"github.com/zhouzirui/voice-concierge/backend/internal/service/token"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	outboundSize = 32
)

// Sessions 是实时通道依赖的会话注册表
type Sessions interface {
	GetOrCreate(ctx context.Context, id string) (*session.Session, error)
}

// Verifier 校验连接携带的准入凭证
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// WebSocketHandler WebSocket实时消息处理器
type WebSocketHandler struct {
	sessions Sessions
	verifier Verifier
	welcome  string
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器；verifier 为 nil 时拒绝所有连接
func NewWebSocketHandler(sessions Sessions, verifier Verifier, welcome string) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		verifier: verifier,
		welcome:  welcome,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Reply   *bool  `json:"reply,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection 持有单个客户端连接；所有写操作都经由 writeLoop
type connection struct {
	conn      *websocket.Conn
	sessionID string
	outbound  chan outgoingMessage
	log       *logrus.Entry
}

func (c *connection) send(ctx context.Context, msg outgoingMessage) {
	msg.SessionID = c.sessionID
	msg.Timestamp = time.Now().Unix()
	select {
	case c.outbound <- msg:
	case <-ctx.Done():
	}
}

// trySend drops the frame when the client is not keeping up.
func (c *connection) trySend(msg outgoingMessage) {
	msg.SessionID = c.sessionID
	msg.Timestamp = time.Now().Unix()
	select {
	case c.outbound <- msg:
	default:
		c.log.Warn("outbound queue full, dropping frame")
	}
}

func (c *connection) sendInfo(ctx context.Context, data map[string]any) {
	c.send(ctx, outgoingMessage{Type: "result", Data: data})
}

func (c *connection) sendError(ctx context.Context, message string) {
	c.send(ctx, outgoingMessage{Type: "error", Data: map[string]string{"message": message}})
}

func bearerToken(r *http.Request) string {
	if raw := r.URL.Query().Get("token"); raw != "" {
		return raw
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		http.Error(w, "sessionID is required", http.StatusBadRequest)
		return
	}

	if h.verifier == nil {
		http.Error(w, "realtime transport unavailable", http.StatusServiceUnavailable)
		return
	}

	claims, err := h.verifier.Verify(bearerToken(r))
	if err != nil {
		metrics.TokenRejections.WithLabelValues("invalid").Inc()
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !claims.Admits(sessionID) {
		metrics.TokenRejections.WithLabelValues("room_mismatch").Inc()
		http.Error(w, "token does not admit this session", http.StatusForbidden)
		return
	}

	s, err := h.sessions.GetOrCreate(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "failed to open session", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.For("realtime").WithError(err).Warn("upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{
		conn:      conn,
		sessionID: sessionID,
		outbound:  make(chan outgoingMessage, outboundSize),
		log: logger.For("realtime").WithFields(logrus.Fields{
			"session":  sessionID,
			"identity": claims.Identity(),
		}),
	}
	c.log.Info("connection opened")

	// 连接断开不会关闭会话，会话由空闲清理回收
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe := s.Subscribe(func(item interaction.Interaction) {
		c.trySend(outgoingMessage{Type: "result", Data: map[string]any{
			"event":       "interaction",
			"interaction": item,
		}})
	})
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	connected := map[string]any{
		"event":        "connected",
		"identity":     claims.Identity(),
		"page":         s.Page(),
		"capabilities": s.Capabilities(),
	}
	if h.welcome != "" && s.HasAssistant() {
		connected["welcome"] = h.welcome
	}
	c.sendInfo(ctx, connected)

	h.readLoop(ctx, c, s)

	cancel()
	<-writerDone
	c.log.Info("connection closed")
}

func (h *WebSocketHandler) readLoop(ctx context.Context, c *connection, s *session.Session) {
	for {
		var msg inboundMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			// 截断的帧解码为 io.ErrUnexpectedEOF，连接本身仍可用
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.sendError(ctx, "invalid message payload")
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("read error")
			}
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if err := h.handleMessage(ctx, c, s, &msg); errors.Is(err, session.ErrSessionClosed) {
			c.sendError(ctx, err.Error())
			return
		}
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, s *session.Session, msg *inboundMessage) error {
	switch msg.Type {
	case "page":
		s.SetPage(msg.Content)
		c.sendInfo(ctx, map[string]any{"event": "page", "page": s.Page()})
		return nil
	case "user":
		return h.handleUser(ctx, c, s, msg)
	case "assistant":
		return h.publish(ctx, c, s, chat.RoleAssistant, msg.Content)
	default:
		c.sendError(ctx, "unsupported message type: "+msg.Type)
		return nil
	}
}

func (h *WebSocketHandler) handleUser(ctx context.Context, c *connection, s *session.Session, msg *inboundMessage) error {
	wantsReply := s.HasAssistant()
	if msg.Reply != nil {
		wantsReply = *msg.Reply
	}
	if !wantsReply {
		return h.publish(ctx, c, s, chat.RoleUser, msg.Content)
	}

	reply, err := s.Submit(ctx, msg.Content)
	if err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return err
		}
		c.sendError(ctx, err.Error())
		return nil
	}
	c.sendInfo(ctx, map[string]any{
		"event":   "reply",
		"role":    chat.RoleAssistant,
		"content": reply,
		"tone":    tone.Analyze(msg.Content, reply),
	})
	return nil
}

func (h *WebSocketHandler) publish(ctx context.Context, c *connection, s *session.Session, role chat.Role, content string) error {
	if strings.TrimSpace(content) == "" {
		c.sendError(ctx, "content is required")
		return nil
	}
	if err := s.Publish(ctx, chat.MessageEvent{Role: role, Content: content}); err != nil {
		if errors.Is(err, session.ErrSessionClosed) {
			return err
		}
		c.sendError(ctx, err.Error())
		return nil
	}
	c.sendInfo(ctx, map[string]any{"event": "accepted", "role": role})
	return nil
}

// writeLoop 串行写出消息并定期发送ping
func (c *connection) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.drainOutbound()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.WithError(err).Warn("write failed")
				c.conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

// drainOutbound flushes frames queued before the connection ended.
func (c *connection) drainOutbound() {
	for {
		select {
		case msg := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
