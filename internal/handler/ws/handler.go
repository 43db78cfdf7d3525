package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatHandler "github.com/9121343/sxudo/internal/handler/chat"
	chatService "github.com/9121343/sxudo/internal/service/chat"
)

const (
	defaultReadTimeout = 60 * time.Second
	writeTimeout       = 10 * time.Second
	maxFrameSize       = 64 << 10
)

// Handler WebSocket聊天处理器
type Handler struct {
	chatSvc     *chatService.Service
	upgrader    websocket.Upgrader
	readTimeout time.Duration
}

// Option 配置WebSocket处理器
type Option func(*Handler)

// WithReadTimeout 设置空闲连接的读取超时，不包含对话处理时间
func WithReadTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.readTimeout = d
		}
	}
}

// New 创建WebSocket处理器
func New(chatSvc *chatService.Service, opts ...Option) *Handler {
	h := &Handler{
		chatSvc: chatSvc,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		readTimeout: defaultReadTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// pingInterval must stay below readTimeout so an idle peer's pong arrives in time.
func (h *Handler) pingInterval() time.Duration {
	return h.readTimeout * 9 / 10
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{username}", h.handleWebSocket)
}

type inboundMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// handleWebSocket 每个文本帧执行一轮对话
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	username := chatService.NormalizeUsername(chi.URLParam(r, "username"))

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("username", username).Msg("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.readTimeout))
	})

	// gorilla allows one concurrent writer; pings go through the same channel
	writes := make(chan outgoingMessage, 8)
	done := make(chan struct{})
	go h.writeLoop(ctx, conn, writes, done)

	writes <- outgoingMessage{Type: "connected", Data: map[string]string{"username": username}, Timestamp: time.Now().Unix()}

	for {
		// the deadline only bounds idle time between turns
		_ = conn.SetReadDeadline(time.Now().Add(h.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("username", username).Msg("websocket read error")
			}
			break
		}
		// a turn may run through several slow candidates
		_ = conn.SetReadDeadline(time.Time{})

		var out outgoingMessage
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			out = errorMessage("invalid message: expected JSON with a message field")
		} else {
			out = h.handleMessage(ctx, username, msg)
		}
		select {
		case writes <- out:
		case <-done:
			return
		}
	}

	cancel()
	<-done
	log.Info().Str("username", username).Msg("websocket closed")
}

func (h *Handler) handleMessage(ctx context.Context, username string, msg inboundMessage) outgoingMessage {
	now := time.Now().Unix()
	if msg.Type != "" && msg.Type != "chat" {
		return errorMessage("unsupported message type: " + msg.Type)
	}

	res, err := h.chatSvc.HandleChat(ctx, username, msg.Message)
	if err != nil {
		if errors.Is(err, chatService.ErrEmptyMessage) {
			return errorMessage(err.Error())
		}
		log.Error().Err(err).Str("username", username).Msg("websocket chat failed")
		return errorMessage("chat failed")
	}
	return outgoingMessage{Type: "reply", Data: chatHandler.NewChatResponse(res), Timestamp: now}
}

func errorMessage(message string) outgoingMessage {
	return outgoingMessage{
		Type:      "error",
		Data:      map[string]string{"error": message},
		Timestamp: time.Now().Unix(),
	}
}

// writeLoop 串行写出消息并定期发送ping
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, writes <-chan outgoingMessage, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-writes:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				log.Warn().Err(err).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
