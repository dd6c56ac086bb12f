package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatbridge/internal/apperr"
	"chatbridge/internal/metrics"
	"chatbridge/internal/service"
	"chatbridge/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	frameTimeout = 5 * time.Second
	sendBuffer   = 256
)

// Server 持有 websocket 连接处理所需的依赖。
type Server struct {
	Hub        *Hub
	Authn      *session.Authenticator
	Rooms      *service.RoomService
	Dispatcher *service.Dispatcher
	// SendRate 和 SendBurst 限制单个连接的 send 帧速率。
	SendRate  rate.Limit
	SendBurst int
	upgrader  websocket.Upgrader
}

func NewServer(hub *Hub, authn *session.Authenticator, rooms *service.RoomService, d *service.Dispatcher, checkOrigin func(*http.Request) bool) *Server {
	return &Server{
		Hub:        hub,
		Authn:      authn,
		Rooms:      rooms,
		Dispatcher: d,
		SendRate:   rate.Every(100 * time.Millisecond),
		SendBurst:  20,
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

type Client struct {
	id        string
	srv       *Server
	conn      *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	topics    map[string]struct{}
	closeOnce sync.Once
}

// InboundFrame 是客户端发来的帧。身份不从帧中读取。
type InboundFrame struct {
	Type     string `json:"type"`
	Ref      string `json:"ref,omitempty"`
	Topic    string `json:"topic,omitempty"`
	RoomID   uint   `json:"room_id,omitempty"`
	Content  string `json:"content,omitempty"`
	IsTyping bool   `json:"is_typing,omitempty"`
	Token    string `json:"token,omitempty"`
}

type AckFrame struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	MessageID uint   `json:"message_id,omitempty"`
}

type ErrorFrame struct {
	Type    string      `json:"type"`
	Ref     string      `json:"ref,omitempty"`
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type TypingFrame struct {
	Type        string `json:"type"`
	RoomID      uint   `json:"room_id"`
	UserID      uint   `json:"user_id"`
	DisplayName string `json:"display_name"`
	IsTyping    bool   `json:"is_typing"`
}

// Serve 完成握手认证后升级连接。认证失败时以 401 拒绝升级。
// 浏览器无法设置请求头，因此 token 查询参数等同于 Bearer 头。
func (s *Server) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" {
			if token := c.Query("token"); token != "" {
				authz = "Bearer " + token
			}
		}

		connID := uuid.NewString()
		id, err := s.Authn.Handshake(c.Request.Context(), connID, authz)
		if err != nil {
			s.Authn.Close(connID)
			c.JSON(http.StatusUnauthorized, gin.H{"error": apperr.PublicMessage(err), "code": apperr.CodeOf(err)})
			return
		}

		conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			s.Authn.Close(connID)
			log.Warn().Err(err).Uint("user_id", id.UserID).Msg("ws upgrade")
			return
		}
		client := &Client{
			id:      connID,
			srv:     s,
			conn:    conn,
			send:    make(chan []byte, sendBuffer),
			limiter: rate.NewLimiter(s.SendRate, s.SendBurst),
			topics:  make(map[string]struct{}),
		}
		metrics.WsConnections.Inc()
		log.Debug().Str("conn_id", connID).Uint("user_id", id.UserID).Msg("ws connected")

		// 被劫持的连接不再受请求 context 管理
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go client.writePump()
		client.readPump(ctx)
	}
}

// deliver 非阻塞地投递一帧，缓冲区满时返回 false。
func (c *Client) deliver(b []byte) bool {
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// kick 关闭底层连接，readPump 随之退出并完成清理。
func (c *Client) kick() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *Client) readPump(parent context.Context) {
	defer func() {
		for topic := range c.topics {
			c.srv.Hub.Unsubscribe(topic, c)
		}
		c.srv.Authn.Close(c.id)
		close(c.send)
		metrics.WsConnections.Dec()
		log.Debug().Str("conn_id", c.id).Msg("ws disconnected")
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			c.reject(in, apperr.New(apperr.CodeInvalidArgument, "malformed frame"))
			continue
		}
		ctx, cancel := context.WithTimeout(parent, frameTimeout)
		c.handle(ctx, in)
		cancel()
	}
}

// handle 处理一帧。除 reauth 外，每一帧都先从连接的绑定表恢复身份；
// 恢复失败只拒绝当前帧，连接保持可用，客户端可以发送 reauth。
func (c *Client) handle(ctx context.Context, in InboundFrame) {
	if in.Type == "reauth" {
		if _, err := c.srv.Authn.Rebind(ctx, c.id, "Bearer "+in.Token); err != nil {
			c.reject(in, err)
			return
		}
		c.reply(AckFrame{Type: "ack", Ref: in.Ref})
		return
	}

	id, err := c.srv.Authn.Restore(ctx, c.id)
	if err != nil {
		c.reject(in, err)
		return
	}
	ctx = session.WithIdentity(ctx, id)

	switch in.Type {
	case "subscribe":
		err = c.subscribe(ctx, in)
	case "unsubscribe":
		err = c.unsubscribe(in)
	case "send":
		err = c.sendMessage(ctx, in)
	case "typing":
		err = c.typing(ctx, in)
	default:
		err = apperr.New(apperr.CodeInvalidArgument, "unknown frame type")
	}
	if err != nil {
		c.reject(in, err)
	}
}

func (c *Client) subscribe(ctx context.Context, in InboundFrame) error {
	id, _ := session.IdentityFrom(ctx)
	roomID, ok := roomFromTopic(in.Topic)
	if !ok {
		return apperr.New(apperr.CodeInvalidArgument, "unknown topic")
	}
	member, err := c.srv.Rooms.IsMember(ctx, roomID, id.UserID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.ErrRoomNotFound
	}
	if _, dup := c.topics[in.Topic]; !dup {
		c.srv.Hub.Subscribe(in.Topic, c)
		c.topics[in.Topic] = struct{}{}
	}
	c.reply(AckFrame{Type: "ack", Ref: in.Ref})
	return nil
}

func (c *Client) unsubscribe(in InboundFrame) error {
	if _, ok := c.topics[in.Topic]; ok {
		c.srv.Hub.Unsubscribe(in.Topic, c)
		delete(c.topics, in.Topic)
	}
	c.reply(AckFrame{Type: "ack", Ref: in.Ref})
	return nil
}

func (c *Client) sendMessage(ctx context.Context, in InboundFrame) error {
	if !c.limiter.Allow() {
		return apperr.New(apperr.CodeRateLimited, "too many messages")
	}
	id, _ := session.IdentityFrom(ctx)
	msg, err := c.srv.Dispatcher.Send(ctx, in.RoomID, id.UserID, in.Content)
	if err != nil {
		return err
	}
	c.reply(AckFrame{Type: "ack", Ref: in.Ref, MessageID: msg.ID})
	return nil
}

// typing 仅广播，不落库。
func (c *Client) typing(ctx context.Context, in InboundFrame) error {
	id, _ := session.IdentityFrom(ctx)
	member, err := c.srv.Rooms.IsMember(ctx, in.RoomID, id.UserID)
	if err != nil {
		return err
	}
	if !member {
		return apperr.ErrRoomNotFound
	}
	b, err := json.Marshal(TypingFrame{Type: "typing", RoomID: in.RoomID, UserID: id.UserID, DisplayName: id.DisplayName, IsTyping: in.IsTyping})
	if err != nil {
		return err
	}
	c.srv.Hub.Publish(service.TopicForRoom(in.RoomID), b)
	return nil
}

func (c *Client) reject(in InboundFrame, err error) {
	code := apperr.CodeOf(err)
	metrics.FramesRejected.WithLabelValues(frameLabel(in.Type), string(code)).Inc()
	if code == apperr.CodeInternal {
		log.Error().Err(err).Str("conn_id", c.id).Str("frame", in.Type).Msg("ws frame")
	}
	c.reply(ErrorFrame{Type: "error", Ref: in.Ref, Code: code, Message: apperr.PublicMessage(err)})
}

func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.deliver(b) {
		c.kick()
	}
}

func frameLabel(t string) string {
	switch t {
	case "subscribe", "unsubscribe", "send", "typing", "reauth":
		return t
	default:
		return "unknown"
	}
}

func roomFromTopic(topic string) (uint, bool) {
	rest, ok := strings.CutPrefix(topic, service.RoomTopicPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.kick()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
