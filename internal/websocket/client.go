package websocket

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Клиент ничего не присылает кроме control frames
	maxMessageSize = 4096

	clientSendBufferSize = 256
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker создает проверку по списку через запятую.
// Пустая строка или "*" разрешают все origins.
func NewOriginChecker(origins string) *OriginChecker {
	checker := &OriginChecker{allowedOrigins: make(map[string]struct{})}
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		checker.allowAll = true
		return checker
	}
	for _, origin := range strings.Split(origins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // не браузерные клиенты (curl, CLI)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// Client представляет одно WebSocket соединение
//
// Каждый клиент имеет две горутины:
// 1. readPump - читает control frames и определяет разрыв соединения
// 2. writePump - пишет сообщения клиенту и отправляет ping
type Client struct {
	conn   *websocket.Conn
	hub    *Hub
	send   chan []byte
	userID string // "" - события всех пользователей
}

func (c *Client) wants(userID string) bool {
	return c.userID == "" || userID == "" || c.userID == userID
}

// readPump читает сообщения от клиента до разрыва соединения
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", utils.Err(err))
			}
			return
		}
	}
}

// writePump отправляет сообщения клиенту.
// Накопленные сообщения пишутся в один фрейм через '\n'.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

		drainLoop:
			for {
				select {
				case msg, ok := <-c.send:
					if !ok {
						break drainLoop
					}
					w.Write([]byte{'\n'})
					w.Write(msg)
				default:
					break drainLoop
				}
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Handler возвращает HTTP handler для /ws/stream.
// Параметр ?user=<id> ограничивает поток событиями одного пользователя.
func Handler(hub *Hub, origins *OriginChecker) http.HandlerFunc {
	if origins == nil {
		origins = NewOriginChecker("")
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return origins.Check(r.Header.Get("Origin"))
		},
		EnableCompression: true,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.log.Warn("websocket upgrade failed", utils.Err(err))
			return
		}

		client := &Client{
			conn:   conn,
			hub:    hub,
			send:   make(chan []byte, clientSendBufferSize),
			userID: r.URL.Query().Get("user"),
		}
		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}
