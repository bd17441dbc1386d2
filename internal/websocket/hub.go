package websocket

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"tradecore/internal/bot"
	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============ sync.Pool для JSON буферов ============

var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// envelope - сериализованное сообщение с адресатом.
// Пустой userID - сообщение для всех клиентов.
type envelope struct {
	userID string
	data   []byte
}

// Hub управляет всеми активными WebSocket соединениями
//
// Получает события монитора позиций (bot.EventSink) и записи DLQ,
// сериализует их и рассылает подписанным клиентам. Клиент может
// подписаться на события одного пользователя (?user=<id>).
//
// Publish никогда не блокирует вызывающего: при переполнении буфера
// сообщение отбрасывается и учитывается в DroppedMessages.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	dropped atomic.Int64
	log     *utils.Logger
}

var _ bot.EventSink = (*Hub)(nil)

// NewHub создает новый Hub
func NewHub(log *utils.Logger) *Hub {
	if log == nil {
		log = utils.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub до отмены ctx.
// При остановке закрывает каналы всех клиентов.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", utils.UserID(client.userID), utils.Int("clients", n))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", utils.Int("clients", n))

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver рассылает сообщение: копируем список под RLock,
// отправляем без блокировки, медленных клиентов удаляем под Lock
func (h *Hub) deliver(msg envelope) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		if client.wants(msg.userID) {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		select {
		case client.send <- msg.data:
		default:
			toRemove = append(toRemove, client)
		}
	}

	if len(toRemove) > 0 {
		h.mu.Lock()
		for _, client := range toRemove {
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
		}
		n := len(h.clients)
		h.mu.Unlock()
		h.log.Warn("removed slow clients", utils.Int("removed", len(toRemove)), utils.Int("clients", n))
	}
}

// Broadcast сериализует message и ставит в очередь рассылки
func (h *Hub) Broadcast(userID string, message interface{}) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		h.log.Error("marshal broadcast message", utils.Err(err))
		return
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	msgCopy := make([]byte, len(data))
	copy(msgCopy, data)

	select {
	case h.broadcast <- envelope{userID: userID, data: msgCopy}:
	default:
		h.dropped.Add(1)
	}
}

// Publish реализует bot.EventSink
func (h *Hub) Publish(ev bot.PositionEvent) {
	h.Broadcast(ev.UserID, NewPositionUpdateMessage(ev))
}

// PublishDLQ рассылает изменение записи DLQ (колбэки очереди)
func (h *Hub) PublishDLQ(e *models.DLQEntry) {
	h.Broadcast(e.UserID, NewDLQUpdateMessage(e))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages возвращает число сообщений, отброшенных из-за переполнения
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
