package ws

import (
	"sync"
	"sync/atomic"

	"chatbridge/internal/metrics"

	"github.com/rs/zerolog/log"
)

// Hub 管理 topic 级别的子 Hub，实现延迟创建与并发安全。
// 它同时实现 service.Publisher 和 service.Presence。
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*TopicHub
}

func NewHub() *Hub { return &Hub{topics: make(map[string]*TopicHub)} }

// GetTopic 若 topic 未初始化则懒加载一个 TopicHub。
func (h *Hub) GetTopic(name string) *TopicHub {
	h.mu.RLock()
	th := h.topics[name]
	h.mu.RUnlock()
	if th != nil {
		return th
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	th = h.topics[name]
	if th != nil {
		return th
	}
	th = NewTopicHub(name)
	h.topics[name] = th
	go th.run()
	return th
}

func (h *Hub) lookup(name string) *TopicHub {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topics[name]
}

// Subscribe 把连接加入 topic，返回后该连接即可收到广播。
func (h *Hub) Subscribe(name string, c *Client) {
	h.GetTopic(name).register <- c
}

// Unsubscribe 把连接移出 topic，返回后该 topic 不会再向该连接投递。
func (h *Hub) Unsubscribe(name string, c *Client) {
	if th := h.lookup(name); th != nil {
		th.unregister <- c
	}
}

// Publish 尽力投递到 topic 当前的订阅者。没有订阅者时直接丢弃。
func (h *Hub) Publish(name string, payload []byte) {
	th := h.lookup(name)
	if th == nil {
		return
	}
	select {
	case th.broadcast <- payload:
	default:
		log.Warn().Str("topic", name).Msg("broadcast queue full, dropping")
	}
}

// Online 返回 topic 的订阅连接数，供 REST 接口复用。
func (h *Hub) Online(name string) int {
	th := h.lookup(name)
	if th == nil {
		return 0
	}
	return th.Online()
}

type TopicHub struct {
	name       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	online     int32
}

func NewTopicHub(name string) *TopicHub {
	return &TopicHub{
		name:       name,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
	}
}

// run 是 topic 的唯一写者。send 通道归连接自己关闭，这里只会把跟不上的连接踢掉。
func (th *TopicHub) run() {
	for {
		select {
		case c := <-th.register:
			if !th.clients[c] {
				th.clients[c] = true
				metrics.WsSubscriptions.Inc()
			}
			atomic.StoreInt32(&th.online, int32(len(th.clients)))
		case c := <-th.unregister:
			if _, ok := th.clients[c]; ok {
				delete(th.clients, c)
				metrics.WsSubscriptions.Dec()
				atomic.StoreInt32(&th.online, int32(len(th.clients)))
			}
		case msg := <-th.broadcast:
			for c := range th.clients {
				if !c.deliver(msg) {
					delete(th.clients, c)
					metrics.WsSubscriptions.Dec()
					log.Warn().Str("conn_id", c.id).Str("topic", th.name).Msg("slow consumer, disconnecting")
					c.kick()
				}
			}
			atomic.StoreInt32(&th.online, int32(len(th.clients)))
		}
	}
}

func (th *TopicHub) Online() int { return int(atomic.LoadInt32(&th.online)) }
