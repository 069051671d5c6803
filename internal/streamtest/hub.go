package streamtest

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages stream subscriptions by topic.
type Hub struct {
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
	quit      chan struct{}
	stopOnce  sync.Once
}

type message struct {
	topic   string
	payload []byte
	sent    chan int
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a running Hub. Stop releases its goroutine.
func NewHub() *Hub {
	h := &Hub{
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
		quit:      make(chan struct{}),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	clients := make(map[string]map[Subscriber]struct{})
	for {
		select {
		case <-h.quit:
			return
		case sub := <-h.register:
			if _, ok := clients[sub.topic]; !ok {
				clients[sub.topic] = make(map[Subscriber]struct{})
			}
			clients[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			for topic, subs := range clients {
				if sub.topic != "" && sub.topic != topic {
					continue
				}
				delete(subs, sub.client)
				if len(subs) == 0 {
					delete(clients, topic)
				}
			}
		case msg := <-h.broadcast:
			delivered := 0
			if subs, ok := clients[msg.topic]; ok {
				for c := range subs {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(subs, c)
						continue
					}
					delivered++
				}
				if len(subs) == 0 {
					delete(clients, msg.topic)
				}
			}
			msg.sent <- delivered
		}
	}
}

// Register adds a client to a topic.
func (h *Hub) Register(topic string, client Subscriber) {
	select {
	case h.register <- subscription{topic: topic, client: client}:
	case <-h.quit:
	}
}

// Unregister removes a client from every topic it joined.
func (h *Hub) Unregister(client Subscriber) {
	select {
	case h.unreg <- subscription{client: client}:
	case <-h.quit:
	}
}

// Broadcast sends payload to all topic clients and reports how many received it.
func (h *Hub) Broadcast(topic string, payload []byte) int {
	sent := make(chan int, 1)
	select {
	case h.broadcast <- message{topic: topic, payload: payload, sent: sent}:
		return <-sent
	case <-h.quit:
		return 0
	}
}

// Stop terminates the hub.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
