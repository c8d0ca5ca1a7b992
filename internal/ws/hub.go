package ws

import "sync"

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub manages log stream subscriptions by instance ID.
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with instance identifier.
type message struct {
	instanceID string
	payload    []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	instanceID string
	client     Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.instanceID]; !ok {
				h.clients[sub.instanceID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.instanceID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.instanceID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.instanceID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.instanceID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.instanceID)
				}
			}
		}
	}
}

// Register adds a client to an instance stream.
func (h *Hub) Register(instanceID string, client Subscriber) {
	h.register <- subscription{instanceID: instanceID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(instanceID string, client Subscriber) {
	h.unreg <- subscription{instanceID: instanceID, client: client}
}

// Broadcast sends payload to all clients of an instance stream.
func (h *Hub) Broadcast(instanceID string, payload []byte) {
	h.broadcast <- message{instanceID: instanceID, payload: payload}
}
