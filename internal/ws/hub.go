package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// DefaultGroup is the observer group dashboards join unless they ask for
// a specific one.
const DefaultGroup = "dashboard"

// Hub manages stream subscriptions by group name. Delivery is
// best-effort: a failed send drops the subscriber, nothing is queued for
// absent observers.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the target group. all overrides group and
// addresses every connected subscriber.
type message struct {
	group   string
	payload []byte
	all     bool
}

// subscription defines register/unregister requests.
type subscription struct {
	group  string
	client Subscriber
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
			if _, ok := h.clients[sub.group]; !ok {
				h.clients[sub.group] = make(map[Subscriber]struct{})
			}
			h.clients[sub.group][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.group]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.group)
				}
			}
		case msg := <-h.broadcast:
			if msg.all {
				for group := range h.clients {
					h.deliver(group, msg.payload)
				}
			} else {
				h.deliver(msg.group, msg.payload)
			}
		}
	}
}

func (h *Hub) deliver(group string, payload []byte) {
	clients, ok := h.clients[group]
	if !ok {
		return
	}
	for c := range clients {
		if err := c.Send(payload); err != nil {
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.clients, group)
	}
}

// Register adds a client to a group stream.
func (h *Hub) Register(group string, client Subscriber) {
	h.register <- subscription{group: group, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(group string, client Subscriber) {
	h.unreg <- subscription{group: group, client: client}
}

// Broadcast sends payload to all clients of a group.
func (h *Hub) Broadcast(group string, payload []byte) {
	h.broadcast <- message{group: group, payload: payload}
}

// BroadcastAll sends payload to every connected client regardless of its
// group.
func (h *Hub) BroadcastAll(payload []byte) {
	h.broadcast <- message{payload: payload, all: true}
}
