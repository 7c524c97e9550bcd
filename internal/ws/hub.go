package ws

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans retained measurements out to dashboard subscribers, keyed by the
// service the measurements belong to.
type Hub struct {
	clients   map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan message
}

// message couples payload with the service identifier.
type message struct {
	serviceID string
	payload   []byte
}

// subscription defines register/unregister requests.
type subscription struct {
	serviceID string
	client    Subscriber
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan message, 64),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.clients[sub.serviceID]; !ok {
				h.clients[sub.serviceID] = make(map[Subscriber]struct{})
			}
			h.clients[sub.serviceID][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if clients, ok := h.clients[sub.serviceID]; ok {
				delete(clients, sub.client)
				if len(clients) == 0 {
					delete(h.clients, sub.serviceID)
				}
			}
		case msg := <-h.broadcast:
			if clients, ok := h.clients[msg.serviceID]; ok {
				for c := range clients {
					if err := c.Send(msg.payload); err != nil {
						c.Close()
						delete(clients, c)
					}
				}
				if len(clients) == 0 {
					delete(h.clients, msg.serviceID)
				}
			}
		}
	}
}

// Register adds a client to a service stream.
func (h *Hub) Register(serviceID string, client Subscriber) {
	h.register <- subscription{serviceID: serviceID, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(serviceID string, client Subscriber) {
	h.unreg <- subscription{serviceID: serviceID, client: client}
}

// Broadcast fans a payload out to a service's subscribers. The send drops
// when the hub queue is full so a slow consumer cannot stall callers.
func (h *Hub) Broadcast(serviceID string, payload []byte) {
	select {
	case h.broadcast <- message{serviceID: serviceID, payload: payload}:
	default:
	}
}
