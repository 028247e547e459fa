package network

import (
	"context"

	"github.com/rs/zerolog/log"
)

// clientMessage pairs an inbound message with the client that sent it.
type clientMessage struct {
	client *Client
	msg    Message
}

// outboundMessage targets one client, or every client when client is nil.
type outboundMessage struct {
	client *Client
	msg    Message
}

// Hub owns the set of connected clients and routes their events to the handler.
type Hub struct {
	// Accessed only by the hub goroutine.
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	incoming   chan clientMessage
	outgoing   chan outboundMessage
	done       chan struct{}

	handler EventHandler
}

func NewHub(handler EventHandler) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		incoming:   make(chan clientMessage),
		outgoing:   make(chan outboundMessage, 256),
		done:       make(chan struct{}),
		handler:    handler,
	}
}

// Run processes hub events until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.handler.OnConnect(client)

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Closing send stops the client's writeLoop.
				close(client.send)
				h.handler.OnDisconnect(client)
			}

		case in := <-h.incoming:
			h.handler.OnMessage(in.client, in.msg)

		case out := <-h.outgoing:
			if out.client != nil {
				h.deliver(out.client, out.msg)
				continue
			}
			for c := range h.clients {
				h.deliver(c, out.msg)
			}

		case <-ctx.Done():
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			return
		}
	}
}

// SendTo queues msg for c. It is safe from any goroutine; messages for
// clients that already left are dropped.
func (h *Hub) SendTo(c *Client, msg Message) {
	h.queue(outboundMessage{client: c, msg: msg})
}

// Broadcast queues msg for every connected client.
func (h *Hub) Broadcast(msg Message) {
	h.queue(outboundMessage{msg: msg})
}

func (h *Hub) queue(out outboundMessage) {
	select {
	case h.outgoing <- out:
	case <-h.done:
	}
}

func (h *Hub) deliver(c *Client, msg Message) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		log.Warn().Str("client", c.ID()).Str("type", msg.Type).Msg("[Hub] Send buffer full, dropping message.")
	}
}
