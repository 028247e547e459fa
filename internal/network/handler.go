package network

// EventHandler connects the websocket hub to application logic. All three
// methods are called from the hub goroutine, one at a time.
type EventHandler interface {
	OnConnect(c *Client)
	OnDisconnect(c *Client)
	OnMessage(c *Client, msg Message)
}
