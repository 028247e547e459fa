package network

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server accepts websocket clients on /ws and hands them to its hub.
type Server struct {
	hub        *Hub
	mux        *http.ServeMux
	middleware []func(http.Handler) http.Handler
}

var upgrader = websocket.Upgrader{
	// Menu clients connect from anywhere on the local network.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func NewServer(handler EventHandler) *Server {
	s := &Server{hub: NewHub(handler), mux: http.NewServeMux()}
	s.mux.HandleFunc("/ws", s.wsHandler)
	return s
}

// Hub returns the server's hub, used to push messages from outside callbacks.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("[Server] Websocket upgrade failed.")
		return
	}

	client := newClient(s.hub, conn)
	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writeLoop()
	go client.readLoop()
}

// Handle adds an extra HTTP route next to /ws, such as a health check.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Use wraps every route, including /ws, in middleware.
func (s *Server) Use(middleware func(http.Handler) http.Handler) {
	s.middleware = append(s.middleware, middleware)
}

// Handler returns the HTTP handler serving /ws and any extra routes. The hub
// must be running.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Listen runs the hub and serves websocket clients on address until ctx is done.
func (s *Server) Listen(ctx context.Context, address string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{Addr: address, Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("[Server] Websocket server listening on ws://%s/ws", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
