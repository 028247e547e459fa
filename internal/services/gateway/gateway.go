// Package gateway fronts a broker cluster with one stable address. Session
// traffic goes to the current leader, which alone holds the live directory.
// Other reads, such as health checks, are spread over every healthy broker.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

// Backend is one broker instance behind the gateway.
type Backend struct {
	URL          *url.URL
	ReverseProxy *httputil.ReverseProxy
}

func newBackend(addr string) (*Backend, error) {
	u, err := url.Parse("http://" + addr)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", addr, err)
	}
	return &Backend{URL: u, ReverseProxy: httputil.NewSingleHostReverseProxy(u)}, nil
}

// ============================================================================
// BackendsStore
// ============================================================================

// BackendsStore holds the healthy brokers and hands them out round-robin.
type BackendsStore struct {
	backends []*Backend
	mu       sync.RWMutex
	current  uint64
}

func (s *BackendsStore) Set(newBackends []*Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backends = newBackends
}

// GetNext returns the next backend, nil when none is healthy.
func (s *BackendsStore) GetNext() *Backend {
	nextIndex := atomic.AddUint64(&s.current, 1)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.backends) == 0 {
		return nil
	}
	return s.backends[nextIndex%uint64(len(s.backends))]
}

func (s *BackendsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.backends)
}

// SetAddrs replaces the store content with one backend per "host:port".
func (s *BackendsStore) SetAddrs(addrs []string) {
	backends := make([]*Backend, 0, len(addrs))
	for _, addr := range addrs {
		b, err := newBackend(addr)
		if err != nil {
			log.Warn().Err(err).Msg("[Gateway] Skipping backend.")
			continue
		}
		backends = append(backends, b)
	}
	s.Set(backends)
}

// ============================================================================
// Consul watcher
// ============================================================================

// Watch keeps store in sync with the healthy instances of serviceName using
// Consul blocking queries, until ctx is done. client may return nil while
// Consul is unreachable.
func Watch(ctx context.Context, store *BackendsStore, client func() *consul.Client, serviceName string) {
	var waitIndex uint64
	for ctx.Err() == nil {
		c := client()
		if c == nil {
			log.Warn().Msg("[Watcher] Consul client unavailable, retrying in 5s.")
			sleep(ctx, 5*time.Second)
			continue
		}

		opts := (&consul.QueryOptions{WaitIndex: waitIndex, WaitTime: 2 * time.Minute}).WithContext(ctx)
		services, meta, err := c.Health().Service(serviceName, "", true, opts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("service", serviceName).Msg("[Watcher] Health query failed.")
			sleep(ctx, 5*time.Second)
			continue
		}

		if meta.LastIndex < waitIndex {
			waitIndex = 0
		} else {
			waitIndex = meta.LastIndex
		}
		addrs := make([]string, 0, len(services))
		for _, s := range services {
			addrs = append(addrs, fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port))
		}
		store.SetAddrs(addrs)
		if len(addrs) == 0 {
			log.Warn().Str("service", serviceName).Msg("[Watcher] No healthy brokers.")
		} else {
			log.Info().Str("service", serviceName).Int("backends", len(addrs)).Msg("[Watcher] Backends updated.")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// ============================================================================
// Handler
// ============================================================================

// LeaderResolver finds the broker that accepts writes.
type LeaderResolver interface {
	Resolve(ctx context.Context) (string, error)
	Invalidate()
}

type Gateway struct {
	store  *BackendsStore
	leader LeaderResolver

	mu      sync.Mutex
	proxies map[string]*Backend
}

func New(store *BackendsStore, leader LeaderResolver) *Gateway {
	return &Gateway{store: store, leader: leader, proxies: make(map[string]*Backend)}
}

// ServeHTTP sends every /sessions request to the leader and spreads the
// remaining GET and HEAD requests round-robin. A 503 from the leader drops
// the cached leader address.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isSessionPath(r.URL.Path) && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		backend := g.store.GetNext()
		if backend == nil {
			http.Error(w, "no broker available", http.StatusServiceUnavailable)
			return
		}
		log.Debug().Str("path", r.URL.Path).Str("backend", backend.URL.Host).Msg("[Gateway] Read routed.")
		backend.ReverseProxy.ServeHTTP(w, r)
		return
	}

	addr, err := g.leader.Resolve(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("[Gateway] No leader to route to.")
		http.Error(w, "no broker leader available", http.StatusServiceUnavailable)
		return
	}
	backend, err := g.leaderBackend(addr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Str("leader", addr).Msg("[Gateway] Routed to leader.")
	backend.ReverseProxy.ServeHTTP(w, r)
}

func isSessionPath(p string) bool {
	return p == "/sessions" || strings.HasPrefix(p, "/sessions/")
}

func (g *Gateway) leaderBackend(addr string) (*Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.proxies[addr]; ok {
		return b, nil
	}
	b, err := newBackend(addr)
	if err != nil {
		return nil, err
	}
	b.ReverseProxy.ModifyResponse = func(resp *http.Response) error {
		if resp.StatusCode == http.StatusServiceUnavailable {
			g.leader.Invalidate()
		}
		return nil
	}
	b.ReverseProxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.leader.Invalidate()
		log.Warn().Err(err).Str("leader", addr).Msg("[Gateway] Leader unreachable.")
		http.Error(w, "broker leader unreachable", http.StatusBadGateway)
	}
	g.proxies[addr] = b
	return b, nil
}
