package cluster

import (
	"context"
	"errors"
	"time"
)

var ErrCacheStopped = errors.New("service cache stopped")

// DiscoverFunc resolves a service name to an address.
type DiscoverFunc func(serviceName string) (string, error)

type serviceCacheEntry struct {
	address    string
	expiration time.Time
}

type discoveryResult struct {
	address string
	err     error
}

// discoveryRequest is a message to the cache actor. An empty reply channel
// means "forget this service".
type discoveryRequest struct {
	serviceName string
	reply       chan<- discoveryResult
}

// ServiceCacheActor caches discovered addresses for ttl. A single goroutine
// owns the entries; callers talk to it through requestCh.
type ServiceCacheActor struct {
	entries  map[string]serviceCacheEntry
	ttl      time.Duration
	discover DiscoverFunc
	now      func() time.Time

	requestCh chan discoveryRequest
	done      chan struct{}
}

func NewServiceCacheActor(ctx context.Context, ttl time.Duration, discover DiscoverFunc) *ServiceCacheActor {
	sc := &ServiceCacheActor{
		entries:   make(map[string]serviceCacheEntry),
		ttl:       ttl,
		discover:  discover,
		now:       time.Now,
		requestCh: make(chan discoveryRequest),
		done:      make(chan struct{}),
	}
	go sc.run(ctx)
	return sc
}

func (sc *ServiceCacheActor) run(ctx context.Context) {
	defer close(sc.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-sc.requestCh:
			if req.reply == nil {
				delete(sc.entries, req.serviceName)
				continue
			}

			entry, found := sc.entries[req.serviceName]
			if found && sc.now().Before(entry.expiration) {
				req.reply <- discoveryResult{address: entry.address}
				continue
			}

			address, err := sc.discover(req.serviceName)
			if err == nil && address != "" {
				sc.entries[req.serviceName] = serviceCacheEntry{
					address:    address,
					expiration: sc.now().Add(sc.ttl),
				}
			}
			req.reply <- discoveryResult{address: address, err: err}
		}
	}
}

// Discover returns the cached address of serviceName, resolving it on a miss.
func (sc *ServiceCacheActor) Discover(ctx context.Context, serviceName string) (string, error) {
	replyCh := make(chan discoveryResult, 1)
	select {
	case sc.requestCh <- discoveryRequest{serviceName: serviceName, reply: replyCh}:
	case <-sc.done:
		return "", ErrCacheStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case res := <-replyCh:
		return res.address, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached address so the next Discover resolves again.
func (sc *ServiceCacheActor) Invalidate(serviceName string) {
	select {
	case sc.requestCh <- discoveryRequest{serviceName: serviceName}:
	case <-sc.done:
	}
}
