package cluster

import (
	"context"
	"sync"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

// ConsulManager keeps a working Consul client, failing over between the
// configured agents when the current one stops answering.
type ConsulManager struct {
	addrs       string
	interval    time.Duration
	currentAddr string
	client      *consul.Client
	mu          sync.RWMutex
	onReconnect []func()
}

// NewConsulManager connects to the first healthy agent and monitors it until ctx is done.
func NewConsulManager(ctx context.Context, addrs string) (*ConsulManager, error) {
	m := &ConsulManager{
		addrs:    addrs,
		interval: 10 * time.Second,
	}
	if err := m.reconnect(); err != nil {
		return nil, err
	}
	go m.monitor(ctx)
	return m, nil
}

// OnReconnect registers a callback run after every successful reconnection.
func (m *ConsulManager) OnReconnect(callback func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onReconnect = append(m.onReconnect, callback)
}

// GetClient returns the current client, nil while disconnected.
func (m *ConsulManager) GetClient() *consul.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// Addr is the agent currently in use.
func (m *ConsulManager) Addr() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentAddr
}

func (m *ConsulManager) reconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Info().Msg("[ConsulManager] Connecting to the Consul cluster...")
	m.client = nil

	client, node, err := connectFirst(m.addrs)
	if err != nil {
		return err
	}
	m.client = client
	m.currentAddr = node
	log.Info().Str("node", node).Msg("[ConsulManager] Connected.")

	for _, cb := range m.onReconnect {
		go cb()
	}
	return nil
}

func (m *ConsulManager) monitor(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		client := m.GetClient()
		if client == nil {
			m.reconnect()
			continue
		}
		if _, err := client.Status().Leader(); err != nil {
			log.Warn().Err(err).Str("node", m.Addr()).Msg("[ConsulManager] Health check failed, trying other nodes.")
			m.reconnect()
		}
	}
}
