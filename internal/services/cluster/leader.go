package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	consul "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

const (
	leaderKeyPrefix = "service/%s/leader"
	stateKeyPrefix  = "service/%s/state"
)

var ErrNotLeader = errors.New("only the leader can persist state")

// StatefulService is a service whose state follows leadership: the new
// leader restores it from Consul before OnBecomeLeader is called.
type StatefulService interface {
	GetState() any
	SetState(state []byte) error
	OnBecomeLeader()
	OnBecomeFollower()
}

type LeaderElector struct {
	client      *consul.Client
	nodeID      string
	serviceName string
	leaderKey   string
	stateKey    string
	retryDelay  time.Duration
	isLeader    atomic.Bool
}

// NewLeaderElector campaigns as nodeID. The value stored in the leader key is
// nodeID, so it should match the address the service registers with.
func NewLeaderElector(client *consul.Client, serviceName, nodeID string) *LeaderElector {
	return &LeaderElector{
		client:      client,
		nodeID:      nodeID,
		serviceName: serviceName,
		leaderKey:   fmt.Sprintf(leaderKeyPrefix, serviceName),
		stateKey:    fmt.Sprintf(stateKeyPrefix, serviceName),
		retryDelay:  10 * time.Second,
	}
}

func (e *LeaderElector) IsLeader() bool {
	return e.isLeader.Load()
}

// RunForLeadership campaigns until ctx is done, moving service between
// leader and follower as the lock is won and lost.
func (e *LeaderElector) RunForLeadership(ctx context.Context, service StatefulService) {
	for ctx.Err() == nil {
		log.Info().Str("service", e.serviceName).Msg("[Elector] Starting leadership campaign.")
		lock, lockLostCh, err := e.acquireLock(ctx)
		if err != nil || lockLostCh == nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("service", e.serviceName).Msg("[Elector] Failed to acquire lock, retrying.")
			e.isLeader.Store(false)
			service.OnBecomeFollower()
			select {
			case <-time.After(e.retryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		log.Info().Str("node", e.nodeID).Str("service", e.serviceName).Msg("[Elector] This node is now the LEADER.")
		e.isLeader.Store(true)
		e.restoreState(service)
		service.OnBecomeLeader()

		select {
		case <-lockLostCh:
			log.Warn().Str("service", e.serviceName).Msg("[Elector] Leadership lost. Becoming follower.")
		case <-ctx.Done():
			lock.Unlock()
		}
		e.isLeader.Store(false)
		service.OnBecomeFollower()
	}
}

func (e *LeaderElector) acquireLock(ctx context.Context) (*consul.Lock, <-chan struct{}, error) {
	lock, err := e.client.LockOpts(&consul.LockOptions{
		Key:        e.leaderKey,
		Value:      []byte(e.nodeID),
		SessionTTL: "15s",
	})
	if err != nil {
		return nil, nil, err
	}

	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(stopCh)
		case <-stopCh:
		}
	}()
	lostCh, err := lock.Lock(stopCh)
	return lock, lostCh, err
}

func (e *LeaderElector) restoreState(service StatefulService) {
	kvPair, _, err := e.client.KV().Get(e.stateKey, nil)
	if err != nil {
		log.Warn().Err(err).Str("service", e.serviceName).Msg("[Leader] Could not read state.")
		return
	}
	if kvPair == nil || len(kvPair.Value) == 0 {
		return
	}
	if err := service.SetState(kvPair.Value); err != nil {
		log.Error().Err(err).Str("service", e.serviceName).Msg("[Leader] Failed to restore state.")
		return
	}
	log.Info().Str("service", e.serviceName).Msg("[Leader] Restored state.")
}

// PersistState writes service.GetState() to the state key.
func (e *LeaderElector) PersistState(service StatefulService) error {
	if !e.IsLeader() {
		return ErrNotLeader
	}
	data, err := json.Marshal(service.GetState())
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if _, err := e.client.KV().Put(&consul.KVPair{Key: e.stateKey, Value: data}, nil); err != nil {
		return fmt.Errorf("failed to write state to Consul: %w", err)
	}
	log.Debug().Str("service", e.serviceName).Msg("[Leader] Persisted state.")
	return nil
}
