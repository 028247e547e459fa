package cluster

import (
	"errors"
	"fmt"
	"math/rand"

	consul "github.com/hashicorp/consul/api"
)

var ErrNoInstance = errors.New("no healthy instance")

type DiscoveryMode int

const (
	ModeAnyHealthy DiscoveryMode = iota
	ModeLeader
	ModeSpecific
)

type DiscoveryOptions struct {
	Mode       DiscoveryMode
	SpecificID string
}

// DiscoverWithClient resolves serviceName to "host:port" through an existing client.
func DiscoverWithClient(client *consul.Client, serviceName string, opts DiscoveryOptions) (string, error) {
	switch opts.Mode {
	case ModeLeader:
		return discoverLeader(client, serviceName)
	case ModeSpecific:
		if opts.SpecificID == "" {
			return "", errors.New("ModeSpecific requires a SpecificID")
		}
		return discoverSpecific(client, serviceName, opts.SpecificID)
	default:
		return discoverAnyHealthy(client, serviceName)
	}
}

// LeaderKey is the KV key holding the node id of serviceName's leader.
func LeaderKey(serviceName string) string {
	return fmt.Sprintf(leaderKeyPrefix, serviceName)
}

func discoverLeader(client *consul.Client, serviceName string) (string, error) {
	kvPair, _, err := client.KV().Get(LeaderKey(serviceName), nil)
	if err != nil {
		return "", fmt.Errorf("read leader of %s: %w", serviceName, err)
	}
	if kvPair == nil || len(kvPair.Value) == 0 {
		return "", fmt.Errorf("%w: no leader elected for %s", ErrNoInstance, serviceName)
	}
	return discoverSpecific(client, serviceName, string(kvPair.Value))
}

func discoverSpecific(client *consul.Client, serviceName string, nodeID string) (string, error) {
	services, _, err := client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", serviceName, err)
	}
	for _, s := range services {
		if s.Service.Address == nodeID || s.Service.ID == nodeID {
			return fmt.Sprintf("%s:%d", s.Service.Address, s.Service.Port), nil
		}
	}
	return "", fmt.Errorf("%w: node %s of %s", ErrNoInstance, nodeID, serviceName)
}

func discoverAnyHealthy(client *consul.Client, serviceName string) (string, error) {
	services, _, err := client.Health().Service(serviceName, "", true, nil)
	if err != nil {
		return "", fmt.Errorf("query %s: %w", serviceName, err)
	}
	if len(services) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoInstance, serviceName)
	}
	s := services[rand.Intn(len(services))]
	addr := s.Service.Address
	if addr == "" {
		addr = s.Node.Address
	}
	return fmt.Sprintf("%s:%d", addr, s.Service.Port), nil
}
