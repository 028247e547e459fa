package cluster

import (
	"fmt"
	"strings"

	consul "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

// NewConsulClient tries each address in a comma-separated list and returns a
// client for the first agent that can see a raft leader.
func NewConsulClient(addrs string) (*consul.Client, error) {
	client, _, err := connectFirst(addrs)
	return client, err
}

func connectFirst(addrs string) (*consul.Client, string, error) {
	for _, node := range strings.Split(addrs, ",") {
		node = strings.TrimSpace(node)
		if node == "" {
			continue
		}
		cfg := consul.DefaultConfig()
		cfg.Address = node

		client, err := consul.NewClient(cfg)
		if err != nil {
			log.Warn().Err(err).Str("node", node).Msg("[Consul] Could not create client.")
			continue
		}
		if _, err := client.Status().Leader(); err != nil {
			log.Warn().Err(err).Str("node", node).Msg("[Consul] Node failed leader check.")
			continue
		}
		return client, node, nil
	}
	return nil, "", fmt.Errorf("no Consul node available in %q", addrs)
}
