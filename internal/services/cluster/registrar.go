package cluster

import (
	"fmt"
	"os"

	consul "github.com/hashicorp/consul/api"
	"github.com/rs/zerolog/log"
)

// Registration describes one service instance.
type Registration struct {
	ServiceName string
	// Address is what other services dial, usually the advertised hostname.
	Address    string
	Port       int
	HealthPort int
	Tags       []string
}

// ServiceID derives a stable instance id from the service name and hostname.
func ServiceID(serviceName string) string {
	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return fmt.Sprintf("%s-%s", serviceName, hostname)
}

// RegisterService registers reg with an HTTP health check on /health and
// returns the service id.
func RegisterService(client *consul.Client, reg Registration) (string, error) {
	serviceID := ServiceID(reg.ServiceName)
	healthPort := reg.HealthPort
	if healthPort == 0 {
		healthPort = reg.Port
	}

	registration := &consul.AgentServiceRegistration{
		ID:      serviceID,
		Name:    reg.ServiceName,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", reg.Address, healthPort),
			Timeout:                        "5s",
			Interval:                       "10s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := client.Agent().ServiceRegister(registration); err != nil {
		return "", fmt.Errorf("register %s: %w", reg.ServiceName, err)
	}

	log.Info().Str("service", reg.ServiceName).Str("id", serviceID).Msg("[Registrar] Service registered in Consul.")
	return serviceID, nil
}

// DeregisterService removes a previously registered instance.
func DeregisterService(client *consul.Client, serviceID string) error {
	if err := client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("deregister %s: %w", serviceID, err)
	}
	log.Info().Str("id", serviceID).Msg("[Registrar] Service deregistered.")
	return nil
}
