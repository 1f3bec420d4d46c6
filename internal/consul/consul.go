package consul

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"

	consulapi "github.com/hashicorp/consul/api"
)

func NewClient(addr string) (*consulapi.Client, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating consul client: %w", err)
	}
	return client, nil
}

// RegisterService registers this instance with a gRPC health check against grpcPort and
// returns the service id to deregister with.
func RegisterService(client *consulapi.Client, name, host string, httpPort, grpcPort int) (string, error) {
	id := fmt.Sprintf("%s-%s-%d", name, host, httpPort)
	reg := &consulapi.AgentServiceRegistration{
		ID:      id,
		Name:    name,
		Address: host,
		Port:    httpPort,
		Check: &consulapi.AgentServiceCheck{
			GRPC:                           net.JoinHostPort(host, strconv.Itoa(grpcPort)),
			Interval:                       "10s",
			Timeout:                        "2s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := client.Agent().ServiceRegister(reg); err != nil {
		return "", fmt.Errorf("registering %s with consul: %w", name, err)
	}
	return id, nil
}

func Deregister(client *consulapi.Client, id string) error {
	if err := client.Agent().ServiceDeregister(id); err != nil {
		return fmt.Errorf("deregistering %s: %w", id, err)
	}
	return nil
}

// GetServiceAddress picks one passing instance of service and returns its base URL.
func GetServiceAddress(ctx context.Context, client *consulapi.Client, service string) (string, error) {
	entries, _, err := client.Health().Service(service, "", true, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("querying consul for %s: %w", service, err)
	}
	if len(entries) == 0 {
		return "", errors.New("no healthy instances of " + service)
	}

	e := entries[rand.Intn(len(entries))]
	host := e.Service.Address
	if host == "" {
		host = e.Node.Address
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(e.Service.Port)), nil
}
