// Package bootstrap loads the message bus route configuration: which message types are
// forwarded to which transport, and which transports feed messages back into the bus.
package bootstrap

import (
	"fmt"
	"strings"
)

// Transport names understood by the route loader.
const (
	TransportNATS  = "nats"
	TransportRedis = "redis"
	TransportLog   = "log"
)

// Route forwards messages matching Pattern to a transport.
// Target is the subject prefix (nats) or channel prefix (redis); empty uses the configured default.
type Route struct {
	Name      string `json:"name,omitempty" yaml:"name,omitempty"`
	Pattern   string `json:"pattern" yaml:"pattern"`
	Transport string `json:"transport" yaml:"transport"`
	Target    string `json:"target,omitempty" yaml:"target,omitempty"`
}

// Inbound subscribes to a transport and republishes what it receives into the bus.
type Inbound struct {
	Transport string `json:"transport" yaml:"transport"`
	Prefix    string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
}

// RouteConfig is the root route configuration.
type RouteConfig struct {
	Name    string    `json:"name" yaml:"name"`
	Version string    `json:"version" yaml:"version"`
	Routes  []Route   `json:"routes" yaml:"routes"`
	Inbound []Inbound `json:"inbound,omitempty" yaml:"inbound,omitempty"`
}

// Validate checks every route and inbound entry.
func (c *RouteConfig) Validate() error {
	names := make(map[string]bool, len(c.Routes))
	for i, r := range c.Routes {
		if strings.TrimSpace(r.Pattern) == "" {
			return fmt.Errorf("%s - route %d has no pattern", logPrefix, i)
		}
		if !knownTransport(r.Transport) {
			return fmt.Errorf("%s - route %d has unknown transport %q", logPrefix, i, r.Transport)
		}
		name := r.SubscriptionName()
		if names[name] {
			return fmt.Errorf("%s - duplicate route name %q", logPrefix, name)
		}
		names[name] = true
	}
	for i, in := range c.Inbound {
		if in.Transport != TransportNATS && in.Transport != TransportRedis {
			return fmt.Errorf("%s - inbound %d has unsupported transport %q", logPrefix, i, in.Transport)
		}
	}
	return nil
}

// SubscriptionName returns the route's name, defaulting to "<transport>:<pattern>".
func (r Route) SubscriptionName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Transport + ":" + r.Pattern
}

// Uses reports whether any route or inbound entry needs transport.
func (c *RouteConfig) Uses(transport string) bool {
	for _, r := range c.Routes {
		if r.Transport == transport {
			return true
		}
	}
	for _, in := range c.Inbound {
		if in.Transport == transport {
			return true
		}
	}
	return false
}

func knownTransport(t string) bool {
	switch t {
	case TransportNATS, TransportRedis, TransportLog:
		return true
	}
	return false
}
