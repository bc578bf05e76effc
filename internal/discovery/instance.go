package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Instance is a protoswitch server found on the network.
type Instance struct {
	// Name is the mDNS instance name
	Name string

	// Hostname is the mDNS hostname (e.g., "bench.local.")
	Hostname string

	// IP is the address, IPv4 when the server announced one
	IP string

	// Port is the listening port
	Port int

	// Mode is the connection mode the server runs with
	Mode string

	// TLS reports whether the listener requires TLS
	TLS bool

	// Metadata contains all TXT record data
	Metadata map[string]string

	// DiscoveredAt is when the instance was discovered
	DiscoveredAt time.Time
}

// String returns a human-readable string representation of the instance
func (i *Instance) String() string {
	return fmt.Sprintf("protoswitch %s (%s, %s) at %s:%d", i.Name, i.Hostname, i.Mode, i.IP, i.Port)
}

// BaseURL returns the base URL of the server
func (i *Instance) BaseURL() string {
	scheme := "http"
	if i.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(i.IP, strconv.Itoa(i.Port)))
}

// GetMetadata retrieves a metadata value by key, or returns empty string if not found
func (i *Instance) GetMetadata(key string) string {
	if i.Metadata == nil {
		return ""
	}
	return i.Metadata[key]
}
