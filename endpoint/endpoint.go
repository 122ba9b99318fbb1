// Package endpoint describes a cache server endpoint.
package endpoint

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// An Endpoint is the network address of one cache server. Endpoints are
// immutable values, compared by value, and usable as map keys.
type Endpoint struct {
	Host string // Network address of the server, without the port.
	Port int    // TCP port the server listens on.
}

// New returns an Endpoint for the given host and port.
func New(host string, port int) Endpoint {
	return Endpoint{Host: host, Port: port}
}

// Parse converts a "host:port" address into an Endpoint. The port may be a
// service name resolvable by net.LookupPort.
func Parse(addr string) (Endpoint, error) {
	host, portString, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to read endpoint address: %w", err)
	}
	port, err := net.LookupPort("tcp", portString)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint port: %w", err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// Addr returns the host:port form of e.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String returns the host:port form of e.
func (e Endpoint) String() string { return e.Addr() }

// MarshalJSON implements json.Marshaler.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	type endpointJSON struct {
		Host string `json:"host"`
		Port int    `json:"port"`
	}
	return json.Marshal(&endpointJSON{Host: e.Host, Port: e.Port})
}
