// Package discovery advertises an origin's HTTP API on the local network via
// mDNS, letting a desktop or mobile client on the same LAN find it without
// the relay. It is optional: origins with DISCOVERY_ENABLED=false simply
// never call Start.
package discovery

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

// Server wraps an mDNS responder advertising a cratebridge origin.
type Server struct {
	server *mdns.Server
}

// Start begins advertising an origin's API on the local network via mDNS.
// The service is registered as "_cratebridge._tcp" with a TXT record naming
// the deviceId so a scanning client can match it against a paired device.
func Start(port int, deviceID string) (*Server, error) {
	name := deviceID
	if name == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "cratebridge-origin"
		}
		name = h
	}

	service, err := mdns.NewMDNSService(
		name,
		"_cratebridge._tcp",
		"",
		"",
		port,
		nil,
		[]string{"deviceId=" + deviceID, "path=/api"},
	)
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("discovery: mdns server: %w", err)
	}

	slog.Info("discovery: advertising", "name", name, "service", "_cratebridge._tcp", "port", port)
	return &Server{server: server}, nil
}

// Shutdown stops the mDNS responder.
func (s *Server) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		slog.Info("discovery: stopped")
	}
}
