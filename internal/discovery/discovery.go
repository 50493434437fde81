// Package discovery advertises the server on the local network so clients
// can find it without manual configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hashicorp/mdns"
)

const serviceType = "_aria._tcp"

// Responder is a running mDNS advertisement for this server instance.
type Responder struct {
	srv *mdns.Server
}

// Start advertises the HTTP API port under serviceType. instance names
// this server on the LAN; when empty the hostname is used.
func Start(port int, instance string) (*Responder, error) {
	if instance == "" {
		h, err := os.Hostname()
		if err != nil {
			h = "aria"
		}
		instance = h
	}

	zone, err := mdns.NewMDNSService(instance, serviceType, "", "", port, nil,
		[]string{"path=/", "api=ver"})
	if err != nil {
		return nil, fmt.Errorf("mdns service: %w", err)
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return nil, fmt.Errorf("mdns server: %w", err)
	}
	slog.Info("mdns advertising", "instance", instance, "service", serviceType, "port", port)
	return &Responder{srv: srv}, nil
}

// Shutdown stops the responder.
func (r *Responder) Shutdown() {
	if r.srv != nil {
		r.srv.Shutdown()
		slog.Info("mdns stopped")
	}
}
