package discovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/mdns"
)

const ServiceType = "_padsync._tcp"

// Advertise announces a backbone on the local network.
func Advertise(instance string, port int) (*mdns.Server, error) {
	host, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("could not get hostname: %w", err)
	}

	service, err := mdns.NewMDNSService(host, ServiceType, "", "", port, nil, []string{"padsync", "instance=" + instance})
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, fmt.Errorf("failed to start mDNS server: %w", err)
	}
	return server, nil
}

// Lookup returns the host:port of every backbone that answers within
// timeout.
func Lookup(ctx context.Context, timeout time.Duration) ([]string, error) {
	entries := make(chan *mdns.ServiceEntry, 8)
	params := mdns.DefaultParams(ServiceType)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true

	var found []string
	done := make(chan struct{})
	go func() {
		defer close(done)
		seen := make(map[string]bool)
		for e := range entries {
			if addr, ok := Address(e); ok && !seen[addr] {
				seen[addr] = true
				found = append(found, addr)
			}
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- mdns.Query(params) }()

	select {
	case err := <-errc:
		close(entries)
		<-done
		return found, err
	case <-ctx.Done():
		go func() {
			<-errc
			close(entries)
		}()
		return nil, ctx.Err()
	}
}

// Address formats a discovered entry, skipping entries without an IPv4
// address or port.
func Address(e *mdns.ServiceEntry) (string, bool) {
	if e == nil || e.AddrV4 == nil || e.Port == 0 {
		return "", false
	}
	return fmt.Sprintf("%s:%d", e.AddrV4.String(), e.Port), true
}

// URL is the websocket endpoint of a discovered backbone.
func URL(addr string) string {
	return "ws://" + addr + "/ws"
}
