// Package discovery announces the admin API over mDNS/DNS-SD and browses
// for other thermometers on the network.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD type the admin API is announced under.
	ServiceType = "_http._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// InstancePrefix starts every announced instance name.
	InstancePrefix = "thermometer-"
)

// Logger is the subset of the application logger discovery needs.
type Logger interface {
	Info(msg string, context ...interface{})
	Warn(msg string, context ...interface{})
}

// Announcement describes the service being advertised.
type Announcement struct {
	DeviceID string
	Port     int
	Version  string
	Variant  string
}

// Instance is the DNS-SD instance name for the announcement.
func (a Announcement) Instance() string {
	return InstancePrefix + a.DeviceID
}

// Text returns the TXT records in a stable order.
func (a Announcement) Text() []string {
	txt := []string{"path=/", "id=" + a.DeviceID}
	if a.Version != "" {
		txt = append(txt, "version="+a.Version)
	}
	if a.Variant != "" {
		txt = append(txt, "variant="+a.Variant)
	}
	return txt
}

// register is swapped in tests.
var register = func(instance, service, domain string, port int, text []string) (shutdowner, error) {
	return zeroconf.Register(instance, service, domain, port, text, nil)
}

type shutdowner interface {
	Shutdown()
}

// Announce registers a and keeps it registered until ctx is done or the
// returned stop function is called.
func Announce(ctx context.Context, a Announcement, logger Logger) (func(), error) {
	server, err := register(a.Instance(), ServiceType, Domain, a.Port, a.Text())
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	logger.Info("mDNS announcement started", "instance", a.Instance(), "port", a.Port)

	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			server.Shutdown()
			logger.Info("mDNS announcement stopped", "instance", a.Instance())
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}

// Peer is a thermometer found by Browse.
type Peer struct {
	Instance string
	Host     string
	Port     int
	Addrs    []net.IP
	Text     []string
}

// Browse collects announced thermometers until ctx is done.
func Browse(ctx context.Context, logger Logger) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	var mu sync.Mutex
	found := make(map[string]Peer)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range entries {
			if !strings.HasPrefix(e.Instance, InstancePrefix) {
				continue
			}
			mu.Lock()
			found[e.Instance] = Peer{
				Instance: e.Instance,
				Host:     e.HostName,
				Port:     e.Port,
				Addrs:    append(append([]net.IP(nil), e.AddrIPv4...), e.AddrIPv6...),
				Text:     e.Text,
			}
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		logger.Warn("mDNS browse failed", "error", err)
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-ctx.Done()
	<-done

	mu.Lock()
	defer mu.Unlock()
	return sortedPeers(found), nil
}

func sortedPeers(found map[string]Peer) []Peer {
	peers := make([]Peer, 0, len(found))
	for _, p := range found {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Instance < peers[j].Instance })
	return peers
}
