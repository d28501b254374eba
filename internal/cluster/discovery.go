package cluster

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/sakuffo/slotctl/internal/config"
	"github.com/sakuffo/slotctl/internal/logger"
)

// Sighting is a topology node seen announcing itself over mDNS.
type Sighting struct {
	Node      Node
	Instance  string
	HostName  string
	Addresses []net.IP
	Port      int
}

// DiscoveryResult compares mDNS announcements with the topology.
type DiscoveryResult struct {
	// Found holds one sighting per announced node, in topology order.
	Found []Sighting
	// Missing holds the nodes nothing was heard from.
	Missing []Node
	// Unknown holds announced host names that match no node.
	Unknown []string
}

// Discover browses mDNS for cfg.Service until cfg.Timeout passes or ctx
// ends, and matches the announcing hosts against the topology by
// hostname. It is a wiring check: a node that is off or not announcing
// simply shows up as missing.
func (c *Cluster) Discover(ctx context.Context, cfg config.DiscoveryConfig, log logger.Logger) (*DiscoveryResult, error) {
	log.Info("Browsing mDNS for %s in %s for %v", cfg.Service, cfg.Domain, cfg.Timeout)

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	m := newSightingMatcher(c, cfg.Domain, log)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					return
				}
				m.handleDiscoveredNode(entry)
			case <-ctx.Done():
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	<-ctx.Done()
	wg.Wait()

	return m.result(), nil
}

// sightingMatcher accumulates mDNS entries for one browse.
type sightingMatcher struct {
	cluster *Cluster
	domain  string
	logger  logger.Logger

	mutex   sync.Mutex
	found   map[int]*Sighting
	unknown map[string]bool
}

func newSightingMatcher(c *Cluster, domain string, log logger.Logger) *sightingMatcher {
	return &sightingMatcher{
		cluster: c,
		domain:  domain,
		logger:  log,
		found:   make(map[int]*Sighting),
		unknown: make(map[string]bool),
	}
}

func (m *sightingMatcher) handleDiscoveredNode(entry *zeroconf.ServiceEntry) {
	host := shortHostName(entry.HostName, m.domain)
	if host == "" {
		host = entry.Instance
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	node, ok := m.lookup(host)
	if !ok {
		if !m.unknown[host] {
			m.logger.Debug("Announcement from %s (%v) matches no slot", host, entry.AddrIPv4)
		}
		m.unknown[host] = true
		return
	}

	if existing, seen := m.found[node.Slot]; seen {
		existing.Addresses = appendUnique(existing.Addresses, entry.AddrIPv4...)
		return
	}

	m.logger.Info("Slot %d (%s) announced at %v", node.Slot, node.Hostname, entry.AddrIPv4)
	m.found[node.Slot] = &Sighting{
		Node:      node,
		Instance:  entry.Instance,
		HostName:  entry.HostName,
		Addresses: appendUnique(nil, entry.AddrIPv4...),
		Port:      entry.Port,
	}
}

func (m *sightingMatcher) lookup(host string) (Node, bool) {
	for _, n := range m.cluster.nodes {
		if strings.EqualFold(n.Hostname, host) {
			return n, true
		}
	}
	return Node{}, false
}

func (m *sightingMatcher) result() *DiscoveryResult {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	res := &DiscoveryResult{}
	for _, n := range m.cluster.nodes {
		if s, ok := m.found[n.Slot]; ok {
			res.Found = append(res.Found, *s)
		} else {
			res.Missing = append(res.Missing, n)
		}
	}
	for host := range m.unknown {
		res.Unknown = append(res.Unknown, host)
	}
	sort.Strings(res.Unknown)
	return res
}

// shortHostName strips the mDNS domain from an announced host name:
// "cm4-0.local." becomes "cm4-0".
func shortHostName(hostName, domain string) string {
	h := strings.TrimSuffix(hostName, ".")
	d := strings.Trim(domain, ".")
	if d != "" {
		h = strings.TrimSuffix(h, "."+d)
	}
	return h
}

func appendUnique(dst []net.IP, ips ...net.IP) []net.IP {
	for _, ip := range ips {
		dup := false
		for _, have := range dst {
			if have.Equal(ip) {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, ip)
		}
	}
	return dst
}
