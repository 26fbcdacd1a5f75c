// Package aggregator implements the Aggregator Classifier (spec §4.3): a
// pure predicate deciding whether a URL may root a new tree when visited
// without a referrer.
package aggregator

import (
	"net/url"
	"strings"
	"sync"
)

// Classifier holds the hub-hostname allow-list. Exact-match (ignoring
// trailing slash), per §4.3 — not a suffix or substring match.
type Classifier struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// New builds a Classifier from an initial hostname list. Hostnames are
// normalised to lowercase.
func New(hosts []string) *Classifier {
	c := &Classifier{hosts: make(map[string]struct{}, len(hosts))}
	c.SetHosts(hosts)
	return c
}

// SetHosts atomically replaces the hub hostname set. Safe to call
// concurrently with IsAggregator (e.g. from a config hot-reload watcher).
func (c *Classifier) SetHosts(hosts []string) {
	next := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		next[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	c.mu.Lock()
	c.hosts = next
	c.mu.Unlock()
}

// IsAggregator reports whether rawURL's host is a configured hub
// hostname. Malformed URLs are never aggregators (they fail open into
// "root a new tree", matching §4.4 step 2's fallback behavior for any
// URL the classifier cannot confidently judge).
func (c *Classifier) IsAggregator(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	host := strings.ToLower(u.Hostname())

	c.mu.RLock()
	_, ok := c.hosts[host]
	c.mu.RUnlock()
	return ok
}
