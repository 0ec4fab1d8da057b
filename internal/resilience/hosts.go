package resilience

import (
	"net/url"
	"strings"
	"sync"
)

// Hosts hands out one [Breaker] per URL host, all sharing a [Config].
type Hosts struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewHosts creates an empty [Hosts].
func NewHosts(cfg Config) *Hosts {
	return &Hosts{
		cfg:      cfg.withDefaults(),
		breakers: make(map[string]*Breaker),
	}
}

// Do runs fn behind the breaker of rawURL's host. URLs without a host share
// the breaker of the empty name.
func (h *Hosts) Do(rawURL string, fn func() error) error {
	return h.Breaker(HostOf(rawURL)).Do(fn)
}

// Breaker returns the breaker of host, creating it on first use.
func (h *Hosts) Breaker(host string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.breakers[host]
	if !ok {
		b = NewBreaker(host, h.cfg)
		h.breakers[host] = b
	}
	return b
}

// Open returns the hosts whose breaker currently rejects calls.
func (h *Hosts) Open() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var open []string
	for host, b := range h.breakers {
		if b.State() == StateOpen {
			open = append(open, host)
		}
	}
	return open
}

// HostOf returns the lower-cased host name of rawURL, without port.
func HostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
