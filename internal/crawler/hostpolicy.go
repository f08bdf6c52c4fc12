package crawler

import (
	"net/url"
	"strings"
	"sync"
)

// DefaultForbiddenThreshold is how many 401/403 answers block a host.
const DefaultForbiddenThreshold = 3

// HostPolicy decides which hosts the crawler may visit. Hosts match the
// configured patterns ("example.org" exactly, "*.example.org" or
// ".example.org" as a suffix) or get blocked at runtime after repeated
// forbidden responses.
type HostPolicy struct {
	exact     map[string]struct{}
	suffixes  []string
	threshold int

	mu        sync.Mutex
	forbidden map[string]int
}

// NewHostPolicy builds a policy from blocklist patterns. threshold <= 0
// uses DefaultForbiddenThreshold.
func NewHostPolicy(patterns []string, threshold int) *HostPolicy {
	if threshold <= 0 {
		threshold = DefaultForbiddenThreshold
	}
	p := &HostPolicy{
		exact:     make(map[string]struct{}),
		threshold: threshold,
		forbidden: make(map[string]int),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		switch {
		case value == "":
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	return p
}

func (p *HostPolicy) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// Allowed reports whether rawURL's host may be crawled. A nil policy allows
// everything.
func (p *HostPolicy) Allowed(rawURL string) bool {
	if p == nil {
		return true
	}
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return false
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return false
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forbidden[host] < p.threshold
}

// MarkForbidden counts a forbidden response from rawURL's host and reports
// whether the host is now blocked.
func (p *HostPolicy) MarkForbidden(rawURL string) bool {
	if p == nil {
		return false
	}
	host := hostOf(rawURL)
	if host == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.forbidden[host] < p.threshold {
		p.forbidden[host]++
	}
	return p.forbidden[host] >= p.threshold
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(parsed.Hostname())
}
