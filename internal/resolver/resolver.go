// Package resolver looks up the IP address recorded with each stored page.
package resolver

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/selfsearch/internal/crawler"
)

// Unknown is recorded when a host cannot be resolved.
const Unknown = "unknown"

// LookupFunc matches (*net.Resolver).LookupNetIP.
type LookupFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

// Resolver implements crawler.Resolver with a per-call timeout.
type Resolver struct {
	lookup  LookupFunc
	timeout time.Duration
	logger  *zap.Logger
}

var _ crawler.Resolver = (*Resolver)(nil)

// New returns a Resolver backed by net.DefaultResolver. A nil lookup uses the
// system resolver.
func New(lookup LookupFunc, timeout time.Duration, logger *zap.Logger) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupNetIP
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{lookup: lookup, timeout: timeout, logger: logger.Named("resolver")}
}

// Resolve returns the first IPv4 address of rawURL's host, else the first
// address of any family, else Unknown.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return Unknown
	}
	host := u.Hostname()
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addrs, err := r.lookup(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		r.logger.Debug("host lookup failed", zap.String("host", host), zap.Error(err))
		return Unknown
	}
	for _, addr := range addrs {
		if addr.Unmap().Is4() {
			return addr.Unmap().String()
		}
	}
	return addrs[0].String()
}
