package resolver

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func staticLookup(addrs []netip.Addr, err error) LookupFunc {
	return func(context.Context, string, string) ([]netip.Addr, error) {
		return addrs, err
	}
}

func TestResolvePrefersIPv4(t *testing.T) {
	t.Parallel()

	r := New(staticLookup([]netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("192.0.2.7"),
	}, nil), time.Second, nil)

	require.Equal(t, "192.0.2.7", r.Resolve(context.Background(), "https://a.example/x"))
}

func TestResolveFallsBackToIPv6(t *testing.T) {
	t.Parallel()

	r := New(staticLookup([]netip.Addr{netip.MustParseAddr("2001:db8::1")}, nil), time.Second, nil)
	require.Equal(t, "2001:db8::1", r.Resolve(context.Background(), "https://a.example/x"))
}

func TestResolveUnknownOnFailure(t *testing.T) {
	t.Parallel()

	r := New(staticLookup(nil, errors.New("no such host")), time.Second, nil)
	require.Equal(t, Unknown, r.Resolve(context.Background(), "https://missing.example/"))
	require.Equal(t, Unknown, r.Resolve(context.Background(), "::not a url"))
}

func TestResolveLiteralAddress(t *testing.T) {
	t.Parallel()

	r := New(staticLookup(nil, errors.New("unused")), time.Second, nil)
	require.Equal(t, "127.0.0.1", r.Resolve(context.Background(), "http://127.0.0.1:8080/"))
}
