package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
)

// ErrPrivateAddress is returned when a dial targets a non-public address.
var ErrPrivateAddress = errors.New("connection to non-public address refused")

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// denyPrivate runs after DNS resolution, so redirects and rebinding are covered.
func denyPrivate(_ context.Context, _, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	if !IsPublic(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

// IsPublic reports whether addr is routable on the public internet.
func IsPublic(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}
