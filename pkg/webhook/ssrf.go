/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package webhook

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"syscall"

	"github.com/jordigilh/medianaut/internal/errors"
)

// Guard validates webhook targets against server-side request forgery.
// It is applied twice: at admission, and again at send time through an
// address-checking dialer so a DNS rebind between the two cannot slip a
// private address through.
type Guard struct {
	resolver *net.Resolver
}

// NewGuard creates a guard using the default resolver.
func NewGuard() *Guard {
	return &Guard{resolver: net.DefaultResolver}
}

// ValidateURL checks the URL's shape and resolves its host, rejecting any
// address in a loopback, private, link-local, or otherwise reserved range.
func (g *Guard) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return forbidden("webhook URL must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return forbidden("webhook URL must use http or https")
	}
	host := u.Hostname()
	if host == "" {
		return forbidden("webhook URL has no host")
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if isForbiddenAddr(addr) {
			return forbidden("webhook host resolves to a restricted address")
		}
		return nil
	}

	ips, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(ips) == 0 {
		return forbidden("webhook host does not resolve")
	}
	for _, ip := range ips {
		if isForbiddenAddr(ip) {
			return forbidden("webhook host resolves to a restricted address")
		}
	}
	return nil
}

// Control is a dialer control hook that re-checks the connect address, so
// a host that re-resolved to a private range after admission is refused at
// the socket layer.
func (g *Guard) Control(_ string, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("webhook dial: %w", err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("webhook dial: unparseable address %q", host)
	}
	if isForbiddenAddr(addr) {
		return fmt.Errorf("webhook dial: restricted address %s", addr)
	}
	return nil
}

func isForbiddenAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified():
		return true
	}
	// Remaining reserved IPv4 ranges not covered by the stdlib predicates.
	if addr.Is4() {
		for _, cidr := range []string{
			"100.64.0.0/10",  // carrier-grade NAT
			"192.0.0.0/24",   // IETF protocol assignments
			"192.0.2.0/24",   // TEST-NET-1
			"198.18.0.0/15",  // benchmarking
			"198.51.100.0/24", // TEST-NET-2
			"203.0.113.0/24", // TEST-NET-3
			"240.0.0.0/4",    // reserved
		} {
			prefix := netip.MustParsePrefix(cidr)
			if prefix.Contains(addr) {
				return true
			}
		}
	}
	return false
}

func forbidden(msg string) error {
	return errors.NewValidationError(msg).WithCode(errors.CodeWebhookForbidden)
}
