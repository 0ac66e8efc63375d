// Package ssrf validates outbound tool URLs before any request is made.
//
// The policy is deny-first: HTTPS only, a fixed hostname deny-list covering
// loopback and cloud metadata endpoints, CIDR checks for IP literals, an
// optional workspace allow-list, and a resolver check so a public hostname
// cannot smuggle a request into a private range through DNS. Total resolution
// failure is tolerated: CDNs and split-horizon DNS legitimately fail to
// resolve from the engine's vantage point.
package ssrf

import (
	"context"
	"net"
	"net/url"
	"strings"
)

// Result is the outcome of a URL validation.
type Result struct {
	Valid bool
	// Reason explains a rejection. Empty when valid.
	Reason string
}

// Resolver is the narrow DNS surface used by Validate, satisfied by
// *net.Resolver and by test fakes.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// deniedHosts are rejected regardless of resolution.
var deniedHosts = map[string]bool{
	"localhost":                true,
	"127.0.0.1":                true,
	"0.0.0.0":                  true,
	"169.254.169.254":          true, // EC2/GCE metadata
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"100.100.100.200":          true, // Alibaba metadata
	"192.0.0.192":              true, // Oracle metadata
}

// blockedCIDRs are the address ranges a tool URL may never reach, directly or
// through resolution.
var blockedCIDRs = mustParseCIDRs(
	"10.0.0.0/8",     // RFC 1918
	"172.16.0.0/12",  // RFC 1918
	"192.168.0.0/16", // RFC 1918
	"127.0.0.0/8",    // loopback
	"0.0.0.0/8",      // "this" network
	"169.254.0.0/16", // link-local
	"100.64.0.0/10",  // CGNAT
	"224.0.0.0/4",    // multicast
	"240.0.0.0/4",    // reserved
	"192.0.2.0/24",   // documentation
	"198.51.100.0/24",
	"203.0.113.0/24",
	"::1/128",       // IPv6 loopback
	"fc00::/7",      // ULA
	"fe80::/10",     // link-local
	"ff00::/8",      // multicast
	"2001:db8::/32", // documentation
	"::/128",        // unspecified
)

// Validate checks rawURL against the SSRF policy. The allowlist, when
// non-empty, restricts hostnames to exact or dot-suffix matches of its
// entries. A nil resolver uses net.DefaultResolver.
func Validate(ctx context.Context, rawURL string, allowlist []string, resolver Resolver) Result {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Result{Reason: "invalid URL"}
	}
	if u.Scheme != "https" {
		return Result{Reason: "only https URLs are allowed"}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Result{Reason: "URL has no host"}
	}
	if deniedHosts[host] {
		return Result{Reason: "host is deny-listed"}
	}
	ip := net.ParseIP(host)
	if ip != nil && blocked(ip) {
		return Result{Reason: "IP address is in a blocked range"}
	}
	if len(allowlist) > 0 && !allowed(host, allowlist) {
		return Result{Reason: "host is not on the workspace allowlist"}
	}

	if ip == nil {
		if resolver == nil {
			resolver = net.DefaultResolver
		}
		addrs, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			// Tolerated: dynamic DNS and CDNs may not resolve from here.
			return Result{Valid: true}
		}
		for _, a := range addrs {
			if blocked(a.IP) {
				return Result{Reason: "host resolves into a blocked range"}
			}
		}
	}
	return Result{Valid: true}
}

// allowed reports whether host equals an allowlist entry or is a dot-suffix
// subdomain of one.
func allowed(host string, allowlist []string) bool {
	for _, entry := range allowlist {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if host == entry || strings.HasSuffix(host, "."+entry) {
			return true
		}
	}
	return false
}

func blocked(ip net.IP) bool {
	for _, cidr := range blockedCIDRs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func mustParseCIDRs(specs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(specs))
	for _, s := range specs {
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
