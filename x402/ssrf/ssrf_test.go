package ssrf_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meterflow/meterflow/x402/ssrf"
)

type staticResolver struct {
	addrs []net.IPAddr
	err   error
}

func (r staticResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return r.addrs, r.err
}

func public() staticResolver {
	return staticResolver{addrs: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name      string
		url       string
		allowlist []string
		resolver  ssrf.Resolver
		wantValid bool
		reason    string
	}
	cases := []testCase{
		{name: "public_https", url: "https://api.example.com/v1", resolver: public(), wantValid: true},
		{name: "http_rejected", url: "http://api.example.com/v1", reason: "only https"},
		{name: "invalid_url", url: "https://%zz", reason: "invalid URL"},
		{name: "no_host", url: "https:///path", reason: "no host"},
		{name: "localhost", url: "https://localhost/admin", reason: "deny-listed"},
		{name: "loopback_ip", url: "https://127.0.0.1/", reason: "deny-listed"},
		{name: "metadata_endpoint", url: "https://169.254.169.254/latest/meta-data", reason: "deny-listed"},
		{name: "rfc1918_ip", url: "https://10.1.2.3/", reason: "blocked range"},
		{name: "cgnat_ip", url: "https://100.64.0.1/", reason: "blocked range"},
		{name: "ipv6_ula", url: "https://[fd00::1]/", reason: "blocked range"},
		{
			name:      "allowlist_match",
			url:       "https://api.example.com/v1",
			allowlist: []string{"example.com"},
			resolver:  public(),
			wantValid: true,
		},
		{
			name:      "allowlist_miss",
			url:       "https://api.other.com/v1",
			allowlist: []string{"example.com"},
			reason:    "allowlist",
		},
		{
			name:      "allowlist_rejects_suffix_spoof",
			url:       "https://evilexample.com/v1",
			allowlist: []string{"example.com"},
			reason:    "allowlist",
		},
		{
			name:     "dns_rebinding_into_private_range",
			url:      "https://rebind.example.com/",
			resolver: staticResolver{addrs: []net.IPAddr{{IP: net.ParseIP("192.168.1.10")}}},
			reason:   "resolves into a blocked range",
		},
		{
			name:      "resolution_failure_tolerated",
			url:       "https://cdn.example.com/",
			resolver:  staticResolver{err: assert.AnError},
			wantValid: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			result := ssrf.Validate(context.Background(), tc.url, tc.allowlist, tc.resolver)
			assert.Equal(t, tc.wantValid, result.Valid)
			if !tc.wantValid {
				assert.Contains(t, result.Reason, tc.reason)
			}
		})
	}
}
