package x402

import (
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestParseRequirementDialectA(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()

	type testCase struct {
		name    string
		payload string
		want    PaymentRequirement
	}
	cases := []testCase{
		{
			name:    "object_with_amount",
			payload: `{"amount":"150","network":"eip155:8453","recipient":"0xSeller","asset":"USDC"}`,
			want: PaymentRequirement{
				Dialect:      DialectHeader,
				Scheme:       "exact",
				Network:      "eip155:8453",
				AmountAtomic: "150",
				Asset:        "USDC",
				Recipient:    "0xSeller",
			},
		},
		{
			name:    "aliases_and_short_network",
			payload: `{"maxAmountRequired":"99","networkId":"base-sepolia","payTo":"0xOther","scheme":"exact"}`,
			want: PaymentRequirement{
				Dialect:      DialectHeader,
				Scheme:       "exact",
				Network:      "eip155:84532",
				AmountAtomic: "99",
				Recipient:    "0xOther",
			},
		},
		{
			name:    "array_takes_first_entry",
			payload: `[{"amount":"1","network":"base"},{"amount":"2","network":"ethereum"}]`,
			want: PaymentRequirement{
				Dialect:      DialectHeader,
				Scheme:       "exact",
				Network:      "eip155:8453",
				AmountAtomic: "1",
			},
		},
		{
			name:    "unix_deadline",
			payload: `{"amount":"5","network":"base","deadline":1700000600}`,
			want: PaymentRequirement{
				Dialect:      DialectHeader,
				Scheme:       "exact",
				Network:      "eip155:8453",
				AmountAtomic: "5",
				Deadline:     time.Unix(1_700_000_600, 0).UTC(),
			},
		},
		{
			name:    "rfc3339_valid_until",
			payload: `{"amount":"5","network":"base","validUntil":"2026-01-02T03:04:05Z"}`,
			want: PaymentRequirement{
				Dialect:      DialectHeader,
				Scheme:       "exact",
				Network:      "eip155:8453",
				AmountAtomic: "5",
				Deadline:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			header := http.Header{}
			encoded := encode(tc.payload)
			header.Set("Payment-Required", encoded)
			got, err := ParseRequirement(header, nil, now)
			require.NoError(t, err)
			tc.want.Encoded = encoded
			assert.Equal(t, &tc.want, got)
		})
	}
}

func TestParseRequirementDialectB(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0).UTC()
	body := []byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"base","maxAmountRequired":"777","payTo":"0xSeller","asset":"0xUSDC","maxTimeoutSeconds":60}]}`)

	got, err := ParseRequirement(http.Header{}, body, now)
	require.NoError(t, err)
	assert.Equal(t, DialectBody, got.Dialect)
	assert.Equal(t, "eip155:8453", got.Network)
	assert.Equal(t, "777", got.AmountAtomic)
	assert.Equal(t, "0xSeller", got.Recipient)
	assert.Equal(t, now.Add(time.Minute), got.Deadline)
	assert.Equal(t, base64.StdEncoding.EncodeToString(body), got.Encoded)
}

func TestParseRequirementHeaderWinsOverBody(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Payment-Required", encode(`{"amount":"1","network":"base"}`))
	body := []byte(`{"x402Version":1,"accepts":[{"maxAmountRequired":"2","network":"base"}]}`)

	got, err := ParseRequirement(header, body, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, DialectHeader, got.Dialect)
	assert.Equal(t, "1", got.AmountAtomic)
}

func TestParseRequirementUnparseable(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name   string
		header string
		body   string
	}
	cases := []testCase{
		{name: "empty", body: ""},
		{name: "html_body", body: "<html>payment required</html>"},
		{name: "missing_amount_header", header: encode(`{"network":"base"}`)},
		{name: "wrong_version_body", body: `{"x402Version":2,"accepts":[{"maxAmountRequired":"1"}]}`},
		{name: "empty_accepts", body: `{"x402Version":1,"accepts":[]}`},
		{name: "header_not_base64_json", header: "!!not-base64!!"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			header := http.Header{}
			if tc.header != "" {
				header.Set("Payment-Required", tc.header)
			}
			_, err := ParseRequirement(header, []byte(tc.body), time.Now().UTC())
			var protoErr *ProtocolError
			require.ErrorAs(t, err, &protoErr)
		})
	}
}

func TestParseSettlement(t *testing.T) {
	t.Parallel()

	header := http.Header{}
	header.Set("Payment-Response", encode(`{"success":true,"txHash":"0xabc"}`))
	s, ok := parseSettlement(header, DialectHeader)
	require.True(t, ok)
	assert.True(t, s.Success)
	assert.Equal(t, "0xabc", s.TxHash)

	// Legacy dialect reads the X- header and the "transaction" alias, bare
	// JSON tolerated.
	header = http.Header{}
	header.Set("X-Payment-Response", `{"success":true,"transaction":"0xdef"}`)
	s, ok = parseSettlement(header, DialectBody)
	require.True(t, ok)
	assert.Equal(t, "0xdef", s.TxHash)

	_, ok = parseSettlement(http.Header{}, DialectHeader)
	assert.False(t, ok)
}

func TestNormalizeNetwork(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultNetwork, NormalizeNetwork(""))
	assert.Equal(t, "eip155:8453", NormalizeNetwork("base"))
	assert.Equal(t, "eip155:1", NormalizeNetwork("ethereum"))
	// CAIP-2 passes through, unknown short names too.
	assert.Equal(t, "eip155:84532", NormalizeNetwork("eip155:84532"))
	assert.Equal(t, "fantasy-chain", NormalizeNetwork("fantasy-chain"))
}

func TestSupportedNetwork(t *testing.T) {
	t.Parallel()

	assert.True(t, SupportedNetwork("eip155:8453"))
	assert.True(t, SupportedNetwork("eip155:84532"))
	assert.False(t, SupportedNetwork("eip155:137"))
	assert.False(t, SupportedNetwork("fantasy-chain"))

	addr, err := USDCContract("eip155:1")
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	_, err = USDCContract("eip155:999")
	assert.Error(t, err)
}
