package x402_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/run"
	"github.com/meterflow/meterflow/features/store/memory"
	walletlocal "github.com/meterflow/meterflow/features/wallet/local"
	"github.com/meterflow/meterflow/x402"
)

const toolURL = "https://tool.example.com/v1/search"

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type publicResolver struct{}

func (publicResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
}

func httpResponse(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}
}

type env struct {
	client   *x402.Client
	runs     *memory.RunStore
	receipts *memory.ReceiptStore
	events   *memory.EventLog
}

func newEnv(t *testing.T, transport http.RoundTripper, balance *big.Int) *env {
	t.Helper()

	runs := memory.NewRunStore()
	receipts := memory.NewReceiptStore()
	events := memory.NewEventLog()
	now := time.Now().UTC()
	require.NoError(t, runs.Create(context.Background(), &run.Run{
		ID:          "run-1",
		WorkspaceID: "ws-1",
		Status:      run.StatusRunning,
		Budget:      run.Budget{Asset: "USDC", Network: "eip155:84532", MaxAtomic: "100000", SpentAtomic: "0"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	wallet, err := walletlocal.New(walletlocal.Options{
		Address:       "0xBuyer",
		Secret:        []byte("secret"),
		BalanceAtomic: balance,
	})
	require.NoError(t, err)
	client, err := x402.New(x402.ClientOptions{
		HTTPClient: &http.Client{Transport: transport},
		Wallet:     wallet,
		Events:     events,
		Ledger:     budget.NewLedger(runs, receipts, nil),
		Resolver:   publicResolver{},
	})
	require.NoError(t, err)
	return &env{client: client, runs: runs, receipts: receipts, events: events}
}

func callOptions() x402.Options {
	return x402.Options{
		MaxPaymentAtomic: "1000",
		PaymentAllowed:   true,
		RunID:            "run-1",
		StepID:           "step-1",
		WorkspaceID:      "ws-1",
		ToolID:           "tool-1",
		Attempt:          1,
	}
}

func requirementHeader(t *testing.T, fields map[string]any) http.Header {
	t.Helper()
	raw, err := json.Marshal(fields)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Payment-Required", base64.StdEncoding.EncodeToString(raw))
	return header
}

func (e *env) eventTypes(t *testing.T) []event.Type {
	t.Helper()
	events, err := e.events.Since(context.Background(), "run-1", time.Time{})
	require.NoError(t, err)
	types := make([]event.Type, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	return types
}

func TestFetchPassthrough(t *testing.T) {
	t.Parallel()

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodGet, req.Method)
		return httpResponse(http.StatusOK, `{"free": true}`, nil), nil
	})
	e := newEnv(t, transport, nil)

	res, err := e.client.Fetch(context.Background(), toolURL, x402.Request{Method: http.MethodGet}, callOptions())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.False(t, res.Paid)
	assert.Nil(t, res.Receipt)
	assert.Empty(t, e.eventTypes(t))
}

func TestFetchSSRFRejection(t *testing.T) {
	t.Parallel()

	e := newEnv(t, roundTripFunc(func(*http.Request) (*http.Response, error) {
		t.Error("no request may leave the process")
		return nil, nil
	}), nil)

	_, err := e.client.Fetch(context.Background(), "http://169.254.169.254/latest", x402.Request{}, callOptions())
	var policyErr *x402.PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Contains(t, policyErr.Reason, "ssrf:")
}

func TestFetchPolicyRejections(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name    string
		fields  map[string]any
		opts    func(o x402.Options) x402.Options
		balance *big.Int
		reason  string
	}
	cases := []testCase{
		{
			name:   "payment_not_allowed",
			fields: map[string]any{"amount": "100", "network": "base-sepolia"},
			opts: func(o x402.Options) x402.Options {
				o.PaymentAllowed = false
				return o
			},
			reason: "not allowed",
		},
		{
			name:   "amount_over_cap",
			fields: map[string]any{"amount": "5000", "network": "base-sepolia"},
			opts:   func(o x402.Options) x402.Options { return o },
			reason: "exceeds payment cap",
		},
		{
			name:   "unsupported_network",
			fields: map[string]any{"amount": "100", "network": "solana"},
			opts:   func(o x402.Options) x402.Options { return o },
			reason: "unsupported network",
		},
		{
			name:    "insufficient_balance",
			fields:  map[string]any{"amount": "100", "network": "base-sepolia"},
			opts:    func(o x402.Options) x402.Options { return o },
			balance: big.NewInt(5),
			reason:  "insufficient wallet balance",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
				require.Empty(t, req.Header.Get("PAYMENT-SIGNATURE"), "no payment may be sent")
				return httpResponse(http.StatusPaymentRequired, "", requirementHeader(t, tc.fields)), nil
			})
			e := newEnv(t, transport, tc.balance)

			_, err := e.client.Fetch(context.Background(), toolURL, x402.Request{}, tc.opts(callOptions()))
			var policyErr *x402.PolicyError
			require.ErrorAs(t, err, &policyErr)
			assert.Contains(t, policyErr.Reason, tc.reason)

			types := e.eventTypes(t)
			assert.Contains(t, types, event.TypePaymentRequired)
			assert.Contains(t, types, event.TypePaymentFailed)
			assert.NotContains(t, types, event.TypePaymentSent)

			// A refused payment leaves no receipt.
			receipts, err := e.receipts.ListByRun(context.Background(), "run-1")
			require.NoError(t, err)
			assert.Empty(t, receipts)
		})
	}
}

func TestFetchHeaderDialectHandshake(t *testing.T) {
	t.Parallel()

	settlement := base64.StdEncoding.EncodeToString([]byte(`{"success":true,"txHash":"0xfeed"}`))
	var signature string
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("PAYMENT-SIGNATURE") == "" {
			return httpResponse(http.StatusPaymentRequired, "", requirementHeader(t, map[string]any{
				"amount":    "300",
				"network":   "base-sepolia",
				"recipient": "0xSeller",
			})), nil
		}
		signature = req.Header.Get("PAYMENT-SIGNATURE")
		assert.Equal(t, receipt.LookupKey("run-1", "step-1", 1), req.Header.Get("Idempotency-Key"))
		header := http.Header{}
		header.Set("Payment-Response", settlement)
		return httpResponse(http.StatusOK, `{"data": "paid"}`, header), nil
	})
	e := newEnv(t, transport, nil)

	res, err := e.client.Fetch(context.Background(), toolURL, x402.Request{Body: []byte(`{}`)}, callOptions())
	require.NoError(t, err)
	assert.True(t, res.Paid)
	require.NotNil(t, res.Receipt)
	assert.Equal(t, "300", res.Receipt.AmountAtomic)
	assert.Equal(t, "0xfeed", res.Receipt.TxHash)

	// The signature is the wallet payload, base64 over the wire.
	raw, err := base64.StdEncoding.DecodeString(signature)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "0xBuyer", payload["address"])
	assert.Equal(t, "300", payload["amount"])

	receipts, err := e.receipts.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, receipt.StatusSettled, receipts[0].Status)
	assert.Equal(t, receipt.LookupKey("run-1", "step-1", 1), receipts[0].LookupKey)
	assert.NotEmpty(t, receipts[0].PaymentRequiredEncoded)
	assert.Equal(t, settlement, receipts[0].PaymentResponseEncoded)

	types := e.eventTypes(t)
	assert.Equal(t, []event.Type{event.TypePaymentRequired, event.TypePaymentSent, event.TypePaymentConfirmed}, types)
}

func TestFetchPaidRequestRejected(t *testing.T) {
	t.Parallel()

	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("PAYMENT-SIGNATURE") == "" {
			return httpResponse(http.StatusPaymentRequired, "", requirementHeader(t, map[string]any{
				"amount":  "300",
				"network": "base-sepolia",
			})), nil
		}
		return httpResponse(http.StatusInternalServerError, "settlement backend down", nil), nil
	})
	e := newEnv(t, transport, nil)

	_, err := e.client.Fetch(context.Background(), toolURL, x402.Request{}, callOptions())
	var httpErr *x402.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)

	// The attempt is durable either way.
	receipts, err := e.receipts.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, receipt.StatusRejected, receipts[0].Status)
	assert.Contains(t, e.eventTypes(t), event.TypePaymentFailed)
}

func TestFetchSettlementFailureOn200(t *testing.T) {
	t.Parallel()

	// A 200 reply whose settlement record reports failure without a tx hash
	// is a rejected payment.
	settlement := base64.StdEncoding.EncodeToString([]byte(`{"success":false}`))
	transport := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("PAYMENT-SIGNATURE") == "" {
			return httpResponse(http.StatusPaymentRequired, "", requirementHeader(t, map[string]any{
				"amount":  "300",
				"network": "base-sepolia",
			})), nil
		}
		header := http.Header{}
		header.Set("Payment-Response", settlement)
		return httpResponse(http.StatusOK, "", header), nil
	})
	e := newEnv(t, transport, nil)

	_, err := e.client.Fetch(context.Background(), toolURL, x402.Request{}, callOptions())
	var httpErr *x402.HTTPError
	require.ErrorAs(t, err, &httpErr)

	receipts, err := e.receipts.ListByRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	assert.Equal(t, receipt.StatusRejected, receipts[0].Status)
}

func TestFetchUnparseable402(t *testing.T) {
	t.Parallel()

	transport := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return httpResponse(http.StatusPaymentRequired, "<html>pay me</html>", nil), nil
	})
	e := newEnv(t, transport, nil)

	_, err := e.client.Fetch(context.Background(), toolURL, x402.Request{}, callOptions())
	var protoErr *x402.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Contains(t, protoErr.BodyPrefix, "pay me")
}
