// Package x402 implements the client side of the HTTP 402 micropayment
// handshake that wraps outbound pay-per-call tool requests.
//
// The flow is: SSRF gate, initial request with redirects refused, payment
// requirement detection across the two observed wire dialects, policy and
// balance checks, a signed retry carrying the payment, settlement parsing and
// a durable receipt. Every transition appends to the run event log so a
// payment is auditable end to end. Side effects are at-least-once: a worker
// that stalls past its lease after paying can pay again, which surfaces as
// two receipts sharing a lookup key.
package x402

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/meterflow/meterflow/engine/budget"
	"github.com/meterflow/meterflow/engine/event"
	"github.com/meterflow/meterflow/engine/receipt"
	"github.com/meterflow/meterflow/engine/telemetry"
	"github.com/meterflow/meterflow/x402/ssrf"
)

// maxResponseBytes bounds how much of a tool response is read into memory.
const maxResponseBytes = 4 << 20

type (
	// Client performs 402-aware outbound HTTP requests.
	Client struct {
		http     *http.Client
		wallet   Wallet
		events   event.Log
		ledger   *budget.Ledger
		resolver ssrf.Resolver
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// ClientOptions configures New.
	ClientOptions struct {
		// HTTPClient is the transport used for both the initial and the paid
		// request. Redirect following is disabled regardless of its
		// CheckRedirect: redirect targets must be revalidated upstream.
		HTTPClient *http.Client
		// Wallet signs payments and reports balances. Required.
		Wallet Wallet
		// Events receives the handshake audit events. Required.
		Events event.Log
		// Ledger persists receipts. Required.
		Ledger *budget.Ledger
		// Resolver overrides DNS resolution in the SSRF gate (tests).
		Resolver ssrf.Resolver
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Now overrides the clock (tests).
		Now func() time.Time
	}

	// Request describes the outbound call.
	Request struct {
		Method string
		// Body is sent verbatim. Nil means no body.
		Body []byte
		// Header entries are added to the request. Content-Type defaults to
		// application/json when a body is present.
		Header http.Header
	}

	// Options carries the per-call payment policy and identity of the
	// calling step.
	Options struct {
		// MaxPaymentAtomic caps a single payment (decimal atomic units).
		MaxPaymentAtomic string
		// PaymentAllowed permits settling a 402. When false a 402 response is
		// a policy rejection.
		PaymentAllowed bool
		RunID          string
		StepID         string
		WorkspaceID    string
		ToolID         string
		// Attempt is the step's claim counter, folded into the receipt
		// lookup key and the Idempotency-Key header.
		Attempt int
		// Allowlist restricts outbound hosts (workspace setting).
		Allowlist []string
		// Timeout bounds each individual HTTP exchange.
		Timeout time.Duration
	}

	// Result is the outcome of a Fetch.
	Result struct {
		StatusCode int
		Header     http.Header
		Body       []byte
		// Paid reports whether a payment was settled for this call.
		Paid bool
		// Receipt summarizes the settled payment, nil when unpaid.
		Receipt *ReceiptInfo
	}

	// ReceiptInfo is the caller-facing summary of a persisted receipt.
	ReceiptInfo struct {
		ID           string
		AmountAtomic string
		TxHash       string
	}
)

// New constructs a 402-aware HTTP client.
func New(opts ClientOptions) (*Client, error) {
	if opts.Wallet == nil {
		return nil, errors.New("wallet is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event log is required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	// Copy so the redirect policy cannot be shared away.
	c := *hc
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return errors.New("redirects are not followed")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Client{
		http:     &c,
		wallet:   opts.Wallet,
		events:   opts.Events,
		ledger:   opts.Ledger,
		resolver: opts.Resolver,
		logger:   logger,
		metrics:  metrics,
		now:      now,
	}, nil
}

// Fetch performs the 402-aware request. Non-402 responses return immediately
// with Paid=false. A 402 triggers the handshake when opts.PaymentAllowed and
// policy admits the demanded amount; otherwise the call fails with a
// *PolicyError. Protocol violations fail with a *ProtocolError.
func (c *Client) Fetch(ctx context.Context, url string, req Request, opts Options) (*Result, error) {
	if verdict := ssrf.Validate(ctx, url, opts.Allowlist, c.resolver); !verdict.Valid {
		return nil, &PolicyError{Reason: "ssrf: " + verdict.Reason}
	}

	resp, body, err := c.do(ctx, url, req, opts.Timeout, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return &Result{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
	}

	requirement, err := ParseRequirement(resp.Header, body, c.now())
	if err != nil {
		return nil, err
	}
	c.appendEvent(ctx, opts, event.TypePaymentRequired, map[string]any{
		"amountAtomic": requirement.AmountAtomic,
		"network":      requirement.Network,
		"recipient":    requirement.Recipient,
		"dialect":      requirement.Dialect,
		"toolId":       opts.ToolID,
	})

	if !opts.PaymentAllowed {
		c.failPayment(ctx, opts, requirement, "payment not allowed for this step")
		return nil, &PolicyError{Reason: "payment not allowed for this step"}
	}
	amount, err := budget.ParseAtomic(requirement.AmountAtomic)
	if err != nil {
		c.failPayment(ctx, opts, requirement, "unparseable payment amount")
		return nil, &ProtocolError{Headers: resp.Header.Clone(), BodyPrefix: requirement.AmountAtomic}
	}
	maxPayment, err := budget.ParseAtomic(opts.MaxPaymentAtomic)
	if err != nil {
		return nil, fmt.Errorf("max payment: %w", err)
	}
	if amount.Cmp(maxPayment) > 0 {
		c.failPayment(ctx, opts, requirement, "amount exceeds payment cap")
		return nil, &PolicyError{Reason: fmt.Sprintf("amount %s exceeds payment cap %s", requirement.AmountAtomic, opts.MaxPaymentAtomic)}
	}
	if !SupportedNetwork(requirement.Network) {
		c.failPayment(ctx, opts, requirement, "unsupported network")
		return nil, &PolicyError{Reason: "unsupported network " + requirement.Network}
	}

	balance, err := c.wallet.Balance(ctx, requirement.Network)
	if err != nil {
		return nil, fmt.Errorf("wallet balance on %s: %w", requirement.Network, err)
	}
	if balance.Cmp(amount) < 0 {
		c.failPayment(ctx, opts, requirement, "insufficient wallet balance")
		return nil, &PolicyError{Reason: "insufficient wallet balance"}
	}

	return c.pay(ctx, url, req, opts, requirement, amount)
}

// pay signs the requirement, re-issues the request with the payment attached
// and settles the outcome into a receipt plus events.
func (c *Client) pay(ctx context.Context, url string, req Request, opts Options, requirement *PaymentRequirement, amount *big.Int) (*Result, error) {
	c.appendEvent(ctx, opts, event.TypePaymentSent, map[string]any{
		"amountAtomic": requirement.AmountAtomic,
		"network":      requirement.Network,
		"toolId":       opts.ToolID,
	})

	signature, err := c.wallet.Sign(ctx, requirement)
	if err != nil {
		c.failPayment(ctx, opts, requirement, "signing failed")
		return nil, fmt.Errorf("sign payment: %w", err)
	}
	encodedSig := base64.StdEncoding.EncodeToString(signature)
	lookupKey := receipt.LookupKey(opts.RunID, opts.StepID, opts.Attempt)

	payment := http.Header{}
	if requirement.Dialect == DialectBody {
		payment.Set(headerXPayment, encodedSig)
	} else {
		payment.Set(headerPaymentSignature, encodedSig)
	}
	payment.Set(headerIdempotencyKey, lookupKey)

	resp, body, err := c.do(ctx, url, req, opts.Timeout, payment)
	if err != nil {
		c.failPayment(ctx, opts, requirement, "paid request failed: "+err.Error())
		return nil, fmt.Errorf("paid request: %w", err)
	}

	settled, ok := parseSettlement(resp.Header, requirement.Dialect)
	succeeded := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && !settled.Success && settled.TxHash == "" {
		succeeded = false
	}
	status := receipt.StatusSettled
	if !succeeded {
		status = receipt.StatusRejected
	}

	rec := &receipt.Receipt{
		RunID:                   opts.RunID,
		StepID:                  opts.StepID,
		ToolID:                  opts.ToolID,
		Network:                 requirement.Network,
		Asset:                   "USDC",
		AmountAtomic:            requirement.AmountAtomic,
		PaymentRequiredEncoded:  requirement.Encoded,
		PaymentSignatureEncoded: encodedSig,
		PaymentResponseEncoded:  rawSettlementHeader(resp.Header, requirement.Dialect),
		TxHash:                  settled.TxHash,
		LookupKey:               lookupKey,
		Status:                  status,
		CreatedAt:               c.now(),
	}
	if err := c.ledger.RecordReceipt(ctx, rec); err != nil {
		c.logger.Error(ctx, "record receipt", "run_id", opts.RunID, "step_id", opts.StepID, "err", err)
	}

	if !succeeded {
		c.appendEvent(ctx, opts, event.TypePaymentFailed, map[string]any{
			"amountAtomic": requirement.AmountAtomic,
			"network":      requirement.Network,
			"status":       resp.StatusCode,
			"receiptId":    rec.ID,
		})
		c.metrics.IncCounter(telemetry.MetricPayments, 1, "outcome", "rejected")
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: bodyPrefix(body)}
	}

	c.appendEvent(ctx, opts, event.TypePaymentConfirmed, map[string]any{
		"amountAtomic": requirement.AmountAtomic,
		"network":      requirement.Network,
		"txHash":       settled.TxHash,
		"receiptId":    rec.ID,
	})
	c.metrics.IncCounter(telemetry.MetricPayments, 1, "outcome", "settled")
	amountF, _ := new(big.Float).SetInt(amount).Float64()
	c.metrics.RecordGauge(telemetry.MetricPaymentAmount, amountF)

	return &Result{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		Paid:       true,
		Receipt: &ReceiptInfo{
			ID:           rec.ID,
			AmountAtomic: rec.AmountAtomic,
			TxHash:       rec.TxHash,
		},
	}, nil
}

// do performs one HTTP exchange with the response body fully read.
func (c *Client) do(ctx context.Context, url string, req Request, timeout time.Duration, extra http.Header) (*http.Response, []byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range extra {
		for _, v := range vs {
			httpReq.Header.Set(k, v)
		}
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, data, nil
}

// failPayment appends a PAYMENT_FAILED event; it never fails the caller.
func (c *Client) failPayment(ctx context.Context, opts Options, requirement *PaymentRequirement, reason string) {
	c.appendEvent(ctx, opts, event.TypePaymentFailed, map[string]any{
		"amountAtomic": requirement.AmountAtomic,
		"network":      requirement.Network,
		"reason":       reason,
	})
	c.metrics.IncCounter(telemetry.MetricPayments, 1, "outcome", "failed")
}

func (c *Client) appendEvent(ctx context.Context, opts Options, typ event.Type, payload map[string]any) {
	if err := c.events.Append(ctx, event.New(opts.RunID, opts.WorkspaceID, typ, payload)); err != nil {
		c.logger.Error(ctx, "append payment event", "run_id", opts.RunID, "type", string(typ), "err", err)
	}
}

func bodyPrefix(body []byte) string {
	const n = 256
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}
