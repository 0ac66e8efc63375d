package x402

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// Wire dialects of the 402 exchange.
const (
	// DialectHeader is the canonical form: the requirement travels base64
	// encoded in the PAYMENT-REQUIRED response header, the signature goes
	// back in PAYMENT-SIGNATURE, settlement arrives in PAYMENT-RESPONSE.
	DialectHeader = "header"
	// DialectBody is the legacy form: the requirement is the 402 response
	// body ({x402Version:1, accepts:[...]}), the signature goes back in
	// X-PAYMENT, settlement arrives in X-PAYMENT-RESPONSE.
	DialectBody = "body"
)

// Wire header names.
const (
	headerPaymentRequired  = "Payment-Required"
	headerPaymentSignature = "PAYMENT-SIGNATURE"
	headerPaymentResponse  = "Payment-Response"
	headerXPayment         = "X-PAYMENT"
	headerXPaymentResponse = "X-Payment-Response"
	headerIdempotencyKey   = "Idempotency-Key"
)

type (
	// PaymentRequirement is the normalized payment demand extracted from a
	// 402 response, regardless of dialect.
	PaymentRequirement struct {
		// Dialect records which wire form produced the requirement and
		// therefore which headers the signed retry uses.
		Dialect string
		Scheme  string
		// Network is the CAIP-2 network identifier after normalization.
		Network string
		// AmountAtomic is the demanded amount (decimal atomic units).
		AmountAtomic string
		Asset        string
		Recipient    string
		// Deadline is the payment validity bound, zero when unspecified.
		Deadline time.Time
		// Encoded is the base64 form of the requirement exactly as it must be
		// fed to the signer and stored on the receipt.
		Encoded string
	}

	// dialectAFields is the union of field aliases observed in header-dialect
	// requirements.
	dialectAFields struct {
		Amount            string          `json:"amount"`
		MaxAmountRequired string          `json:"maxAmountRequired"`
		Network           string          `json:"network"`
		NetworkID         string          `json:"networkId"`
		Asset             string          `json:"asset"`
		Resource          string          `json:"resource"`
		Recipient         string          `json:"recipient"`
		PayTo             string          `json:"payTo"`
		Deadline          json.RawMessage `json:"deadline"`
		ValidUntil        json.RawMessage `json:"validUntil"`
		Scheme            string          `json:"scheme"`
	}

	// dialectBBody is the legacy 402 response body.
	dialectBBody struct {
		X402Version int               `json:"x402Version"`
		Accepts     []dialectBAccepts `json:"accepts"`
	}

	dialectBAccepts struct {
		Scheme            string `json:"scheme"`
		Network           string `json:"network"`
		MaxAmountRequired string `json:"maxAmountRequired"`
		PayTo             string `json:"payTo"`
		Asset             string `json:"asset"`
		MaxTimeoutSeconds int    `json:"maxTimeoutSeconds"`
	}
)

// ParseRequirement extracts the payment requirement from a 402 response.
// Dialect A (header) wins when both forms are present. It returns a
// *ProtocolError when neither dialect parses.
func ParseRequirement(header http.Header, body []byte, now time.Time) (*PaymentRequirement, error) {
	if encoded := header.Get(headerPaymentRequired); encoded != "" {
		if req, ok := parseDialectA(encoded); ok {
			return req, nil
		}
	}
	if req, ok := parseDialectB(body, now); ok {
		return req, nil
	}
	prefix := string(body)
	if len(prefix) > 256 {
		prefix = prefix[:256]
	}
	return nil, &ProtocolError{Headers: header.Clone(), BodyPrefix: prefix}
}

// parseDialectA decodes a base64 PAYMENT-REQUIRED header value. The decoded
// JSON is an object or an array whose first entry is taken.
func parseDialectA(encoded string) (*PaymentRequirement, bool) {
	raw, err := decodeBase64(encoded)
	if err != nil {
		return nil, false
	}
	trimmed := strings.TrimSpace(string(raw))
	var fields dialectAFields
	switch {
	case strings.HasPrefix(trimmed, "["):
		var entries []dialectAFields
		if err := json.Unmarshal(raw, &entries); err != nil || len(entries) == 0 {
			return nil, false
		}
		fields = entries[0]
	case strings.HasPrefix(trimmed, "{"):
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}

	amount := firstNonEmpty(fields.Amount, fields.MaxAmountRequired)
	if amount == "" {
		return nil, false
	}
	scheme := fields.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	return &PaymentRequirement{
		Dialect:      DialectHeader,
		Scheme:       scheme,
		Network:      NormalizeNetwork(firstNonEmpty(fields.Network, fields.NetworkID)),
		AmountAtomic: amount,
		Asset:        firstNonEmpty(fields.Asset, fields.Resource),
		Recipient:    firstNonEmpty(fields.Recipient, fields.PayTo),
		Deadline:     parseDeadline(fields.Deadline, fields.ValidUntil),
		Encoded:      encoded,
	}, true
}

// parseDialectB decodes the legacy {x402Version:1, accepts:[...]} body. The
// first accepts entry wins; the entire body is re-encoded as base64 for
// signing input and receipt storage.
func parseDialectB(body []byte, now time.Time) (*PaymentRequirement, bool) {
	var decoded dialectBBody
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, false
	}
	if decoded.X402Version != 1 || len(decoded.Accepts) == 0 {
		return nil, false
	}
	accept := decoded.Accepts[0]
	if accept.MaxAmountRequired == "" {
		return nil, false
	}
	scheme := accept.Scheme
	if scheme == "" {
		scheme = "exact"
	}
	var deadline time.Time
	if accept.MaxTimeoutSeconds > 0 {
		deadline = now.Add(time.Duration(accept.MaxTimeoutSeconds) * time.Second)
	}
	return &PaymentRequirement{
		Dialect:      DialectBody,
		Scheme:       scheme,
		Network:      NormalizeNetwork(accept.Network),
		AmountAtomic: accept.MaxAmountRequired,
		Asset:        accept.Asset,
		Recipient:    accept.PayTo,
		Deadline:     deadline,
		Encoded:      base64.StdEncoding.EncodeToString(body),
	}, true
}

// settlement is the decoded payment response header.
type settlement struct {
	Success bool   `json:"success"`
	TxHash  string `json:"txHash"`
	Tx      string `json:"transaction"`
}

// parseSettlement extracts the settlement record from the dialect's response
// header. A missing or undecodable header yields ok=false; the payment status
// is then inferred from the HTTP status alone.
func parseSettlement(header http.Header, dialect string) (settlement, bool) {
	name := headerPaymentResponse
	if dialect == DialectBody {
		name = headerXPaymentResponse
	}
	encoded := header.Get(name)
	if encoded == "" {
		return settlement{}, false
	}
	raw, err := decodeBase64(encoded)
	if err != nil {
		// Some counterparties send bare JSON.
		raw = []byte(encoded)
	}
	var s settlement
	if err := json.Unmarshal(raw, &s); err != nil {
		return settlement{}, false
	}
	if s.TxHash == "" {
		s.TxHash = s.Tx
	}
	return s, true
}

// rawSettlementHeader returns the encoded settlement header for receipt
// storage, empty when absent.
func rawSettlementHeader(header http.Header, dialect string) string {
	if dialect == DialectBody {
		return header.Get(headerXPaymentResponse)
	}
	return header.Get(headerPaymentResponse)
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if raw, err := enc.DecodeString(s); err == nil {
			return raw, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(s)
	return nil, err
}

// parseDeadline interprets deadline|validUntil as either a unix-seconds
// number or an RFC 3339 string. Zero time when absent or unparseable.
func parseDeadline(deadline, validUntil json.RawMessage) time.Time {
	raw := deadline
	if len(raw) == 0 {
		raw = validUntil
	}
	if len(raw) == 0 {
		return time.Time{}
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
