package x402

import (
	"fmt"
	"net/http"
)

type (
	// ProtocolError reports a 402 response that neither dialect could parse.
	// It carries the observed headers and a bounded body prefix for
	// diagnosis. Protocol errors are never retried.
	ProtocolError struct {
		Headers    http.Header
		BodyPrefix string
	}

	// PolicyError reports a payment refused by policy before or after the
	// wire exchange: SSRF rejection, payment disallowed, amount above the
	// cap, unsupported network, insufficient balance. Policy errors are
	// never retried.
	PolicyError struct {
		Reason string
	}

	// HTTPError reports a non-2xx reply after a payment exchange.
	HTTPError struct {
		StatusCode int
		Body       string
	}
)

// Error implements error.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unparseable 402 payment requirement (body prefix %q)", e.BodyPrefix)
}

// Error implements error.
func (e *PolicyError) Error() string {
	return "payment rejected by policy: " + e.Reason
}

// Error implements error.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("tool returned status %d", e.StatusCode)
}
