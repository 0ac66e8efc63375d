package executor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/meterflow/meterflow/engine/store"
	"github.com/meterflow/meterflow/x402"
)

type (
	// fatalErr is a non-retryable failure with an explicit error code.
	fatalErr struct {
		code  string
		msg   string
		stack string
	}

	// transientErr is an explicitly retryable failure.
	transientErr struct {
		msg string
	}

	// classification is the retry arbitration input derived from an error.
	classification struct {
		code      string
		retryable bool
		stack     string
	}
)

func (e fatalErr) Error() string     { return e.msg }
func (e transientErr) Error() string { return e.msg }

// fatalf builds a non-retryable failure.
func fatalf(code, format string, args ...any) error {
	return fatalErr{code: code, msg: fmt.Sprintf(format, args...)}
}

// transientf builds a retryable failure.
func transientf(format string, args ...any) error {
	return transientErr{msg: fmt.Sprintf(format, args...)}
}

// classify maps an execution error onto the engine's retry taxonomy. Policy
// rejections, protocol errors and fatal graph defects never retry; network
// transients, timeouts, 5xx tool replies and store transients do.
func classify(err error) classification {
	var (
		fatal     fatalErr
		transient transientErr
		policy    *x402.PolicyError
		protocol  *x402.ProtocolError
		httpErr   *x402.HTTPError
	)
	switch {
	case errors.As(err, &fatal):
		return classification{code: fatal.code, stack: fatal.stack}
	case errors.As(err, &policy):
		return classification{code: CodePolicyRejected}
	case errors.As(err, &protocol):
		return classification{code: CodeProtocolError}
	case errors.As(err, &httpErr):
		return classification{code: CodeToolHTTPError, retryable: httpErr.StatusCode >= 500}
	case errors.As(err, &transient):
		return classification{code: CodeExecutionError, retryable: true}
	case errors.Is(err, context.DeadlineExceeded):
		return classification{code: CodeExecutionError, retryable: true}
	case store.IsTransient(err):
		return classification{code: CodeExecutionError, retryable: true}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return classification{code: CodeExecutionError, retryable: true}
	}
	// Unknown errors default to retryable: at-least-once execution makes a
	// wasted retry cheaper than a falsely terminal run.
	return classification{code: CodeExecutionError, retryable: true}
}
