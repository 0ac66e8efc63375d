package x402

import (
	"context"
	"math/big"
)

// Wallet is the signing collaborator contract. The engine never holds keys;
// it asks the wallet for balances and for signed payment payloads suitable
// for the chosen dialect header. The wallet client is a process-wide
// singleton initialized at startup.
type Wallet interface {
	// Balance returns the spendable USDC balance in atomic units on the
	// CAIP-2 network.
	Balance(ctx context.Context, network string) (*big.Int, error)

	// Sign produces the payment signature payload for the requirement. The
	// returned bytes go on the wire verbatim in the dialect's payment header.
	Sign(ctx context.Context, req *PaymentRequirement) ([]byte, error)

	// Address returns the paying address.
	Address() string
}
