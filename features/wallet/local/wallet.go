// Package local provides a development wallet: it signs payment payloads
// with an HMAC over the requirement instead of an on-chain key and reports a
// fixed balance. It exists so the full payment handshake, budget accounting
// and receipt trail can run end-to-end against mock tool servers; production
// deployments plug a custodial or on-chain signer behind the same contract.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/meterflow/meterflow/x402"
)

type (
	// Wallet is the development signer.
	Wallet struct {
		address string
		secret  []byte
		balance *big.Int
	}

	// Options configures New.
	Options struct {
		// Address is the paying address reported to counterparties. Required.
		Address string
		// Secret keys the HMAC signatures. Required.
		Secret []byte
		// BalanceAtomic is the fixed balance reported for every network.
		// Defaults to 1000 USDC (10⁹ atomic units).
		BalanceAtomic *big.Int
	}

	// payload is the signed wire shape.
	payload struct {
		Address   string `json:"address"`
		Scheme    string `json:"scheme"`
		Network   string `json:"network"`
		Amount    string `json:"amount"`
		Asset     string `json:"asset,omitempty"`
		Recipient string `json:"payTo,omitempty"`
		Signature string `json:"signature"`
	}
)

// Compile-time check that Wallet implements x402.Wallet.
var _ x402.Wallet = (*Wallet)(nil)

// New constructs a development wallet.
func New(opts Options) (*Wallet, error) {
	if opts.Address == "" {
		return nil, errors.New("address is required")
	}
	if len(opts.Secret) == 0 {
		return nil, errors.New("secret is required")
	}
	balance := opts.BalanceAtomic
	if balance == nil {
		balance = big.NewInt(1_000_000_000)
	}
	return &Wallet{
		address: opts.Address,
		secret:  append([]byte(nil), opts.Secret...),
		balance: new(big.Int).Set(balance),
	}, nil
}

// Balance reports the fixed balance regardless of network.
func (w *Wallet) Balance(ctx context.Context, network string) (*big.Int, error) {
	return new(big.Int).Set(w.balance), nil
}

// Sign produces an HMAC-signed JSON payment payload for the requirement.
func (w *Wallet) Sign(ctx context.Context, req *x402.PaymentRequirement) ([]byte, error) {
	if req == nil {
		return nil, errors.New("payment requirement is required")
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write([]byte(req.Network))
	mac.Write([]byte{0})
	mac.Write([]byte(req.AmountAtomic))
	mac.Write([]byte{0})
	mac.Write([]byte(req.Recipient))
	return json.Marshal(payload{
		Address:   w.address,
		Scheme:    req.Scheme,
		Network:   req.Network,
		Amount:    req.AmountAtomic,
		Asset:     req.Asset,
		Recipient: req.Recipient,
		Signature: "0x" + hexEncode(mac.Sum(nil)),
	})
}

// Address returns the paying address.
func (w *Wallet) Address() string {
	return w.address
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}
