package x402

import "fmt"

// Networks the handshake can settle on, in CAIP-2 form, with the USDC
// contract deployed on each. Only networks present here are acceptable;
// anything else fails the payment before signing.
var usdcContracts = map[string]string{
	"eip155:8453":  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // Base
	"eip155:84532": "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // Base Sepolia
	"eip155:1":     "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", // Ethereum
}

// shortNetworkNames maps the short network names observed on the wire to
// CAIP-2 identifiers. Unknown short names pass through unchanged and fail the
// registry check downstream.
var shortNetworkNames = map[string]string{
	"base":            "eip155:8453",
	"base-mainnet":    "eip155:8453",
	"base-sepolia":    "eip155:84532",
	"ethereum":        "eip155:1",
	"eth":             "eip155:1",
	"mainnet":         "eip155:1",
	"solana":          "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
	"solana-mainnet":  "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
	"polygon":         "eip155:137",
	"polygon-mainnet": "eip155:137",
}

// DefaultNetwork is the network assumed when a requirement omits one.
const DefaultNetwork = "eip155:84532"

// NormalizeNetwork converts a wire network identifier to CAIP-2 form. Values
// already in namespace:reference form pass through; known short names are
// mapped; the empty string becomes DefaultNetwork.
func NormalizeNetwork(network string) string {
	if network == "" {
		return DefaultNetwork
	}
	if caip2, ok := shortNetworkNames[network]; ok {
		return caip2
	}
	return network
}

// SupportedNetwork reports whether the CAIP-2 network is in the USDC
// registry.
func SupportedNetwork(caip2 string) bool {
	_, ok := usdcContracts[caip2]
	return ok
}

// USDCContract returns the USDC contract address deployed on the CAIP-2
// network.
func USDCContract(caip2 string) (string, error) {
	addr, ok := usdcContracts[caip2]
	if !ok {
		return "", fmt.Errorf("unsupported network %q", caip2)
	}
	return addr, nil
}
