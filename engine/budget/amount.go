package budget

import (
	"fmt"
	"math/big"
)

// ParseAtomic parses a non-negative decimal atomic-unit amount. The empty
// string parses as zero, matching absent budget fields in stored documents.
func ParseAtomic(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid atomic amount %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative atomic amount %q", s)
	}
	return n, nil
}

// FormatAtomic renders an atomic-unit amount as its decimal string.
func FormatAtomic(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}
