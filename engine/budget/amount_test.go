package budget

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAtomic(t *testing.T) {
	t.Parallel()

	type testCase struct {
		name    string
		in      string
		want    int64
		wantErr bool
	}
	cases := []testCase{
		{name: "zero", in: "0", want: 0},
		{name: "empty_is_zero", in: "", want: 0},
		{name: "plain", in: "1000000", want: 1000000},
		{name: "negative", in: "-1", wantErr: true},
		{name: "decimal_point", in: "1.5", wantErr: true},
		{name: "not_a_number", in: "ten", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := ParseAtomic(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Int64())
		})
	}
}

func TestParseAtomicBeyondInt64(t *testing.T) {
	t.Parallel()

	// Amounts are big.Int decimal strings; 2^64 must not overflow.
	got, err := ParseAtomic("18446744073709551616")
	require.NoError(t, err)
	assert.Equal(t, "18446744073709551616", FormatAtomic(got))
}

func TestFormatAtomic(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0", FormatAtomic(nil))
	assert.Equal(t, "42", FormatAtomic(big.NewInt(42)))
}
