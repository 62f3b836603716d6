package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidCardNumber(t *testing.T) {
	tests := []struct {
		number string
		want   bool
	}{
		{number: "4111111111111111", want: true},
		{number: "4111-1111-1111-1111", want: true},
		{number: "5500 0000 0000 0004", want: true},
		{number: "4111111111111112", want: false},
		{number: "411111", want: false},
		{number: "4111abcd11111111", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.number, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidCardNumber(tt.number))
		})
	}
}

func TestValidUPIID(t *testing.T) {
	assert.True(t, ValidUPIID("shop.owner@okbank"))
	assert.False(t, ValidUPIID("shop.owner"))
	assert.False(t, ValidUPIID("a@b"))
	assert.False(t, ValidUPIID("name@bank1"))
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod("upi")
	require.NoError(t, err)
	assert.Equal(t, MethodUPI, m)

	_, err = ParseMethod("bitcoin")
	require.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestValidateAccount_CashIgnored(t *testing.T) {
	require.NoError(t, ValidateAccount(MethodCash, "anything"))
}
