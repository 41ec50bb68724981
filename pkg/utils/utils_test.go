package utils

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundMoneyHalfEven(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"0.000000005", "0"},
		{"0.000000015", "0.00000002"},
		{"0.000000025", "0.00000002"},
		{"1.234567891", "1.23456789"},
		{"-0.000000015", "-0.00000002"},
	}
	for _, c := range cases {
		in := decimal.RequireFromString(c.in)
		want := decimal.RequireFromString(c.want)
		assert.True(t, RoundMoney(in).Equal(want), "RoundMoney(%s) = %s, want %s", c.in, RoundMoney(in), c.want)
	}
}

func TestTradeIDFormat(t *testing.T) {
	assert.Equal(t, "trd-000000", TradeID(0))
	assert.Equal(t, "trd-000007", TradeID(7))
	assert.Equal(t, "trd-123456", TradeID(123456))
}

func TestGenerateID(t *testing.T) {
	id := GenerateID("job")
	require.True(t, strings.HasPrefix(id, "job_"))
	assert.Len(t, strings.TrimPrefix(id, "job_"), 24)

	bare := GenerateID("")
	assert.Len(t, bare, 24)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := GenerateID("x")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
