// Package utils provides small helpers shared across the engine.
package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places money values are rounded to
// when they are realized (fees, P&L, cash movements).
const MoneyScale = 8

// RoundMoney rounds a realized money amount half-even to MoneyScale places.
// Mark-to-market values stay unrounded until realized.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(MoneyScale)
}

// GenerateID generates a unique hex ID with an optional prefix. Only for
// externally visible handles (API run IDs); anything inside a ledger must be
// derived deterministically from the run itself.
func GenerateID(prefix string) string {
	bytes := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, bytes); err != nil {
		// The platform CSPRNG failing is not recoverable here.
		panic("utils: reading random bytes: " + err.Error())
	}
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return fmt.Sprintf("%s_%s", prefix, id)
	}
	return id
}

// TradeID builds the deterministic ledger ID for the n-th closed trade of a
// run.
func TradeID(seq int) string {
	return fmt.Sprintf("trd-%06d", seq)
}
