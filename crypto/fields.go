package crypto

import (
	"math/big"
)

// ValueFieldOrder defines the finite field order for blinded value storage.
// Application values must stay well below the field order; with 64-bit
// currency amounts scaled by a 90-bit rate precision, intermediate products
// stay under 160 bits, leaving ample headroom in a 513-bit field.
var ValueFieldOrder *big.Int

func init() {
	// 513-bit prime
	ValueFieldOrder, _ = big.NewInt(0).SetString("23551861483160902848625974283278945001376208178765538238759867299042020937974421928051251754596306387970642948144090145836318438166833376091610669188604919", 10)
}

// FieldAddInplace performs modular addition in-place: l = (l + r) mod fieldOrder.
// The result is stored in l and also returned.
func FieldAddInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Add(l, r)
	if l.Cmp(fieldOrder) > 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}

// FieldSubInplace performs modular subtraction in-place: l = (l - r) mod fieldOrder.
// The result is stored in l and also returned.
func FieldSubInplace(l *big.Int, r *big.Int, fieldOrder *big.Int) *big.Int {
	l.Sub(l, r)
	if l.Cmp(fieldOrder) > 0 {
		l.Sub(l, fieldOrder)
	}
	if l.Sign() < 0 {
		l.Add(l, fieldOrder)
	}
	return l
}
