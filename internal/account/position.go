// Package account keeps the money truthful: position arithmetic, the wallet
// service folding the double-entry ledger, and the mark-to-market engine that
// revalues open positions on every tick and forces exits when margin breaks.
package account

import (
	"github.com/shopspring/decimal"

	"github.com/papermarketofficial-creator/paper-market-sub004/pkg/types"
)

// FillEffect is the outcome of applying one execution to a position.
type FillEffect struct {
	Position types.Position  // updated; Quantity == 0 means the row is gone
	Realized decimal.Decimal // PnL realized by any reduction, signed
	Opened   bool            // exposure increased (same direction or fresh)
	Closed   bool            // position went flat
}

// ApplyFill folds a fill of qty units at price into pos. Increases average
// in; reductions realize r * (price - avg) * sign(existing); a fill through
// zero opens the residual as a new leg at the fill price.
func ApplyFill(pos types.Position, side types.Side, qty int64, price decimal.Decimal) FillEffect {
	signed := qty * side.Sign()
	existing := pos.Quantity

	if existing == 0 || sameSign(existing, signed) {
		oldAbs := decimal.NewFromInt(abs(existing))
		addAbs := decimal.NewFromInt(abs(signed))
		total := oldAbs.Add(addAbs)
		pos.AvgPrice = pos.AvgPrice.Mul(oldAbs).Add(price.Mul(addAbs)).Div(total)
		pos.Quantity = existing + signed
		return FillEffect{Position: pos, Realized: decimal.Zero, Opened: true}
	}

	reduced := min64(abs(existing), abs(signed))
	direction := decimal.NewFromInt(sign(existing))
	realized := price.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(reduced)).Mul(direction)

	newQty := existing + signed
	switch {
	case newQty == 0:
		pos.Quantity = 0
		pos.AvgPrice = decimal.Zero
		return FillEffect{Position: pos, Realized: realized, Closed: true}
	case sameSign(newQty, existing):
		// partial reduction keeps the entry price
		pos.Quantity = newQty
		return FillEffect{Position: pos, Realized: realized}
	default:
		// flipped through zero: residual is a new leg at the fill price
		pos.Quantity = newQty
		pos.AvgPrice = price
		return FillEffect{Position: pos, Realized: realized, Opened: true}
	}
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int64) int64 {
	if n < 0 {
		return -1
	}
	return 1
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
