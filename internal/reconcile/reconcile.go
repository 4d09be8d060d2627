// Package reconcile replays a statement's transactions over its opening
// balance and checks the result against the declared closing balance.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/passbook/internal/model"
)

// Epsilon is the largest difference, in currency units, still treated as a match.
var Epsilon = decimal.New(1, -2)

// Reconcile folds txns over opening and compares the result with declaredClosing.
func Reconcile(txns []model.Transaction, opening, declaredClosing decimal.Decimal) model.AccuracySummary {
	return ReconcileWithEpsilon(txns, opening, declaredClosing, Epsilon)
}

// ReconcileWithEpsilon is Reconcile with a caller-chosen tolerance. A
// negative epsilon is treated as zero.
func ReconcileWithEpsilon(txns []model.Transaction, opening, declaredClosing, epsilon decimal.Decimal) model.AccuracySummary {
	if epsilon.IsNegative() {
		epsilon = decimal.Zero
	}
	calculated := Replay(txns, opening)
	return model.AccuracySummary{
		OpeningBalance:           opening,
		CalculatedClosingBalance: calculated,
		ClosingBalance:           declaredClosing,
		IsAccurate:               calculated.Sub(declaredClosing).Abs().LessThanOrEqual(epsilon),
	}
}

// Replay returns opening plus every credit minus every debit, in order.
func Replay(txns []model.Transaction, opening decimal.Decimal) decimal.Decimal {
	balance := opening
	for _, t := range txns {
		balance = balance.Add(t.Signed())
	}
	return balance
}
