package model

import (
	"github.com/shopspring/decimal"
)

// VoucherKind is the accounting voucher type a bank movement becomes.
type VoucherKind string

const (
	VoucherPayment VoucherKind = "Payment"
	VoucherReceipt VoucherKind = "Receipt"
)

// SuspenseLedger is the contra ledger every voucher posts against.
const SuspenseLedger = "Suspense"

// Leg is one side of a voucher's double entry.
type Leg struct {
	LedgerName     string
	Amount         decimal.Decimal // signed
	DeemedPositive bool
	IsPartyLedger  bool
}

// AmountText renders the amount with one decimal place, keeping the minus
// sign on negative legs even when the magnitude is zero ("-0.0").
func (l Leg) AmountText() string {
	abs := l.Amount.Abs().StringFixed(1)
	if l.Amount.IsNegative() || (l.Amount.IsZero() && l.DeemedPositive) {
		return "-" + abs
	}
	return abs
}

// Voucher is one double-entry record built from a single transaction.
type Voucher struct {
	Kind        VoucherKind
	Date        string // YYYYMMDD, empty when the source date did not parse
	Narration   string
	PartyLedger string
	Legs        [2]Leg
}

// Suspense returns the suspense leg.
func (v Voucher) Suspense() Leg { return v.Legs[0] }

// Bank returns the bank (party) leg.
func (v Voucher) Bank() Leg { return v.Legs[1] }

// YesNo renders a flag the way the ledger import format expects.
func YesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
