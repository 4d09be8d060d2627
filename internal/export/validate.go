package export

import (
	"fmt"

	"github.com/cleared-dev/passbook/internal/model"
)

// ValidationError describes a voucher that would not import cleanly.
type ValidationError struct {
	Invariant   int
	Voucher     int
	Description string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invariant %d [voucher %d]: %s", e.Invariant, e.Voucher+1, e.Description)
}

// ValidateVouchers checks the double-entry shape of each voucher.
func ValidateVouchers(vouchers []model.Voucher) []ValidationError {
	var errs []ValidationError
	for i, v := range vouchers {
		s, b := v.Suspense(), v.Bank()

		// Invariant 1: legs cancel out.
		if !s.Amount.Add(b.Amount).IsZero() {
			errs = append(errs, ValidationError{
				Invariant:   1,
				Voucher:     i,
				Description: fmt.Sprintf("legs do not balance: %s + %s", s.AmountText(), b.AmountText()),
			})
		}

		// Invariant 2: exactly one leg is deemed positive.
		if s.DeemedPositive == b.DeemedPositive {
			errs = append(errs, ValidationError{
				Invariant:   2,
				Voucher:     i,
				Description: "exactly one leg must be deemed positive",
			})
		}

		// Invariant 3: the bank leg is the party ledger and is named.
		if !b.IsPartyLedger || s.IsPartyLedger || b.LedgerName == "" || b.LedgerName != v.PartyLedger {
			errs = append(errs, ValidationError{
				Invariant:   3,
				Voucher:     i,
				Description: fmt.Sprintf("bank leg %q must be the party ledger", b.LedgerName),
			})
		}

		// Invariant 4: payments credit the bank, receipts debit it.
		want := model.VoucherReceipt
		if s.DeemedPositive {
			want = model.VoucherPayment
		}
		if v.Kind != want {
			errs = append(errs, ValidationError{
				Invariant:   4,
				Voucher:     i,
				Description: fmt.Sprintf("voucher type %s does not match its legs", v.Kind),
			})
		}
	}
	return errs
}
