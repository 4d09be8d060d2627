package export

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"text/template"

	"github.com/cleared-dev/passbook/internal/model"
)

// DefaultBankLedger is the last-resort bank ledger name.
const DefaultBankLedger = "Bank Account"

// ErrNoLedgerName is returned when the bank ledger name is blank.
var ErrNoLedgerName = errors.New("bank ledger name is required")

//go:embed tally.xml.tmpl
var tallyTemplate string

var xmlEscaper = strings.NewReplacer(
	"<", "&lt;",
	">", "&gt;",
	"&", "&amp;",
	"'", "&apos;",
	`"`, "&quot;",
)

var tallyTmpl = template.Must(template.New("tally").Funcs(template.FuncMap{
	"xml":   xmlEscaper.Replace,
	"yesno": model.YesNo,
}).Parse(tallyTemplate))

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// LedgerName picks the bank ledger: a non-blank override, else the bank
// named in the statement metadata, else fallback, else DefaultBankLedger.
func LedgerName(meta *model.DocumentMetadata, override, fallback string) string {
	if s := strings.TrimSpace(override); s != "" {
		return s
	}
	if meta != nil {
		if s := strings.TrimSpace(meta.BankName); s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(fallback); s != "" {
		return s
	}
	return DefaultBankLedger
}

// TallyFileName is the download name for an export to ledger.
func TallyFileName(ledger string) string {
	return "Tally_Import_" + unsafeFileChars.ReplaceAllString(ledger, "_") + ".xml"
}

// BuildVoucher turns one transaction into a double-entry voucher. Debits
// become payments out of the bank ledger; everything else is a receipt.
func BuildVoucher(t model.Transaction, bankLedger string) model.Voucher {
	amount := t.Amount.Abs()

	var date string
	if d, err := model.ParseDisplayDate(t.Date); err == nil {
		date = d.Format("20060102")
	}

	v := model.Voucher{
		Date:        date,
		Narration:   t.Remarks,
		PartyLedger: bankLedger,
	}
	suspense := model.Leg{LedgerName: model.SuspenseLedger}
	bank := model.Leg{LedgerName: bankLedger, IsPartyLedger: true}

	if t.Type == model.TxnDebit {
		v.Kind = model.VoucherPayment
		suspense.DeemedPositive = true
		suspense.Amount = amount.Neg()
		bank.Amount = amount
	} else {
		v.Kind = model.VoucherReceipt
		suspense.Amount = amount
		bank.DeemedPositive = true
		bank.Amount = amount.Neg()
	}
	v.Legs = [2]model.Leg{suspense, bank}
	return v
}

// BuildVouchers converts every transaction, in order.
func BuildVouchers(txns []model.Transaction, bankLedger string) []model.Voucher {
	vouchers := make([]model.Voucher, len(txns))
	for i, t := range txns {
		vouchers[i] = BuildVoucher(t, bankLedger)
	}
	return vouchers
}

// WriteTallyXML writes an import envelope holding the Suspense ledger master
// followed by one voucher per transaction.
func WriteTallyXML(w io.Writer, txns []model.Transaction, bankLedger string) error {
	if strings.TrimSpace(bankLedger) == "" {
		return ErrNoLedgerName
	}

	vouchers := BuildVouchers(txns, bankLedger)
	if errs := ValidateVouchers(vouchers); len(errs) > 0 {
		return fmt.Errorf("building vouchers: %w", errs[0])
	}

	var buf bytes.Buffer
	if err := tallyTmpl.Execute(&buf, struct{ Vouchers []model.Voucher }{vouchers}); err != nil {
		return fmt.Errorf("rendering ledger XML: %w", err)
	}
	if _, err := io.WriteString(w, strings.TrimSpace(buf.String())); err != nil {
		return fmt.Errorf("writing ledger XML: %w", err)
	}
	return nil
}

// TallyXML renders the export as a string.
func TallyXML(txns []model.Transaction, bankLedger string) (string, error) {
	var b strings.Builder
	if err := WriteTallyXML(&b, txns, bankLedger); err != nil {
		return "", err
	}
	return b.String(), nil
}
