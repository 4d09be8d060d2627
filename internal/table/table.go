// Package table is the editable, positionally addressed projection of an
// ingestion result's transactions.
package table

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/passbook/internal/id"
	"github.com/cleared-dev/passbook/internal/model"
)

var (
	ErrIndexOutOfRange = errors.New("row index out of range")
	ErrUnknownField    = errors.New("unknown field")
	ErrUnchanged       = errors.New("value unchanged")
	ErrFieldRequired   = errors.New("field is required")
	ErrInvalidValue    = errors.New("invalid value")
)

// Field names an editable column by its JSON name.
type Field string

const (
	FieldDate    Field = "date"
	FieldTxnID   Field = "txnId"
	FieldRemarks Field = "remarks"
	FieldType    Field = "type"
	FieldAmount  Field = "amount"
	FieldBalance Field = "balance"
)

// Fields lists the editable fields in display order.
var Fields = []Field{FieldDate, FieldTxnID, FieldRemarks, FieldAmount, FieldBalance, FieldType}

// ParseField resolves a field name.
func ParseField(s string) (Field, error) {
	for _, f := range Fields {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownField, s)
}

// Required reports whether the field must hold a non-empty value.
func (f Field) Required() bool {
	return f != FieldRemarks
}

// Placeholder values for an inserted row.
const (
	NewTxnID   = "NEW"
	NewRemarks = "New Transaction"
)

// CommitFunc observes the rows after every committed change.
type CommitFunc func(op Op, rows []model.Transaction)

// Table holds the ordered rows. Rows are addressed by index; inserting or
// deleting shifts every later row. It is safe for concurrent use.
type Table struct {
	mu        sync.Mutex
	rows      []model.Transaction
	version   uint64
	proposals map[string]*Proposal
	onCommit  CommitFunc
	now       func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithCommitHook registers fn to run after every commit, outside the
// table's lock.
func WithCommitHook(fn CommitFunc) Option {
	return func(t *Table) { t.onCommit = fn }
}

// WithClock overrides the clock used for the default date of inserted rows.
func WithClock(now func() time.Time) Option {
	return func(t *Table) { t.now = now }
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		proposals: make(map[string]*Proposal),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// Version increases with every committed change and every Replace.
func (t *Table) Version() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// Rows returns a copy of the rows.
func (t *Table) Rows() []model.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneRows(t.rows)
}

// Row returns a copy of the row at index.
func (t *Table) Row(index int) (model.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index >= len(t.rows) {
		return model.Transaction{}, fmt.Errorf("%w: %d", ErrIndexOutOfRange, index)
	}
	return t.rows[index].Clone(), nil
}

// Append adds rows to the end, assigning a row ID to any row without one,
// and returns copies of the rows as stored. Negative amounts are stored as
// their magnitude. Appending never shifts existing rows, so open edit and
// delete proposals stay valid.
func (t *Table) Append(rows []model.Transaction) []model.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := make([]model.Transaction, 0, len(rows))
	for _, r := range rows {
		r = r.Clone()
		if r.RowID == "" {
			r.RowID = id.New()
		}
		// Type carries the sign.
		if r.Amount.IsNegative() {
			r.Amount = r.Amount.Abs()
		}
		t.rows = append(t.rows, r)
		added = append(added, r.Clone())
	}
	return added
}

// Replace swaps in a new set of rows and drops every open proposal.
func (t *Table) Replace(rows []model.Transaction) {
	t.mu.Lock()
	t.rows = t.rows[:0:0]
	t.version++
	t.proposals = make(map[string]*Proposal)
	t.mu.Unlock()
	t.Append(rows)
}

func cloneRows(rows []model.Transaction) []model.Transaction {
	out := make([]model.Transaction, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

// FieldValue renders a row's field the way it is shown for editing.
func FieldValue(r model.Transaction, f Field) string {
	switch f {
	case FieldDate:
		return r.Date
	case FieldTxnID:
		return r.TxnID
	case FieldRemarks:
		return r.Remarks
	case FieldType:
		return string(r.Type)
	case FieldAmount:
		return r.Amount.String()
	case FieldBalance:
		if !r.Balance.Valid {
			return ""
		}
		return r.Balance.Decimal.String()
	}
	return ""
}

// apply parses value for f and returns r with that field replaced. The
// returned string is the normalised value.
func apply(r model.Transaction, f Field, value string) (model.Transaction, string, error) {
	v := strings.TrimSpace(value)
	if v == "" && f.Required() {
		return r, "", fmt.Errorf("%w: %s", ErrFieldRequired, f)
	}

	switch f {
	case FieldDate:
		d, err := model.ParseDisplayDate(v)
		if err != nil {
			return r, "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		r.Date = model.FormatDisplayDate(d)
		return r, r.Date, nil
	case FieldTxnID:
		r.TxnID = v
		return r, v, nil
	case FieldRemarks:
		r.Remarks = value
		return r, value, nil
	case FieldType:
		typ, err := model.ParseTxnType(v)
		if err != nil {
			return r, "", fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		r.Type = typ
		return r, string(typ), nil
	case FieldAmount:
		amt, err := decimal.NewFromString(v)
		if err != nil {
			return r, "", fmt.Errorf("%w: amount %q", ErrInvalidValue, v)
		}
		if amt.IsNegative() {
			return r, "", fmt.Errorf("%w: amount must not be negative", ErrInvalidValue)
		}
		r.Amount = amt
		return r, amt.String(), nil
	case FieldBalance:
		bal, err := decimal.NewFromString(v)
		if err != nil {
			return r, "", fmt.Errorf("%w: balance %q", ErrInvalidValue, v)
		}
		r.Balance = decimal.NewNullDecimal(bal)
		return r, bal.String(), nil
	}
	return r, "", fmt.Errorf("%w: %q", ErrUnknownField, f)
}

// sameValue reports whether the normalised new value matches the row's
// current one. Numbers compare by value so "100" equals "100.00".
func sameValue(r model.Transaction, f Field, normalised string) bool {
	switch f {
	case FieldAmount:
		return r.Amount.Equal(decimal.RequireFromString(normalised))
	case FieldBalance:
		return r.Balance.Valid && r.Balance.Decimal.Equal(decimal.RequireFromString(normalised))
	}
	return FieldValue(r, f) == normalised
}

// defaultRow is the row an insert without a template creates.
func (t *Table) defaultRow() model.Transaction {
	return model.Transaction{
		Date:    model.FormatDisplayDate(t.now()),
		TxnID:   NewTxnID,
		Remarks: NewRemarks,
		Amount:  decimal.Zero,
		Balance: decimal.NewNullDecimal(decimal.Zero),
		Type:    model.TxnDebit,
	}
}
