package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TxnType carries the sign of a transaction; Amount itself is never negative.
type TxnType string

const (
	TxnDebit  TxnType = "DEBIT"
	TxnCredit TxnType = "CREDIT"
)

// Valid reports whether t is one of the known types.
func (t TxnType) Valid() bool {
	return t == TxnDebit || t == TxnCredit
}

// ParseTxnType parses a type case-insensitively.
func ParseTxnType(s string) (TxnType, error) {
	t := TxnType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown transaction type %q", s)
	}
	return t, nil
}

// DisplayDateFormat is the canonical DD-MM-YYYY display form of a date.
const DisplayDateFormat = "02-01-2006"

// inputDateFormats are the layouts accepted when a date is read back in.
var inputDateFormats = []string{
	DisplayDateFormat,
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// Transaction is one row of the statement table.
type Transaction struct {
	RowID       string              `json:"rowId,omitempty"`
	Date        string              `json:"date"`
	TxnID       string              `json:"txnId,omitempty"`
	Remarks     string              `json:"remarks,omitempty"`
	Amount      decimal.Decimal     `json:"amount"`
	Balance     decimal.NullDecimal `json:"balance"`
	Type        TxnType             `json:"type"`
	PageNumber  int                 `json:"pageNumber,omitempty"`
	TableNumber int                 `json:"tableNumber,omitempty"`
	Columns     map[string]string   `json:"columns,omitempty"`
}

// Signed returns the amount with the sign implied by Type: positive for
// credits, negative for debits.
func (t Transaction) Signed() decimal.Decimal {
	if t.Type == TxnDebit {
		return t.Amount.Abs().Neg()
	}
	return t.Amount.Abs()
}

// Clone returns a copy that shares nothing mutable with t.
func (t Transaction) Clone() Transaction {
	c := t
	if t.Columns != nil {
		c.Columns = make(map[string]string, len(t.Columns))
		for k, v := range t.Columns {
			c.Columns[k] = v
		}
	}
	return c
}

// ParseDisplayDate parses a date in any of the accepted input layouts.
func ParseDisplayDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range inputDateFormats {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("parsing date %q", s)
}

// FormatDisplayDate renders d as DD-MM-YYYY.
func FormatDisplayDate(d time.Time) string {
	return d.Format(DisplayDateFormat)
}
