// Package export turns the transaction table into downloadable files: CSV,
// ledger import XML and XLSX.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cleared-dev/passbook/internal/model"
)

// Fixed CSV columns, in order. Extra per-row columns follow them.
var Header = []string{"Page", "Table", "Date", "TxnId", "Remarks", "Amount", "Balance", "Type"}

const (
	colPage    = 0
	colTable   = 1
	colDate    = 2
	colTxnID   = 3
	colRemarks = 4
	colAmount  = 5
	colBalance = 6
	colType    = 7
	numFixed   = 8
)

// CSVFileName is the default download name for a CSV export made at now.
func CSVFileName(now time.Time) string {
	return fmt.Sprintf("all_tables_%d.csv", now.UnixMilli())
}

// ExtraColumns returns the keys of every row's extra columns in first-seen
// order, leaving out any that shadow a fixed column.
func ExtraColumns(txns []model.Transaction) []string {
	fixed := make(map[string]bool, len(Header))
	for _, h := range Header {
		fixed[strings.ToLower(h)] = true
	}
	seen := make(map[string]bool)
	var keys []string
	for _, t := range txns {
		// Map order is random; sort each row's new keys so output is stable.
		var fresh []string
		for k := range t.Columns {
			if !seen[k] && !fixed[strings.ToLower(k)] {
				fresh = append(fresh, k)
			}
		}
		slices.Sort(fresh)
		for _, k := range fresh {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// MarshalRow converts a transaction to CSV fields.
func MarshalRow(t model.Transaction, extra []string) []string {
	row := make([]string, numFixed+len(extra))
	if t.PageNumber > 0 {
		row[colPage] = strconv.Itoa(t.PageNumber)
	}
	if t.TableNumber > 0 {
		row[colTable] = strconv.Itoa(t.TableNumber)
	}
	row[colDate] = t.Date
	row[colTxnID] = t.TxnID
	row[colRemarks] = t.Remarks
	row[colAmount] = t.Amount.String()
	if t.Balance.Valid {
		row[colBalance] = t.Balance.Decimal.String()
	}
	row[colType] = string(t.Type)
	for i, k := range extra {
		row[numFixed+i] = t.Columns[k]
	}
	return row
}

// WriteCSV writes the header and one row per transaction. Every field is
// double-quoted with inner quotes doubled; rows are separated by "\n" with
// no trailing newline.
func WriteCSV(w io.Writer, txns []model.Transaction) error {
	extra := ExtraColumns(txns)
	header := append(append([]string{}, Header...), extra...)

	if _, err := io.WriteString(w, quoteRow(header)); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for i, t := range txns {
		if _, err := io.WriteString(w, "\n"+quoteRow(MarshalRow(t, extra))); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}
	return nil
}

func quoteRow(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteByte('"')
	}
	return b.String()
}

// ReadCSV parses a file produced by WriteCSV. Columns after the fixed ones
// come back as each row's Columns; empty extra values are dropped.
func ReadCSV(r io.Reader) ([]model.Transaction, error) {
	cr := csv.NewReader(r)
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading transactions CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	if len(header) < numFixed {
		return nil, fmt.Errorf("header has %d columns, want at least %d", len(header), numFixed)
	}
	for i, h := range Header {
		if !strings.EqualFold(strings.TrimSpace(header[i]), h) {
			return nil, fmt.Errorf("header column %d is %q, want %q", i+1, header[i], h)
		}
	}

	txns := make([]model.Transaction, 0, len(records)-1)
	for i, rec := range records[1:] {
		t, err := UnmarshalRow(rec, header[numFixed:])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		txns = append(txns, t)
	}
	return txns, nil
}

// UnmarshalRow converts CSV fields back to a transaction.
func UnmarshalRow(record []string, extra []string) (model.Transaction, error) {
	if len(record) != numFixed+len(extra) {
		return model.Transaction{}, fmt.Errorf("expected %d fields, got %d", numFixed+len(extra), len(record))
	}

	var t model.Transaction
	var err error
	if s := record[colPage]; s != "" {
		if t.PageNumber, err = strconv.Atoi(s); err != nil {
			return t, fmt.Errorf("parsing page %q: %w", s, err)
		}
	}
	if s := record[colTable]; s != "" {
		if t.TableNumber, err = strconv.Atoi(s); err != nil {
			return t, fmt.Errorf("parsing table %q: %w", s, err)
		}
	}
	t.Date = record[colDate]
	t.TxnID = record[colTxnID]
	t.Remarks = record[colRemarks]

	if s := record[colAmount]; s != "" {
		if t.Amount, err = decimal.NewFromString(s); err != nil {
			return t, fmt.Errorf("parsing amount %q: %w", s, err)
		}
	}
	if s := record[colBalance]; s != "" {
		bal, err := decimal.NewFromString(s)
		if err != nil {
			return t, fmt.Errorf("parsing balance %q: %w", s, err)
		}
		t.Balance = decimal.NewNullDecimal(bal)
	}
	if t.Type, err = model.ParseTxnType(record[colType]); err != nil {
		return t, err
	}

	for i, k := range extra {
		if v := record[numFixed+i]; v != "" {
			if t.Columns == nil {
				t.Columns = make(map[string]string)
			}
			t.Columns[k] = v
		}
	}
	return t, nil
}
