package export

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cleared-dev/passbook/internal/model"
)

const (
	transactionsSheet = "Transactions"
	summarySheet      = "Summary"
)

// XLSXFileName is the download name for a workbook export made at now.
func XLSXFileName(now time.Time) string {
	return fmt.Sprintf("all_tables_%d.xlsx", now.UnixMilli())
}

// WriteXLSX writes a workbook with the transactions on one sheet and the
// document metadata plus accuracy summary on another. Amounts and balances
// are stored as numbers.
func WriteXLSX(w io.Writer, txns []model.Transaction, meta *model.DocumentMetadata, accuracy *model.AccuracySummary) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", transactionsSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	extra := ExtraColumns(txns)
	header := make([]any, 0, len(Header)+len(extra))
	for _, h := range Header {
		header = append(header, h)
	}
	for _, h := range extra {
		header = append(header, h)
	}
	if err := f.SetSheetRow(transactionsSheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	for i, t := range txns {
		row := make([]any, len(header))
		if t.PageNumber > 0 {
			row[colPage] = t.PageNumber
		}
		if t.TableNumber > 0 {
			row[colTable] = t.TableNumber
		}
		row[colDate] = t.Date
		row[colTxnID] = t.TxnID
		row[colRemarks] = t.Remarks
		row[colAmount] = t.Amount.InexactFloat64()
		if t.Balance.Valid {
			row[colBalance] = t.Balance.Decimal.InexactFloat64()
		}
		row[colType] = string(t.Type)
		for j, k := range extra {
			row[numFixed+j] = t.Columns[k]
		}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(transactionsSheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+2, err)
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("adding summary sheet: %w", err)
	}
	for i, kv := range summaryRows(meta, accuracy, len(txns)) {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(summarySheet, cell, &kv); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

func summaryRows(meta *model.DocumentMetadata, accuracy *model.AccuracySummary, n int) [][]any {
	var rows [][]any
	if meta != nil {
		rows = append(rows,
			[]any{"File", meta.Filename},
			[]any{"Pages", meta.PageCount},
		)
		if meta.BankName != "" {
			rows = append(rows, []any{"Bank", meta.BankName})
		}
	}
	rows = append(rows, []any{"Transactions", n})
	if accuracy != nil {
		rows = append(rows,
			[]any{"Opening Balance", accuracy.OpeningBalance.InexactFloat64()},
			[]any{"Calculated Closing Balance", accuracy.CalculatedClosingBalance.InexactFloat64()},
			[]any{"Closing Balance", accuracy.ClosingBalance.InexactFloat64()},
			[]any{"Accurate", model.YesNo(accuracy.IsAccurate)},
		)
	}
	return rows
}
