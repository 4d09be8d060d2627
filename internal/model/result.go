package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// DocumentMetadata describes the uploaded statement. It is set by the first
// metadata record of a stream and never derived from transactions.
type DocumentMetadata struct {
	Filename  string `json:"filename"`
	PageCount int    `json:"page_count"`
	BankName  string `json:"bank_name,omitempty"`
}

// UnmarshalJSON accepts both the snake_case keys of streamed records and
// the camelCase keys (fileName, pageCount, bankName) of result payloads.
func (m *DocumentMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		Filename  string `json:"filename"`
		FileName  string `json:"fileName"`
		PageCount int    `json:"page_count"`
		Pages     int    `json:"pageCount"`
		BankName  string `json:"bank_name"`
		Bank      string `json:"bankName"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = DocumentMetadata{
		Filename:  firstNonEmpty(raw.Filename, raw.FileName),
		PageCount: raw.PageCount,
		BankName:  firstNonEmpty(raw.BankName, raw.Bank),
	}
	if m.PageCount == 0 {
		m.PageCount = raw.Pages
	}
	return nil
}

// IsZero reports whether no field is set.
func (m DocumentMetadata) IsZero() bool {
	return m == DocumentMetadata{}
}

// fillFrom copies every field of o that m leaves blank.
func (m *DocumentMetadata) fillFrom(o DocumentMetadata) {
	if m.Filename == "" {
		m.Filename = o.Filename
	}
	if m.PageCount == 0 {
		m.PageCount = o.PageCount
	}
	if m.BankName == "" {
		m.BankName = o.BankName
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// AccuracySummary compares the declared closing balance with the one
// obtained by replaying every transaction over the opening balance.
type AccuracySummary struct {
	OpeningBalance           decimal.Decimal `json:"openingBalance"`
	CalculatedClosingBalance decimal.Decimal `json:"calculatedClosingBalance"`
	ClosingBalance           decimal.Decimal `json:"closingBalance"`
	IsAccurate               bool            `json:"isAccurate"`
}

// IngestionResult is everything one upload produced.
type IngestionResult struct {
	Metadata     *DocumentMetadata `json:"metadata,omitempty"`
	Bank         string            `json:"bank,omitempty"`
	Transactions []Transaction     `json:"transactions"`
	Accuracy     *AccuracySummary  `json:"accuracy,omitempty"`

	// AccuracyStale is set once the table has been edited after the
	// accuracy summary was produced and nobody recomputed it.
	AccuracyStale bool `json:"accuracyStale,omitempty"`
}

// UnmarshalJSON reads metadata from "metadata" and fills its gaps from a
// "documentmetadata" object and the top-level fileName and pageCount keys
// that synchronous results carry.
func (r *IngestionResult) UnmarshalJSON(data []byte) error {
	type plain IngestionResult
	var raw struct {
		plain
		DocumentMetadata *DocumentMetadata `json:"documentmetadata"`
		FileName         string            `json:"fileName"`
		PageCount        int               `json:"pageCount"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = IngestionResult(raw.plain)

	var meta DocumentMetadata
	if r.Metadata != nil {
		meta = *r.Metadata
	}
	if raw.DocumentMetadata != nil {
		meta.fillFrom(*raw.DocumentMetadata)
	}
	meta.fillFrom(DocumentMetadata{Filename: raw.FileName, PageCount: raw.PageCount})
	if meta.IsZero() {
		r.Metadata = nil
	} else {
		r.Metadata = &meta
	}
	return nil
}

// PendingUpload is a selected file plus the bank it belongs to. It is kept
// for as long as a password retry may still replay it.
type PendingUpload struct {
	Filename    string
	ContentType string
	Data        []byte
	Bank        string
}

// Size returns the length of the file in bytes.
func (p PendingUpload) Size() int64 {
	return int64(len(p.Data))
}
