package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/cleared-dev/passbook/internal/model"
)

// RecordType tags one streamed record.
type RecordType string

const (
	RecordMetadata RecordType = "metadata"
	RecordPageData RecordType = "page_data"
	RecordAccuracy RecordType = "accuracy"
	RecordError    RecordType = "error"
)

// Record is one line of an extraction stream. Which fields are set depends
// on Type.
type Record struct {
	Type RecordType `json:"type"`

	// metadata
	Metadata *model.DocumentMetadata `json:"metadata,omitempty"`
	Bank     string                  `json:"bank,omitempty"`

	// page_data
	Page         int                 `json:"page,omitempty"`
	Transactions []model.Transaction `json:"transactions,omitempty"`

	// accuracy
	Accuracy *model.AccuracySummary `json:"accuracy,omitempty"`

	// error
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

// DecodeRecord parses one stream line. Metadata and accuracy payloads may
// be nested under their own key or flattened into the record. An unknown
// type is reported as an error so the caller can skip it.
func DecodeRecord(raw json.RawMessage) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding record: %w", err)
	}
	switch rec.Type {
	case RecordMetadata:
		if rec.Metadata == nil {
			rec.Metadata = &model.DocumentMetadata{}
			if err := json.Unmarshal(raw, rec.Metadata); err != nil {
				return Record{}, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		return rec, nil
	case RecordAccuracy:
		if rec.Accuracy == nil {
			rec.Accuracy = &model.AccuracySummary{}
			if err := json.Unmarshal(raw, rec.Accuracy); err != nil {
				return Record{}, fmt.Errorf("decoding accuracy: %w", err)
			}
		}
		return rec, nil
	case RecordPageData, RecordError:
		return rec, nil
	case "":
		return Record{}, fmt.Errorf("record has no type")
	default:
		return Record{}, fmt.Errorf("unknown record type %q", rec.Type)
	}
}

// ErrorMessage returns the failure text an error record carries.
func (r Record) ErrorMessage() string {
	switch {
	case r.Message != "":
		return r.Message
	case r.Error != "":
		return r.Error
	default:
		return "Processing failed"
	}
}
