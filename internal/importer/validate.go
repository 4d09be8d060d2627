package importer

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/cleared-dev/passbook/internal/model"
)

// DefaultMaxBytes is the upload ceiling; files must be strictly smaller.
const DefaultMaxBytes = 50 << 20

var (
	ErrNoBank          = errors.New("please select a bank first")
	ErrUnsupportedBank = errors.New("bank format is not supported")
	ErrNotPDF          = errors.New("only PDF files can be uploaded")
	ErrTooLarge        = errors.New("PDF is too large")
	ErrEmptyFile       = errors.New("file is empty")
)

// Validate checks a selected file before any network call is made. On
// success the pending upload's bank is rewritten to its canonical name.
func Validate(p *model.PendingUpload, banks *Registry, maxBytes int64) error {
	if strings.TrimSpace(p.Bank) == "" {
		return ErrNoBank
	}
	bank, ok := banks.Lookup(p.Bank)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedBank, p.Bank)
	}

	if p.Size() == 0 {
		return ErrEmptyFile
	}
	if !isPDF(p) {
		return ErrNotPDF
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if p.Size() >= maxBytes {
		return fmt.Errorf("%w: must be smaller than %dMB", ErrTooLarge, maxBytes>>20)
	}

	p.Bank = string(bank)
	return nil
}

// isPDF checks both the declared type and the file's magic bytes.
func isPDF(p *model.PendingUpload) bool {
	declared := strings.ToLower(strings.TrimSpace(strings.Split(p.ContentType, ";")[0]))
	if declared != "" && declared != "application/pdf" && declared != "application/octet-stream" {
		return false
	}
	sniffLen := len(p.Data)
	if sniffLen > 512 {
		sniffLen = 512
	}
	return http.DetectContentType(p.Data[:sniffLen]) == "application/pdf"
}
