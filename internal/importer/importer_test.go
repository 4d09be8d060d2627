package importer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cleared-dev/passbook/internal/model"
)

var minimalPDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\ntrailer\n<<>>\n%%EOF\n")

func pending(bank string, data []byte) *model.PendingUpload {
	return &model.PendingUpload{
		Filename:    "statement.pdf",
		ContentType: "application/pdf",
		Data:        data,
		Bank:        bank,
	}
}

func TestRegistry_LookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("HDFC BANK")
	assert.False(t, ok)
}

func TestRegistry_CaseAndSpaceInsensitive(t *testing.T) {
	r := DefaultRegistry()
	for _, name := range []string{"hdfc bank", "HDFC  BANK", " Hdfc Bank "} {
		b, ok := r.Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, model.BankHDFC, b)
	}
}

func TestRegistry_DuplicatePanics(t *testing.T) {
	r := NewRegistry()
	r.Register(model.BankICICI)
	assert.Panics(t, func() { r.Register("icici bank") })
}

func TestDefaultRegistry_Order(t *testing.T) {
	assert.Equal(t, model.SupportedBanks, DefaultRegistry().Banks())
}

func TestValidate(t *testing.T) {
	banks := DefaultRegistry()
	tests := []struct {
		name    string
		upload  *model.PendingUpload
		max     int64
		wantErr error
	}{
		{"ok", pending("hdfc bank", minimalPDF), 0, nil},
		{"no bank", pending("", minimalPDF), 0, ErrNoBank},
		{"unknown bank", pending("BANK OF NOWHERE", minimalPDF), 0, ErrUnsupportedBank},
		{"empty", pending("HDFC BANK", nil), 0, ErrEmptyFile},
		{"not a pdf", pending("HDFC BANK", []byte("Date,Amount\n01-01-2024,1\n")), 0, ErrNotPDF},
		{"too large", pending("HDFC BANK", minimalPDF), int64(len(minimalPDF)), ErrTooLarge},
		{"just under limit", pending("HDFC BANK", minimalPDF), int64(len(minimalPDF)) + 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.upload, banks, tt.max)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidate_CanonicalisesBank(t *testing.T) {
	p := pending("kotak  mahindra bank", minimalPDF)
	require.NoError(t, Validate(p, DefaultRegistry(), 0))
	assert.Equal(t, string(model.BankKotakMahindra), p.Bank)
}

func TestValidate_DeclaredTypeMismatch(t *testing.T) {
	p := pending("HDFC BANK", minimalPDF)
	p.ContentType = "text/csv"
	assert.ErrorIs(t, Validate(p, DefaultRegistry(), 0), ErrNotPDF)
}

func TestScan_FindsPDFs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "march.pdf"), minimalPDF, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "APRIL.PDF"), minimalPDF, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "processed"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "processed", "old.pdf"), minimalPDF, 0o644))

	files, err := Scan(dir)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "APRIL.PDF", files[0].Name)
	assert.Equal(t, "march.pdf", files[1].Name)
	assert.Equal(t, int64(len(minimalPDF)), files[1].Size)
}

func TestScan_MissingDir(t *testing.T) {
	files, err := Scan(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, files)
}

func TestMarkProcessed(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "march.pdf"), minimalPDF, 0o644))

	require.NoError(t, MarkProcessed(dir, "march.pdf"))

	_, err := os.Stat(filepath.Join(dir, "march.pdf"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "processed", "march.pdf"))
	assert.NoError(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "june.pdf")
	require.NoError(t, os.WriteFile(path, minimalPDF, 0o644))

	p, err := Load(path, "ICICI BANK")
	require.NoError(t, err)
	assert.Equal(t, "june.pdf", p.Filename)
	assert.Equal(t, "ICICI BANK", p.Bank)
	assert.Equal(t, minimalPDF, p.Data)

	_, err = Load(filepath.Join(t.TempDir(), "missing.pdf"), "ICICI BANK")
	assert.Error(t, err)
}
