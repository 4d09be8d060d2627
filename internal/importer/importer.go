package importer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cleared-dev/passbook/internal/model"
)

// Registry holds the banks the extraction service accepts.
type Registry struct {
	banks map[string]model.Bank
	order []model.Bank
}

// FileInfo describes a statement waiting in the import directory.
type FileInfo struct {
	Name string
	Path string
	Size int64
}

// NewRegistry creates an empty bank registry.
func NewRegistry() *Registry {
	return &Registry{banks: make(map[string]model.Bank)}
}

// Register adds a bank. Panics on duplicate name.
func (r *Registry) Register(b model.Bank) {
	key := normalizeBank(string(b))
	if _, ok := r.banks[key]; ok {
		panic("duplicate bank: " + key)
	}
	r.banks[key] = b
	r.order = append(r.order, b)
}

// Lookup returns the canonical bank for name, ignoring case and
// surrounding or repeated whitespace.
func (r *Registry) Lookup(name string) (model.Bank, bool) {
	b, ok := r.banks[normalizeBank(name)]
	return b, ok
}

// Banks returns the registered banks in registration order.
func (r *Registry) Banks() []model.Bank {
	out := make([]model.Bank, len(r.order))
	copy(out, r.order)
	return out
}

// DefaultRegistry returns a registry with every supported bank.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, b := range model.SupportedBanks {
		r.Register(b)
	}
	return r
}

func normalizeBank(name string) string {
	return strings.ToUpper(strings.Join(strings.Fields(name), " "))
}

// processedDir is the subdirectory statements are moved to once handled.
const processedDir = "processed"

// Scan returns the PDF files in dir. A missing directory is not an error.
func Scan(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading import dir: %w", err)
	}

	var files []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if !strings.HasSuffix(strings.ToLower(e.Name()), ".pdf") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, FileInfo{
			Name: e.Name(),
			Path: filepath.Join(dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

// MarkProcessed moves a file from dir to dir/processed/.
func MarkProcessed(dir, fileName string) error {
	src := filepath.Join(dir, fileName)
	dstDir := filepath.Join(dir, processedDir)

	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return fmt.Errorf("creating processed dir: %w", err)
	}

	dst := filepath.Join(dstDir, fileName)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("moving %s to processed: %w", fileName, err)
	}
	return nil
}

// Load reads a statement from disk into a pending upload for bank.
func Load(path, bank string) (model.PendingUpload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.PendingUpload{}, fmt.Errorf("reading statement: %w", err)
	}
	return model.PendingUpload{
		Filename:    filepath.Base(path),
		ContentType: "application/pdf",
		Data:        data,
		Bank:        bank,
	}, nil
}
