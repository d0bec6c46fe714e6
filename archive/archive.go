// Package archive reads and rewrites PTU zip packages.
//
// A PTU package is a zip holding one invoice XML (extension .051 or .xml)
// and possibly sibling entries. Corrections replace the invoice entry only;
// every other entry is copied without recompression.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// ErrNoInvoice is returned when a package holds no invoice entry.
var ErrNoInvoice = errors.New("no invoice entry in package")

// InvoiceExtensions are matched case-insensitively, in priority order.
var InvoiceExtensions = []string{".051", ".xml"}

// Invoice is the XML entry of a package.
type Invoice struct {
	Name     string
	Data     []byte
	Modified time.Time
}

// IsPackage reports whether name looks like a PTU zip.
func IsPackage(name string) bool {
	return strings.EqualFold(path.Ext(name), ".zip")
}

// ReadInvoice extracts the invoice entry from a zip held in memory.
func ReadInvoice(pkg []byte) (*Invoice, error) {
	zr, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		return nil, fmt.Errorf("open package: %w", err)
	}

	f := findInvoice(zr.File)
	if f == nil {
		return nil, ErrNoInvoice
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return &Invoice{Name: f.Name, Data: data, Modified: f.Modified}, nil
}

// Repack writes a copy of pkg to w with the invoice entry replaced by inv.
// Sibling entries keep their order and compressed bytes; the invoice is
// written last, deflated.
func Repack(w io.Writer, pkg []byte, inv Invoice) error {
	zr, err := zip.NewReader(bytes.NewReader(pkg), int64(len(pkg)))
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}

	zw := zip.NewWriter(w)
	for _, f := range zr.File {
		if f.Name == inv.Name {
			continue
		}
		if err := zw.Copy(f); err != nil {
			return fmt.Errorf("copy %s: %w", f.Name, err)
		}
	}

	modified := inv.Modified
	if modified.IsZero() {
		modified = time.Now()
	}
	fw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     inv.Name,
		Method:   zip.Deflate,
		Modified: modified,
	})
	if err != nil {
		return fmt.Errorf("create %s: %w", inv.Name, err)
	}
	if _, err := fw.Write(inv.Data); err != nil {
		return fmt.Errorf("write %s: %w", inv.Name, err)
	}
	return zw.Close()
}

// RepackBytes is Repack into memory.
func RepackBytes(pkg []byte, inv Invoice) ([]byte, error) {
	var buf bytes.Buffer
	if err := Repack(&buf, pkg, inv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func findInvoice(files []*zip.File) *zip.File {
	for _, ext := range InvoiceExtensions {
		for _, f := range files {
			if f.FileInfo().IsDir() {
				continue
			}
			if strings.EqualFold(path.Ext(f.Name), ext) {
				return f
			}
		}
	}
	return nil
}
