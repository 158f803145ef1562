package pdfcheck

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ledongthuc/pdf"
)

var ErrInvalidPDF = errors.New("file is not a readable PDF")

var pdfMagic = []byte("%PDF-")

// Validate checks that data is a PDF with at least one page. It does not
// extract text; the engine owns that.
func Validate(data []byte) (pages int, err error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, fmt.Errorf("%w: missing PDF header", ErrInvalidPDF)
	}

	// The reader panics on some truncated xref tables.
	defer func() {
		if r := recover(); r != nil {
			pages = 0
			err = fmt.Errorf("%w: %v", ErrInvalidPDF, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPDF, err)
	}
	pages = reader.NumPage()
	if pages <= 0 {
		return 0, fmt.Errorf("%w: no pages", ErrInvalidPDF)
	}
	return pages, nil
}
