package pdfinfo

import (
	"bytes"
	"errors"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned when the uploaded bytes are not a PDF document.
var ErrNotPDF = errors.New("file is not a pdf")

var pdfMagic = []byte("%PDF-")

// PageCount parses the document and returns its page count.
func PageCount(data []byte) (int, error) {
	if !bytes.HasPrefix(data, pdfMagic) {
		return 0, ErrNotPDF
	}
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, ErrNotPDF
	}
	return reader.NumPage(), nil
}
