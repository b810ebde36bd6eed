// Package resume extracts plain text from uploaded PDF résumés.
package resume

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// MaxChars caps the extracted text so it fits the talent bio.
const MaxChars = 8000

// MaxUploadBytes bounds the accepted PDF size.
const MaxUploadBytes = 10 << 20

// ErrNotPDF is returned when the input does not start with a PDF header.
var ErrNotPDF = errors.New("input is not a PDF document")

// ExtractText returns the whitespace-normalized text of a PDF, truncated
// to MaxChars characters at a word boundary.
func ExtractText(data []byte) (text string, err error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return "", ErrNotPDF
	}
	// The PDF parser panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("parsing PDF: %v", r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting PDF text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("reading PDF text: %w", err)
	}
	return truncate(strings.Join(strings.Fields(string(raw)), " "), MaxChars), nil
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:max])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		return cut[:idx]
	}
	return cut
}
