package render

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/mmcdole/shelvd/internal/domain"
)

var (
	pdfPage     = regexp.MustCompile(`/Type\s*/Page\b`)
	pdfStream   = regexp.MustCompile(`<<([^<>]*(?:<<[^<>]*>>[^<>]*)*)>>\s*stream\r?\n`)
	pdfShowText = regexp.MustCompile(`\((.*?)\)\s*(?:Tj|')|\[(.*?)\]\s*TJ`)
	pdfTJString = regexp.MustCompile(`\((.*?)\)`)
)

// maxStreamSize bounds decompression of a single content stream
const maxStreamSize = 8 << 20

// ParsePDF counts the pages of a PDF and extracts what text it can from
// simple content streams. Pages without extractable text stay empty.
func ParsePDF(data []byte) (*Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, errors.New("pdf: missing header")
	}
	count := len(pdfPage.FindAll(data, -1))
	if count == 0 {
		return nil, errors.New("pdf: no pages")
	}

	doc := &Document{Format: domain.FormatPDF, Pages: make([]string, count)}

	texts := contentTexts(data)
	// Only trust a one-to-one stream/page mapping
	if len(texts) == count {
		copy(doc.Pages, texts)
	}
	return doc, nil
}

// contentTexts returns the shown text of every content stream that has any
func contentTexts(data []byte) []string {
	var out []string
	for _, m := range pdfStream.FindAllSubmatchIndex(data, -1) {
		dict := data[m[2]:m[3]]
		if bytes.Contains(dict, []byte("/Subtype")) {
			continue // Images, fonts, forms
		}
		body := data[m[1]:]
		end := bytes.Index(body, []byte("endstream"))
		if end < 0 {
			continue
		}
		body = body[:end]

		if bytes.Contains(dict, []byte("/FlateDecode")) {
			inflated, err := inflate(body)
			if err != nil {
				continue
			}
			body = inflated
		}
		if text := showText(body); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func inflate(body []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	defer zr.Close()
	return io.ReadAll(io.LimitReader(zr, maxStreamSize))
}

func showText(content []byte) string {
	var lines []string
	for _, m := range pdfShowText.FindAllSubmatch(content, -1) {
		if m[1] != nil {
			lines = append(lines, unescapePDF(string(m[1])))
			continue
		}
		var parts []string
		for _, s := range pdfTJString.FindAllSubmatch(m[2], -1) {
			parts = append(parts, unescapePDF(string(s[1])))
		}
		lines = append(lines, strings.Join(parts, ""))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var pdfEscapes = strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\t`, " ")

func unescapePDF(s string) string {
	return pdfEscapes.Replace(s)
}
