package extract

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
)

var (
	// ErrUnsupportedFormat is returned when the declared format is not in the
	// supported set. It is surfaced before any extraction strategy runs.
	ErrUnsupportedFormat = errors.New("extract: unsupported format")
	// ErrExtractionFailed is returned only when every fallback strategy for
	// the declared format failed.
	ErrExtractionFailed = errors.New("extract: all extraction strategies failed")
)

// Metadata describes how an extraction went: the winning strategy, basic
// counts and any content-sniffing warning.
type Metadata struct {
	Format          string   `json:"format"`
	Strategy        string   `json:"strategy"`
	Empty           bool     `json:"empty"`
	MismatchWarning string   `json:"mismatch_warning,omitempty"`
	PageCount       int      `json:"page_count,omitempty"`
	SheetNames      []string `json:"sheet_names,omitempty"`
	WordCount       int      `json:"word_count"`
	CharCount       int      `json:"char_count"`
}

// strategy is a single extraction attempt with a uniform signature. Chains
// are ordered lists of strategies; the first one returning non-empty text
// wins and new libraries are added by appending to the list.
type strategy struct {
	name string
	run  func(data []byte, meta *Metadata) (string, error)
}

var supportedFormats = map[string]struct{}{
	"pdf":  {},
	"docx": {},
	"doc":  {},
	"txt":  {},
	"xlsx": {},
	"xls":  {},
}

// SupportedFormats lists the accepted declared formats.
func SupportedFormats() []string {
	return []string{"pdf", "docx", "doc", "txt", "xlsx", "xls"}
}

// IsSupported reports whether the declared format can be extracted.
func IsSupported(format string) bool {
	_, ok := supportedFormats[NormalizeFormat(format)]
	return ok
}

// NormalizeFormat lowers a format or filename extension to its bare form.
func NormalizeFormat(format string) string {
	trimmed := strings.ToLower(strings.TrimSpace(format))
	trimmed = strings.TrimPrefix(trimmed, ".")
	return trimmed
}

// FormatFromFilename derives the declared format from a filename extension.
func FormatFromFilename(filename string) string {
	return NormalizeFormat(filepath.Ext(filename))
}

// Extract converts raw file bytes of a declared format into plain text.
//
// The declared format is an explicit trust boundary: when content sniffing
// contradicts it the declared format still wins, and the disagreement is
// recorded in Metadata.MismatchWarning instead of being auto-corrected.
// Individual strategy failures are recovered locally and never surface; only
// total exhaustion returns ErrExtractionFailed.
func Extract(data []byte, declaredFormat string) (string, Metadata, error) {
	format := NormalizeFormat(declaredFormat)
	meta := Metadata{Format: format}

	if _, ok := supportedFormats[format]; !ok {
		return "", meta, fmt.Errorf("%w: %q", ErrUnsupportedFormat, declaredFormat)
	}

	if len(data) == 0 {
		meta.Empty = true
		meta.Strategy = "none"
		return "", meta, nil
	}

	meta.MismatchWarning = sniffMismatch(data, format)

	var lastErr error
	for _, s := range chainFor(format) {
		text, err := s.run(data, &meta)
		if err != nil {
			lastErr = err
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		meta.Strategy = s.name
		meta.WordCount = len(strings.Fields(text))
		meta.CharCount = len(text)
		return text, meta, nil
	}

	if lastErr != nil {
		return "", meta, fmt.Errorf("%w (%s): %v", ErrExtractionFailed, format, lastErr)
	}

	// Every strategy parsed the file but found no text. Valid, not an error.
	meta.Empty = true
	meta.Strategy = "none"
	return "", meta, nil
}

func chainFor(format string) []strategy {
	switch format {
	case "pdf":
		return pdfStrategies
	case "xlsx":
		return xlsxStrategies
	case "xls":
		return xlsStrategies
	case "docx", "doc":
		return docxStrategies
	case "txt":
		return textStrategies
	default:
		return nil
	}
}

// sniffedKinds maps declared formats to content types http.DetectContentType
// is able to recognise for them. DOCX/XLSX are ZIP containers; legacy DOC/XLS
// are OLE compound files the sniffer reports as octet-stream, so they are
// never flagged.
var sniffedKinds = map[string][]string{
	"pdf":  {"application/pdf"},
	"docx": {"application/zip"},
	"xlsx": {"application/zip"},
	"txt":  {"text/plain", "text/"},
}

func sniffMismatch(data []byte, format string) string {
	expected, ok := sniffedKinds[format]
	if !ok {
		return ""
	}
	detected := http.DetectContentType(data)
	for _, prefix := range expected {
		if strings.HasPrefix(detected, prefix) {
			return ""
		}
	}
	if detected == "application/octet-stream" {
		// Sniffer gave up; nothing conclusive to warn about.
		return ""
	}
	return fmt.Sprintf("declared format %q but content sniffed as %q", format, detected)
}
