package extract

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"

	dslipak "github.com/dslipak/pdf"
	ledongthuc "github.com/ledongthuc/pdf"
)

// Three independent attempts, best first: a layout-aware row extractor that
// keeps table cells on one line, a plain-text extractor, and a baseline scan
// of uncompressed content streams for files both libraries choke on.
var pdfStrategies = []strategy{
	{name: "pdf_layout", run: extractPDFLayout},
	{name: "pdf_plaintext", run: extractPDFPlainText},
	{name: "pdf_baseline", run: extractPDFBaseline},
}

// extractPDFLayout walks pages row by row so tabular spec sheets keep their
// cell grouping. Emits a page separator per page, like the source manuals
// expect downstream.
func extractPDFLayout(data []byte, meta *Metadata) (text string, err error) {
	defer recoverPDFPanic(&err)

	reader, err := ledongthuc.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extract: open pdf: %w", err)
	}

	total := reader.NumPage()
	meta.PageCount = total

	var builder strings.Builder
	for pageNum := 1; pageNum <= total; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		rows, err := page.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("extract: pdf page %d rows: %w", pageNum, err)
		}

		var pageText strings.Builder
		for _, row := range rows {
			var cells []string
			for _, word := range row.Content {
				trimmed := strings.TrimSpace(word.S)
				if trimmed != "" {
					cells = append(cells, trimmed)
				}
			}
			if len(cells) > 0 {
				pageText.WriteString(strings.Join(cells, " "))
				pageText.WriteString("\n")
			}
		}

		if pageText.Len() > 0 {
			fmt.Fprintf(&builder, "\n--- PAGE %d ---\n", pageNum)
			builder.WriteString(pageText.String())
		}
	}
	return builder.String(), nil
}

func extractPDFPlainText(data []byte, meta *Metadata) (text string, err error) {
	defer recoverPDFPanic(&err)

	reader, err := dslipak.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extract: open pdf: %w", err)
	}
	if meta.PageCount == 0 {
		meta.PageCount = reader.NumPage()
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract: pdf plain text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return "", fmt.Errorf("extract: read pdf plain text: %w", err)
	}
	return string(raw), nil
}

var pdfLiteralPattern = regexp.MustCompile(`\(((?:\\.|[^\\()])*)\)\s*(?:Tj|TJ|')`)

// extractPDFBaseline pulls literal strings out of uncompressed content
// streams. It recovers something from malformed files with plain Tj/TJ
// operators where the real parsers fail outright.
func extractPDFBaseline(data []byte, _ *Metadata) (string, error) {
	matches := pdfLiteralPattern.FindAllSubmatch(data, -1)
	if len(matches) == 0 {
		return "", nil
	}
	var builder strings.Builder
	for _, match := range matches {
		literal := unescapePDFLiteral(string(match[1]))
		if strings.TrimSpace(literal) == "" {
			continue
		}
		builder.WriteString(literal)
		builder.WriteString("\n")
	}
	return builder.String(), nil
}

func unescapePDFLiteral(value string) string {
	replacer := strings.NewReplacer(
		`\(`, "(",
		`\)`, ")",
		`\\`, `\`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
	)
	return replacer.Replace(value)
}

// The rsc-derived PDF parsers panic on malformed xref tables instead of
// returning errors; a panicking strategy must count as a failed attempt.
func recoverPDFPanic(err *error) {
	if recovered := recover(); recovered != nil {
		*err = fmt.Errorf("extract: pdf parser panic: %v", recovered)
	}
}
