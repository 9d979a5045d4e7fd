package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

var docxStrategies = []strategy{
	{name: "docx_xml", run: extractDOCX},
}

// documentXML mirrors the subset of word/document.xml we care about.
// Paragraphs and tables are decoded separately so table text can be appended
// after the paragraph flow with a marker.
type documentXML struct {
	Body struct {
		Paragraphs []docParagraph `xml:"p"`
		Tables     []docTable     `xml:"tbl"`
	} `xml:"body"`
}

type docParagraph struct {
	Runs []struct {
		Texts []string `xml:"t"`
	} `xml:"r"`
}

type docTable struct {
	Rows []struct {
		Cells []struct {
			Paragraphs []docParagraph `xml:"p"`
		} `xml:"tc"`
	} `xml:"tr"`
}

// extractDOCX opens the file as a ZIP container and parses word/document.xml.
// Paragraph text comes first in document order; tables follow after a
// `--- TABLES ---` marker.
func extractDOCX(data []byte, _ *Metadata) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("extract: open docx container: %w", err)
	}

	var raw []byte
	for _, file := range reader.File {
		if file.Name != "word/document.xml" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("extract: open document.xml: %w", err)
		}
		raw, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("extract: read document.xml: %w", err)
		}
		break
	}
	if raw == nil {
		return "", fmt.Errorf("extract: docx has no word/document.xml")
	}

	var document documentXML
	if err := xml.Unmarshal(raw, &document); err != nil {
		return "", fmt.Errorf("extract: parse document.xml: %w", err)
	}

	var builder strings.Builder
	for _, paragraph := range document.Body.Paragraphs {
		text := paragraphText(paragraph)
		if text != "" {
			builder.WriteString(text)
			builder.WriteString("\n")
		}
	}

	tables := tableText(document.Body.Tables)
	if tables != "" {
		builder.WriteString("\n--- TABLES ---\n")
		builder.WriteString(tables)
	}

	return builder.String(), nil
}

func paragraphText(paragraph docParagraph) string {
	var parts []string
	for _, run := range paragraph.Runs {
		for _, text := range run.Texts {
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, ""))
}

func tableText(tables []docTable) string {
	var builder strings.Builder
	for _, table := range tables {
		for _, row := range table.Rows {
			var cells []string
			for _, cell := range row.Cells {
				var cellParts []string
				for _, paragraph := range cell.Paragraphs {
					if text := paragraphText(paragraph); text != "" {
						cellParts = append(cellParts, text)
					}
				}
				if len(cellParts) > 0 {
					cells = append(cells, strings.Join(cellParts, " "))
				}
			}
			if len(cells) > 0 {
				builder.WriteString(strings.Join(cells, " | "))
				builder.WriteString("\n")
			}
		}
	}
	return builder.String()
}
