package extract

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var textStrategies = []strategy{
	{name: "text_utf8", run: extractTextUTF8},
	{name: "text_latin1", run: extractTextLatin1},
}

func extractTextUTF8(data []byte, _ *Metadata) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("extract: not valid UTF-8")
	}
	return normalizeLineEndings(string(data)), nil
}

// extractTextLatin1 is the permissive fallback: every byte sequence is a
// valid ISO 8859-1 string, so this strategy cannot fail on non-empty input.
func extractTextLatin1(data []byte, _ *Metadata) (string, error) {
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("extract: latin-1 decode: %w", err)
	}
	return normalizeLineEndings(string(decoded)), nil
}

func normalizeLineEndings(value string) string {
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}
