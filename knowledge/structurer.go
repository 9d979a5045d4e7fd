package knowledge

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"
)

// Tag labels prefixed onto classified lines. The label plus ": " marks a
// tagged line, which the chunker treats as atomic.
const (
	TagMachineModel  = "MACHINE_MODEL"
	TagSpecification = "SPECIFICATION"
	TagErrorCode     = "ERROR_CODE_INFO"
	TagSafety        = "SAFETY_INSTRUCTION"
	TagMaintenance   = "MAINTENANCE_TASK"
	TagTechnicalSpec = "TECHNICAL_SPEC"
)

var (
	machineModelPattern    = regexp.MustCompile(`(?i)\b(PMC|CNC|MODEL)\W*\d+`)
	errorCodePattern       = regexp.MustCompile(`(?i)\bE\d{3,4}\b`)
	numberedHeadingPattern = regexp.MustCompile(`^\d+\.?\s+[A-Z]`)
)

var safetyKeywords = []string{
	"safety", "warning", "caution", "danger", "hazard", "protective", "never bypass", "lockout",
}

var maintenanceKeywords = []string{
	"maintenance", "lubricate", "inspect", "replace", "calibrate", "service interval",
}

var technicalKeywords = []string{
	"spindle", "axis", "travel", "accuracy", "capacity", "power", "speed", "torque",
}

// lineClassifier pairs a tag label with a pure predicate. The slice below is
// the priority order; the first match wins per line, which keeps the
// tie-break auditable and each tag independently testable.
type lineClassifier struct {
	label   string
	matches func(line string) bool
}

var lineClassifiers = []lineClassifier{
	{TagMachineModel, func(line string) bool { return machineModelPattern.MatchString(line) }},
	{TagSpecification, isKeyValueSpec},
	{TagErrorCode, func(line string) bool { return errorCodePattern.MatchString(line) }},
	{TagSafety, containsAnyFold(safetyKeywords)},
	{TagMaintenance, containsAnyFold(maintenanceKeywords)},
	{TagTechnicalSpec, containsAnyFold(technicalKeywords)},
}

// Structure transforms raw extracted text into boundary-marked, semantically
// tagged text. Pure function: no I/O, never fails; when nothing matches, the
// body passes through unchanged under the header block.
//
// The header block is the contamination guard: every chunk cut from this text
// carries back-traceable provenance text, not just an external id, so the
// answer-synthesis step can cite the right manual even if metadata is lost
// downstream.
func Structure(text string, filename string, format string, uploadedAt time.Time) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "=== DOCUMENT: %s ===\n", filename)
	fmt.Fprintf(&builder, "=== FORMAT: %s ===\n", strings.ToUpper(NormalizeFormatLabel(format)))
	fmt.Fprintf(&builder, "=== UPLOADED: %s ===\n\n", uploadedAt.UTC().Format(time.RFC3339))

	for _, rawLine := range strings.Split(normalizeNewlines(text), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			builder.WriteString("\n")
			continue
		}
		builder.WriteString(structureLine(line))
		builder.WriteString("\n")
	}

	fmt.Fprintf(&builder, "\n=== END OF %s ===", filename)
	return builder.String()
}

func structureLine(line string) string {
	// Boundary and page markers from extraction pass through untouched.
	if strings.HasPrefix(line, "===") || strings.HasPrefix(line, "---") {
		return line
	}
	// Section headers are flagged, never tag-prefixed, so the chunker can
	// avoid cutting right after them.
	if IsSectionHeader(line) {
		return "## " + line
	}
	for _, classifier := range lineClassifiers {
		if classifier.matches(line) {
			return classifier.label + ": " + line
		}
	}
	return line
}

// IsSectionHeader detects heading-like lines: short, and either all caps,
// carrying a structural keyword, or numbered.
func IsSectionHeader(line string) bool {
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	if isAllUpper(line) {
		return true
	}
	lower := strings.ToLower(line)
	for _, keyword := range []string{"chapter", "section", "part", "introduction", "overview", "procedure", "operation"} {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return numberedHeadingPattern.MatchString(line)
}

// IsTaggedLine reports whether the line carries one of the semantic tag
// prefixes (or the section-header flag) added by Structure.
func IsTaggedLine(line string) bool {
	if strings.HasPrefix(line, "## ") {
		return true
	}
	for _, classifier := range lineClassifiers {
		if strings.HasPrefix(line, classifier.label+": ") {
			return true
		}
	}
	return false
}

// ExtractTags collects the distinct tag labels present in a chunk's text.
func ExtractTags(text string) []string {
	seen := make(map[string]struct{})
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		for _, classifier := range lineClassifiers {
			if strings.HasPrefix(trimmed, classifier.label+": ") {
				seen[classifier.label] = struct{}{}
				break
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	tags := make([]string, 0, len(seen))
	for tag := range seen {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// DetectDocumentType classifies a whole manual from its structured text.
func DetectDocumentType(text string) string {
	lower := strings.ToLower(text)

	if strings.Contains(lower, "=== sheet:") {
		switch {
		case containsAny(lower, "inventory", "stock", "parts"):
			return "inventory_spreadsheet"
		case containsAny(lower, "schedule", "timeline", "calendar"):
			return "schedule_spreadsheet"
		case containsAny(lower, "maintenance", "checklist"):
			return "maintenance_spreadsheet"
		case containsAny(lower, "specification", "parameters"):
			return "specification_spreadsheet"
		default:
			return "data_spreadsheet"
		}
	}

	switch {
	case containsAny(lower, "manual", "instruction", "guide", "handbook"):
		switch {
		case containsAny(lower, "maintenance", "service", "repair"):
			return "maintenance_manual"
		case containsAny(lower, "operation", "operating", "user"):
			return "operation_manual"
		case containsAny(lower, "installation", "setup", "assembly"):
			return "installation_guide"
		default:
			return "general_manual"
		}
	case containsAny(lower, "safety", "warning", "hazard"):
		return "safety_document"
	case containsAny(lower, "specification", "technical"):
		return "technical_specification"
	case containsAny(lower, "troubleshoot", "error", "fault"):
		return "troubleshooting_guide"
	default:
		return "general_document"
	}
}

// NormalizeFormatLabel strips a leading dot and lowers the format name.
func NormalizeFormatLabel(format string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(format)), ".")
}

func isKeyValueSpec(line string) bool {
	if strings.Count(line, ":") != 1 {
		return false
	}
	key, value, _ := strings.Cut(line, ":")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	return key != "" && value != "" && len(key) < 50 && len(value) < 100
}

func containsAnyFold(keywords []string) func(string) bool {
	return func(line string) bool {
		return containsAny(strings.ToLower(line), keywords...)
	}
}

func containsAny(lower string, keywords ...string) bool {
	for _, keyword := range keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

func isAllUpper(line string) bool {
	hasLetter := false
	for _, r := range line {
		if unicode.IsLetter(r) {
			hasLetter = true
			if unicode.IsLower(r) {
				return false
			}
		}
	}
	return hasLetter
}
