package documents

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	rardecode "github.com/nwaples/rardecode/v2"

	"manualai_back/extract"
)

const (
	maxArchiveBytes int64 = 100 * 1024 * 1024
	maxArchiveEntry int64 = maxUploadBytes
)

type archiveEntry struct {
	name string
	data []byte
}

type archiveEntryResult struct {
	Filename   string `json:"filename"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DocumentID uint64 `json:"document_id,omitempty"`
	ChunkCount int    `json:"chunk_count,omitempty"`
}

// handleUploadArchive expands a zip or rar archive and ingests every
// supported manual inside it. Unsupported and failing entries are reported
// per file; one bad manual does not abort the batch.
func (m *Module) handleUploadArchive(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	data, err := readUploadedFile(fileHeader, maxArchiveBytes)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}

	entries, err := expandArchive(data, fileHeader.Filename)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	if len(entries) == 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "archive contains no files"})
		return
	}

	userID := strings.TrimSpace(c.PostForm("user_id"))

	results := make([]archiveEntryResult, 0, len(entries))
	ingested := 0
	for _, entry := range entries {
		format := extract.FormatFromFilename(entry.name)
		if !extract.IsSupported(format) {
			results = append(results, archiveEntryResult{
				Filename: entry.name,
				Status:   "skipped",
				Error:    fmt.Sprintf("unsupported format %q", format),
			})
			continue
		}

		record, err := m.service.ProcessUpload(c.Request.Context(), entry.data, entry.name, format, userID)
		if err != nil {
			results = append(results, archiveEntryResult{
				Filename: entry.name,
				Status:   "failed",
				Error:    err.Error(),
			})
			continue
		}

		m.archiveRaw(c.Request.Context(), record.ID, entry.data, entry.name)
		results = append(results, archiveEntryResult{
			Filename:   entry.name,
			Status:     "processed",
			DocumentID: record.ID,
			ChunkCount: record.ChunkCount,
		})
		ingested++
	}

	if ingested > 0 {
		m.invalidateAnswers(c.Request.Context())
	}

	c.JSON(http.StatusCreated, gin.H{
		"entries":  results,
		"ingested": ingested,
		"total":    len(results),
	})
}

func expandArchive(data []byte, filename string) ([]archiveEntry, error) {
	switch strings.ToLower(strings.TrimPrefix(path.Ext(filename), ".")) {
	case "zip":
		return expandZip(data)
	case "rar":
		return expandRar(data)
	default:
		return nil, fmt.Errorf("documents: unsupported archive format for %q (zip and rar are accepted)", filename)
	}
}

func expandZip(data []byte) ([]archiveEntry, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("documents: parse zip archive: %w", err)
	}

	var entries []archiveEntry
	for _, file := range reader.File {
		if file.FileInfo().IsDir() {
			continue
		}
		name := sanitizeEntryName(file.Name)
		if name == "" {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("documents: open zip entry %q: %w", file.Name, err)
		}
		content, err := readArchiveEntry(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("documents: read zip entry %q: %w", file.Name, err)
		}
		entries = append(entries, archiveEntry{name: name, data: content})
	}
	return entries, nil
}

func expandRar(data []byte) ([]archiveEntry, error) {
	reader, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("documents: parse rar archive: %w", err)
	}

	var entries []archiveEntry
	for {
		header, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("documents: read rar entry: %w", err)
		}
		if header.IsDir {
			continue
		}
		name := sanitizeEntryName(header.Name)
		if name == "" {
			continue
		}
		content, err := readArchiveEntry(io.NopCloser(reader))
		if err != nil {
			return nil, fmt.Errorf("documents: read rar entry %q: %w", header.Name, err)
		}
		entries = append(entries, archiveEntry{name: name, data: content})
	}
	return entries, nil
}

func readArchiveEntry(rc io.Reader) ([]byte, error) {
	var buffer bytes.Buffer
	written, err := io.Copy(&buffer, io.LimitReader(rc, maxArchiveEntry+1))
	if err != nil {
		return nil, err
	}
	if written > maxArchiveEntry {
		return nil, fmt.Errorf("entry exceeds %d bytes", maxArchiveEntry)
	}
	return buffer.Bytes(), nil
}

// sanitizeEntryName keeps the base filename, dropping directory prefixes,
// traversal attempts and metadata entries.
func sanitizeEntryName(raw string) string {
	cleaned := path.Base(strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/"))
	if cleaned == "" || cleaned == "." || cleaned == "/" || strings.HasPrefix(cleaned, "._") {
		return ""
	}
	if strings.HasPrefix(cleaned, ".") && !strings.Contains(cleaned[1:], ".") {
		return ""
	}
	return cleaned
}
