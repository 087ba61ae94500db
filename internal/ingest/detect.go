// Package ingest detects upload formats and canonicalises plain-text sources into markdown.
package ingest

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/Lllllllleong/publishflow/internal/apperr"
	"github.com/Lllllllleong/publishflow/internal/models"
)

// DefaultMaxBytes is the upload size cap of the conversion service.
const DefaultMaxBytes int64 = 50 << 20

var extensions = map[string]models.DocumentType{
	".md":   models.DocumentMarkdown,
	".txt":  models.DocumentTXT,
	".docx": models.DocumentDOCX,
}

var (
	zipMagic = []byte("PK\x03\x04")
	utf8BOM  = []byte("\xEF\xBB\xBF")
)

// Detect classifies f and rejects it before any network call when it is of an
// unsupported type, too large, or obviously corrupt.
func Detect(f models.RawFile, maxBytes int64) (models.DocumentType, error) {
	ext := strings.ToLower(filepath.Ext(f.Filename))
	typ, ok := extensions[ext]
	if !ok {
		return "", apperr.Newf(apperr.StageIngest, apperr.CodeUnsupported, "unsupported file type %q (allowed: .md, .docx, .txt)", ext)
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if int64(len(f.Data)) > maxBytes {
		return "", apperr.Newf(apperr.StageIngest, apperr.CodeTooLarge, "file is %d bytes, limit is %d", len(f.Data), maxBytes)
	}
	if len(f.Data) == 0 {
		return "", apperr.Newf(apperr.StageIngest, apperr.CodeCorrupt, "file %q is empty", f.Filename)
	}

	switch typ {
	case models.DocumentDOCX:
		if !bytes.HasPrefix(f.Data, zipMagic) {
			return "", apperr.Newf(apperr.StageIngest, apperr.CodeCorrupt, "file %q is not a zip container", f.Filename)
		}
	default:
		body := bytes.TrimPrefix(f.Data, utf8BOM)
		if !utf8.Valid(body) {
			return "", apperr.Newf(apperr.StageIngest, apperr.CodeCorrupt, "file %q is not valid UTF-8", f.Filename)
		}
		if bytes.IndexByte(body, 0) >= 0 {
			return "", apperr.Newf(apperr.StageIngest, apperr.CodeCorrupt, "file %q contains NUL bytes", f.Filename)
		}
	}
	return typ, nil
}

// Canonicalize turns markdown or plain-text bytes into canonical markdown: BOM
// stripped, LF line endings, NFC normalised. Plain text is reflowed into
// blank-line separated paragraphs.
func Canonicalize(typ models.DocumentType, data []byte) (string, error) {
	switch typ {
	case models.DocumentMarkdown, models.DocumentTXT:
	default:
		return "", apperr.Newf(apperr.StageIngest, apperr.CodeUnsupported, "no in-process conversion for %s", typ)
	}

	data = bytes.TrimPrefix(data, utf8BOM)
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\r"), []byte("\n"))
	text := norm.NFC.String(string(data))

	if typ == models.DocumentMarkdown {
		return text, nil
	}

	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		if p = strings.TrimSpace(p); p != "" {
			paras = append(paras, p)
		}
	}
	return strings.Join(paras, "\n\n"), nil
}

// TypeForTarget maps a conversion target name to a document type.
func TypeForTarget(target string) (models.DocumentType, error) {
	switch strings.ToLower(strings.TrimSpace(target)) {
	case "", "markdown", "md":
		return models.DocumentMarkdown, nil
	case "txt", "text":
		return models.DocumentTXT, nil
	case "docx":
		return models.DocumentDOCX, nil
	}
	return "", apperr.New(apperr.StageIngest, apperr.CodeUnsupported, fmt.Errorf("unsupported target format %q", target))
}
