// Package embedding implements the EmbeddingPipeline: load a document,
// segment it into overlapping chunks, and embed those chunks via a
// provider. The PDF loader is grounded on the pack's go-fitz (MuPDF)
// usage; the splitter is hand-written (see DESIGN.md) because no ready-made
// recursive character splitter exists among the examples.
package embedding

import (
	"fmt"
	"os"
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/fabfab/knowledgebase/internal/apperr"
)

// Page is one page of loaded document text.
type Page struct {
	Number int
	Text   string
}

// LoadPDF opens path and extracts per-page text, mirroring the pack's
// go-fitz parser but preserving page boundaries instead of flattening them,
// since page_number must survive into chunk metadata.
func LoadPDF(path string) ([]Page, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, apperr.Permanent(apperr.CodeMissingTempFile, "input file not found: "+path, err)
	}

	doc, err := fitz.New(path)
	if err != nil {
		return nil, apperr.Permanent(apperr.CodeParseError, "open pdf: "+path, err)
	}
	defer doc.Close()

	numPages := doc.NumPage()
	pages := make([]Page, 0, numPages)
	for i := 0; i < numPages; i++ {
		text, err := doc.Text(i)
		if err != nil {
			// A single unreadable page does not abort the whole document;
			// it simply contributes no text.
			continue
		}
		pages = append(pages, Page{Number: i + 1, Text: text})
	}

	if allBlank(pages) {
		return nil, apperr.Permanent(apperr.CodeEmptyDocument, fmt.Sprintf("no extractable text in %s", path), nil)
	}
	return pages, nil
}

func allBlank(pages []Page) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}
