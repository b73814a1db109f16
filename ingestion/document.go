package ingestion

import (
	"fmt"
	"strings"
)

// SheetSourceName tags the document produced from the spreadsheet export.
const SheetSourceName = "spreadsheet"

// Document is one tagged unit of source text.
type Document struct {
	Name   string
	Path   string
	Format DocumentFormat
	Body   string
	SHA256 string
}

// ErrorKind classifies a failed extraction source.
type ErrorKind string

const (
	KindFileRead   ErrorKind = "file_read_error"
	KindSheetFetch ErrorKind = "spreadsheet_fetch_error"
)

// SourceError reports a source that contributed nothing to the knowledge
// context. Extraction continues past it.
type SourceError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Source, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Extraction is the result of one extraction pass.
type Extraction struct {
	Documents []Document
	Failures  []*SourceError
}

// Names lists the source names in extraction order.
func (e Extraction) Names() []string {
	names := make([]string, 0, len(e.Documents))
	for _, doc := range e.Documents {
		names = append(names, doc.Name)
	}
	return names
}

// KnowledgeContext concatenates document bodies, each under a source header.
// Documents with an empty body contribute nothing.
func KnowledgeContext(docs []Document) string {
	var sb strings.Builder
	for _, doc := range docs {
		if strings.TrimSpace(doc.Body) == "" {
			continue
		}
		sb.WriteString("[source: ")
		sb.WriteString(doc.Name)
		sb.WriteString("]\n")
		sb.WriteString(doc.Body)
		sb.WriteString("\n\n")
	}
	return sb.String()
}
