// Package ingestion extracts policy text from local documents and spreadsheet exports.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatPDF represents page-oriented PDF documents.
	FormatPDF DocumentFormat = "pdf"
	// FormatDOCX represents paragraph-oriented Word documents.
	FormatDOCX DocumentFormat = "docx"
	// FormatText represents plain text and Markdown documents.
	FormatText DocumentFormat = "text"
	// FormatCSV represents comma separated values documents.
	FormatCSV DocumentFormat = "csv"
	// FormatXLSX represents Excel workbooks.
	FormatXLSX DocumentFormat = "xlsx"
	// FormatHTML represents saved intranet pages.
	FormatHTML DocumentFormat = "html"
)

// DetectFormat infers a document format from the provided path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return FormatPDF
	case ".docx":
		return FormatDOCX
	case ".txt", ".md", ".markdown":
		return FormatText
	case ".csv":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatUnknown
	}
}

// Supported reports whether path has an extension the extractor can parse.
func Supported(path string) bool {
	return DetectFormat(path) != FormatUnknown
}
