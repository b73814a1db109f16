package ingestion

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fumiama/go-docx"
	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// DocumentPayload is the raw content of one source file.
type DocumentPayload struct {
	Path string
	Data []byte
}

// DocumentParser turns a payload into plain text.
type DocumentParser interface {
	Parse(ctx context.Context, payload DocumentPayload) (string, error)
}

// ParserFunc adapts a function to DocumentParser.
type ParserFunc func(ctx context.Context, payload DocumentPayload) (string, error)

func (f ParserFunc) Parse(ctx context.Context, payload DocumentPayload) (string, error) {
	return f(ctx, payload)
}

func defaultParsers() map[DocumentFormat]DocumentParser {
	return map[DocumentFormat]DocumentParser{
		FormatPDF:  pdfParser{},
		FormatDOCX: docxParser{},
		FormatText: textParser{},
		FormatCSV:  csvParser{},
		FormatXLSX: xlsxParser{},
		FormatHTML: htmlParser{},
	}
}

type pdfParser struct{}

// Parse extracts text page by page, skipping blank pages.
func (pdfParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	pages := make([]string, 0, doc.NumPage())
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("extract pdf page %d: %w", i, err)
		}
		text = strings.TrimSpace(normalizePlainText(text))
		if text == "" {
			continue
		}
		pages = append(pages, text)
	}

	return strings.Join(pages, "\n"), nil
}

type docxParser struct{}

// Parse emits one line per non-empty paragraph. Tables are rendered like
// sheets.
func (docxParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	doc, err := docx.Parse(bytes.NewReader(payload.Data), int64(len(payload.Data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}

	var blocks []string
	for _, item := range doc.Document.Body.Items {
		switch el := item.(type) {
		case *docx.Paragraph:
			if text := strings.TrimSpace(el.String()); text != "" {
				blocks = append(blocks, text)
			}
		case *docx.Table:
			if table := renderTable(docxTableRows(el)); table != "" {
				blocks = append(blocks, table)
			}
		}
	}
	return strings.Join(blocks, "\n"), nil
}

func docxTableRows(table *docx.Table) [][]string {
	rows := make([][]string, 0, len(table.TableRows))
	for _, tr := range table.TableRows {
		if tr == nil {
			continue
		}
		cells := make([]string, 0, len(tr.TableCells))
		for _, tc := range tr.TableCells {
			var parts []string
			if tc != nil {
				for _, p := range tc.Paragraphs {
					if text := strings.TrimSpace(p.String()); text != "" {
						parts = append(parts, text)
					}
				}
			}
			cells = append(cells, strings.Join(parts, " "))
		}
		rows = append(rows, cells)
	}
	return rows
}

type textParser struct{}

func (textParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	content := normalizePlainText(string(payload.Data))
	paragraphs := strings.Split(content, "\n\n")
	kept := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n"), nil
}

type csvParser struct{}

func (csvParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	return parseCSVTable(payload.Data)
}

func parseCSVTable(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	return renderTable(records), nil
}

type xlsxParser struct{}

// Parse renders every sheet of the workbook, each under its sheet name.
func (xlsxParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	book, err := excelize.OpenReader(bytes.NewReader(payload.Data))
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer book.Close()

	sheets := book.GetSheetList()
	parts := make([]string, 0, len(sheets))
	for _, sheet := range sheets {
		rows, err := book.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("read sheet %s: %w", sheet, err)
		}
		table := renderTable(rows)
		if table == "" {
			continue
		}
		if len(sheets) > 1 {
			table = "## " + sheet + "\n" + table
		}
		parts = append(parts, table)
	}
	return strings.Join(parts, "\n\n"), nil
}

// renderTable lays out every row of a table as aligned text columns. The
// first row is treated as the header like any other row.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}

	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		if isBlankRow(row) {
			continue
		}
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = strings.Join(strings.Fields(cell), " ")
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	_ = w.Flush()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
