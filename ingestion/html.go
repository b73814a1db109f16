package ingestion

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

type htmlParser struct{}

// Parse keeps the visible text of a page, one block element per paragraph.
// Tables are rendered like spreadsheets.
func (htmlParser) Parse(_ context.Context, payload DocumentPayload) (string, error) {
	root, err := html.Parse(bytes.NewReader(payload.Data))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	w := &htmlWalker{}
	w.walk(root, 0)
	w.flush()
	return strings.Join(w.blocks, "\n\n"), nil
}

type htmlWalker struct {
	blocks []string
	line   strings.Builder
}

func (w *htmlWalker) walk(n *html.Node, depth int) {
	if depth > 100 {
		return
	}

	switch n.Type {
	case html.TextNode:
		w.line.WriteString(collapseSpace(n.Data))
		return
	case html.ElementNode:
		switch n.Data {
		case "script", "style", "noscript", "template", "svg", "head":
			return
		case "table":
			w.flush()
			if table := renderTable(htmlTableRows(n)); table != "" {
				w.blocks = append(w.blocks, table)
			}
			return
		case "br":
			w.line.WriteByte('\n')
			return
		case "p", "div", "section", "article", "li", "h1", "h2", "h3", "h4", "h5", "h6", "pre", "blockquote":
			w.flush()
			defer w.flush()
		}
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		w.walk(c, depth+1)
	}
}

func (w *htmlWalker) flush() {
	lines := strings.Split(w.line.String(), "\n")
	w.line.Reset()

	kept := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			kept = append(kept, line)
		}
	}
	if len(kept) > 0 {
		w.blocks = append(w.blocks, strings.Join(kept, "\n"))
	}
}

// collapseSpace folds whitespace runs into single spaces, keeping a space at
// either edge so inline elements stay separated.
func collapseSpace(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		if s == "" {
			return ""
		}
		return " "
	}
	out := strings.Join(fields, " ")
	if strings.TrimLeft(s, " \t\r\n\f") != s {
		out = " " + out
	}
	if strings.TrimRight(s, " \t\r\n\f") != s {
		out += " "
	}
	return out
}

func htmlTableRows(table *html.Node) [][]string {
	var rows [][]string
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var row []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					row = append(row, strings.Join(strings.Fields(nodeText(c)), " "))
				}
			}
			rows = append(rows, row)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(table)
	return rows
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		sb.WriteString(nodeText(c))
		sb.WriteByte(' ')
	}
	return sb.String()
}
