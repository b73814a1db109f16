package ingestion

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const exportMarker = "export?format=csv"

// ExportURL rewrites a spreadsheet edit-view URL into its CSV export URL.
// URLs that already point at the export are returned unchanged.
func ExportURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.Contains(raw, exportMarker) {
		return raw
	}

	if strings.Contains(raw, "/edit#gid=") {
		return strings.Replace(raw, "/edit#gid=", "/"+exportMarker+"&gid=", 1)
	}

	if idx := strings.Index(raw, "/edit"); idx >= 0 {
		gid := sheetGID(raw[idx:])
		exported := raw[:idx] + "/" + exportMarker
		if gid != "" {
			exported += "&gid=" + gid
		}
		return exported
	}

	return strings.TrimRight(raw, "/") + "/" + exportMarker
}

// sheetGID finds a gid in the query or fragment of an edit-view suffix such
// as "/edit?usp=sharing#gid=12".
func sheetGID(suffix string) string {
	u, err := url.Parse("https://sheet.invalid" + suffix)
	if err != nil {
		return ""
	}
	if gid := u.Query().Get("gid"); gid != "" {
		return gid
	}
	if frag, err := url.ParseQuery(u.Fragment); err == nil {
		return frag.Get("gid")
	}
	return ""
}

// SheetFetcher downloads a spreadsheet export and renders it as a table.
type SheetFetcher struct {
	client *http.Client
}

func NewSheetFetcher(client *http.Client) *SheetFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &SheetFetcher{client: client}
}

func (f *SheetFetcher) Fetch(ctx context.Context, sheetURL string) (Document, error) {
	exportURL := ExportURL(sheetURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, exportURL, nil)
	if err != nil {
		return Document{}, fmt.Errorf("create sheet request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Document{}, fmt.Errorf("fetch sheet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Document{}, fmt.Errorf("fetch sheet: unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Document{}, fmt.Errorf("read sheet body: %w", err)
	}

	body, err := parseCSVTable(data)
	if err != nil {
		return Document{}, err
	}

	return Document{
		Name:   SheetSourceName,
		Path:   exportURL,
		Format: FormatCSV,
		Body:   body,
		SHA256: digest(data),
	}, nil
}
