package api

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"
)

//go:embed ui/dist
var uiFS embed.FS

// chatPage is the embedded chat UI: index.html plus the files under /assets.
type chatPage struct {
	index  []byte
	assets http.Handler
}

var loadChatPage = sync.OnceValues(func() (*chatPage, error) {
	dist, err := fs.Sub(uiFS, "ui/dist")
	if err != nil {
		return nil, fmt.Errorf("prepare ui filesystem: %w", err)
	}
	index, err := fs.ReadFile(dist, "index.html")
	if err != nil {
		return nil, fmt.Errorf("load ui index: %w", err)
	}
	return &chatPage{index: index, assets: http.FileServer(http.FS(dist))}, nil
})

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	page, err := loadChatPage()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, kindInternal, err)
		return
	}
	page.assets.ServeHTTP(w, r)
}

// handleRoot serves the chat page. It is never cached so a redeploy picks up
// new asset references immediately.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.methodNotAllowed(w, "GET, HEAD")
		return
	}

	page, err := loadChatPage()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, kindInternal, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(page.index))
}
