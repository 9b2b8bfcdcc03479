package handler

import (
	"io/fs"
	"net/http"
	"os"
	"path"
	"strings"
)

const kioskIndex = "index.html"

// KioskHandler serves the browser front end from a directory. Paths without
// a file extension fall back to index.html so client-side routes resolve;
// a missing asset is a 404 rather than HTML.
type KioskHandler struct {
	files  fs.FS
	prefix string
}

func NewKioskHandler(staticDir, prefix string) *KioskHandler {
	return &KioskHandler{
		files:  os.DirFS(staticDir),
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (h *KioskHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(path.Clean("/"+strings.TrimPrefix(r.URL.Path, h.prefix)), "/")
	if name == "" {
		name = kioskIndex
	}

	if info, err := fs.Stat(h.files, name); err == nil && !info.IsDir() {
		h.serve(w, r, name)
		return
	}

	if path.Ext(name) != "" {
		http.NotFound(w, r)
		return
	}
	if _, err := fs.Stat(h.files, kioskIndex); err != nil {
		http.NotFound(w, r)
		return
	}
	h.serve(w, r, kioskIndex)
}

func (h *KioskHandler) serve(w http.ResponseWriter, r *http.Request, name string) {
	if name == kioskIndex {
		w.Header().Set("Cache-Control", "no-cache")
	}
	http.ServeFileFS(w, r, h.files, name)
}

// StaticFileServer mounts the kiosk under prefix.
func StaticFileServer(staticDir, prefix string) http.Handler {
	return NewKioskHandler(staticDir, prefix)
}
