package gateway

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// serveStatic serves a single-page app from root. Paths that do not name a
// file fall back to index.html; anything resolving outside root is a 404.
func serveStatic(w http.ResponseWriter, r *http.Request, root string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	for _, seg := range strings.Split(r.URL.Path, "/") {
		if seg == ".." {
			http.NotFound(w, r)
			return
		}
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	name := filepath.Join(absRoot, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
	file, ok := resolveWithin(absRoot, name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		http.ServeFile(w, r, file)
		return
	}
	index := filepath.Join(absRoot, "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeFile(w, r, index)
}

// resolveWithin follows symlinks in name and reports whether the result is
// still under root. Missing files resolve to themselves.
func resolveWithin(root, name string) (string, bool) {
	resolved, err := filepath.EvalSymlinks(name)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", false
		}
		resolved = name
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return resolved, true
}
