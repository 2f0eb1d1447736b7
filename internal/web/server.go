package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Server serves the chat UI. Unknown paths fall back to index.html so
// client-side room routes survive a reload.
type Server struct {
	Dir string
}

func (s *Server) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.Dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")

		if r.URL.Path != "/" && !strings.Contains(filepath.Base(r.URL.Path), ".") {
			if _, err := os.Stat(filepath.Join(s.Dir, filepath.Clean(r.URL.Path))); os.IsNotExist(err) {
				http.ServeFile(w, r, filepath.Join(s.Dir, "index.html"))
				return
			}
		}
		fs.ServeHTTP(w, r)
	})
}
