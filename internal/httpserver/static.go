package httpserver

import (
	"embed"
	"net/http"
)

//go:embed static/index.html static/obs.html
var staticFS embed.FS

const (
	pageIndex = "static/index.html"
	pageOBS   = "static/obs.html"
)

func servePage(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := staticFS.ReadFile(name)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_, _ = w.Write(body)
	}
}
