package api

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

func init() {
	// DASH manifests and WebM are not in every platform's MIME table.
	mime.AddExtensionType(".mpd", "application/dash+xml")
	mime.AddExtensionType(".webm", "video/webm")
}

// contentHandler serves packaged media and manifests. net/http handles
// Range requests, which the video players rely on for seeking; this
// wrapper adds the CORS and caching policy from the delivery pipeline:
// manifests must never be cached so players pick up repackaged content,
// and media segments skip intermediary caches during testing.
func (h *Handler) contentHandler() http.Handler {
	fileServer := http.StripPrefix("/content/", http.FileServer(http.Dir(h.contentDir)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		switch strings.ToLower(path.Ext(r.URL.Path)) {
		case ".mpd":
			w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
			w.Header().Set("Pragma", "no-cache")
			w.Header().Set("Expires", "0")
		case ".mp4", ".webm", ".mkv":
			w.Header().Set("Cache-Control", "no-cache")
		}

		fileServer.ServeHTTP(w, r)
	})
}
