package gzip

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// GzipMiddleware decompresses gzip request bodies and compresses
// responses when the client accepts it.
func GzipMiddleware(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Encoding"), "gzip") {
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			defer zr.Close()
			r.Body = io.NopCloser(zr)
		}

		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			h.ServeHTTP(w, r)
			return
		}

		zw := gzip.NewWriter(w)
		defer zw.Close()

		w.Header().Set("Content-Encoding", "gzip")
		h.ServeHTTP(&gzipWriter{ResponseWriter: w, zw: zw}, r)
	}
}

type gzipWriter struct {
	http.ResponseWriter
	zw *gzip.Writer
}

func (gw *gzipWriter) Write(b []byte) (int, error) {
	return gw.zw.Write(b)
}
