package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultMaxInflatedBody caps a decompressed request body.
const DefaultMaxInflatedBody = 4 << 20

// GzipRequestMiddleware inflates request bodies sent with
// Content-Encoding: gzip. Bodies that are not gzip are rejected with 400;
// reading past maxInflated bytes fails with *http.MaxBytesError, which the
// handlers' decoders surface as a bad request.
func GzipRequestMiddleware(maxInflated int64) echo.MiddlewareFunc {
	if maxInflated <= 0 {
		maxInflated = DefaultMaxInflatedBody
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody || !isGzipEncoded(req.Header.Values(echo.HeaderContentEncoding)) {
				return next(c)
			}

			raw := req.Body
			zr, err := gzip.NewReader(raw)
			if err != nil {
				_ = raw.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			inflated := &inflatedBody{zr: zr, raw: raw}
			req.Body = http.MaxBytesReader(c.Response(), inflated, maxInflated)
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func isGzipEncoded(values []string) bool {
	for _, v := range values {
		for _, enc := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
				return true
			}
		}
	}
	return false
}

// inflatedBody closes both the gzip stream and the underlying request body.
type inflatedBody struct {
	zr  *gzip.Reader
	raw io.ReadCloser
}

func (b *inflatedBody) Read(p []byte) (int, error) { return b.zr.Read(p) }

func (b *inflatedBody) Close() error {
	zerr := b.zr.Close()
	rerr := b.raw.Close()
	if zerr != nil {
		return zerr
	}
	return rerr
}
