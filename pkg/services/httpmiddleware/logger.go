package httpmiddleware

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"
)

// RoundTripperFunc is a function that implements http.RoundTripper
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// sensitiveHeaders are never written to logs in clear text.
var sensitiveHeaders = []string{
	"authorization",
	"cookie",
	"set-cookie",
	"x-api-key",
	"x-signature",
	"x-auth-token",
}

// Logger creates a logging middleware for http.RoundTripper.
// maxBodySize controls body logging:
//   - 0: no body logging
//   - -1: log entire body
//   - >0: log first N bytes of body
func Logger(logger *slog.Logger, maxBodySize int) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return RoundTripperFunc(func(req *http.Request) (*http.Response, error) {
			logRequest(logger, req, maxBodySize)

			start := time.Now()
			resp, err := next.RoundTrip(req)
			duration := time.Since(start)

			if err != nil {
				logger.Warn("HTTP request failed",
					slog.String("method", req.Method),
					slog.String("path", req.URL.Path),
					slog.Duration("duration", duration),
					slog.Any("error", err))

				return resp, err
			}

			logResponse(logger, req, resp, duration, maxBodySize)

			return resp, nil
		})
	}
}

func logRequest(logger *slog.Logger, req *http.Request, maxBodySize int) {
	if !logger.Enabled(req.Context(), slog.LevelDebug) {
		return
	}

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Any("headers", headerGroup(req.Header)),
	}

	if req.URL.RawQuery != "" {
		attrs = append(attrs, slog.String("query", req.URL.RawQuery))
	}

	if maxBodySize != 0 && req.Body != nil && req.Body != http.NoBody {
		body, err := readBody(req.Body, maxBodySize)
		if err == nil {
			// Signed bodies must reach the wire unchanged
			req.Body = io.NopCloser(bytes.NewReader(body))
			if len(body) > 0 {
				attrs = append(attrs, slog.String("body", string(body)))
			}
		}
	}

	logger.LogAttrs(req.Context(), slog.LevelDebug, "📤 HTTP Request", attrs...)
}

func logResponse(logger *slog.Logger, req *http.Request, resp *http.Response, duration time.Duration, maxBodySize int) {
	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}

	if resp.StatusCode >= 500 {
		level = slog.LevelError
	}

	if !logger.Enabled(req.Context(), level) {
		return
	}

	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("path", req.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", duration),
	}

	if maxBodySize != 0 && resp.Body != nil {
		body, err := readBody(resp.Body, maxBodySize)
		if err == nil {
			resp.Body = io.NopCloser(bytes.NewReader(body))
			if len(body) > 0 {
				attrs = append(attrs, slog.String("body", string(body)))
			}
		}
	}

	logger.LogAttrs(req.Context(), level, "📥 HTTP Response", attrs...)
}

func headerGroup(h http.Header) slog.Value {
	attrs := make([]slog.Attr, 0, len(h))
	for k, v := range h {
		if isSensitiveHeader(k) {
			attrs = append(attrs, slog.String(k, "[REDACTED]"))
			continue
		}

		attrs = append(attrs, slog.String(k, strings.Join(v, ", ")))
	}

	return slog.GroupValue(attrs...)
}

// readBody reads the body up to maxBodySize bytes.
// The returned slice always holds the full body when maxBodySize is -1.
func readBody(body io.ReadCloser, maxBodySize int) ([]byte, error) {
	defer body.Close()

	if maxBodySize == -1 {
		return io.ReadAll(body)
	}

	buf := make([]byte, maxBodySize)
	n, err := io.ReadFull(body, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	rest, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return append(buf[:n], rest...), nil
}

func isSensitiveHeader(name string) bool {
	return slices.Contains(sensitiveHeaders, strings.ToLower(name))
}
