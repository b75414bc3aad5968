package httptransport

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// errResponseTooLarge is returned when the raw body exceeds MaxResponseSize.
	errResponseTooLarge = errors.New("response body exceeds maximum size limit")

	// errResponseDecompressedTooLarge is returned when a gzip body inflates
	// beyond MaxDecompressedResponseSize.
	errResponseDecompressedTooLarge = errors.New("decompressed response exceeds maximum size limit")
)

// limitedReader fails with err once more than limit bytes were read, so
// truncation is never mistaken for a complete body.
type limitedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
	err      error
}

func (r *limitedReader) Read(p []byte) (int, error) {
	if r.consumed > r.limit {
		return 0, r.err
	}
	// Allow one byte past the limit to detect overflow.
	if room := r.limit - r.consumed + 1; int64(len(p)) > room {
		p = p[:room]
	}
	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	if r.consumed > r.limit {
		return n - int(r.consumed-r.limit), r.err
	}
	return n, err
}

// safeResponseReader enforces both the compressed and the decompressed size
// limits on resp.Body. Go's transparent decompression is disabled in the
// client, so gzip bodies are inflated here.
func safeResponseReader(resp *http.Response, opts *ClientOptions) (io.Reader, func(), error) {
	raw := &limitedReader{reader: resp.Body, limit: opts.MaxResponseSize, err: errResponseTooLarge}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		return raw, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip response: %w", err)
		}
		inflated := &limitedReader{reader: gz, limit: opts.MaxDecompressedResponseSize, err: errResponseDecompressedTooLarge}
		return inflated, func() { gz.Close() }, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported response content encoding: %s", encoding)
	}
}

// encodeBody gzips payload when compression is enabled and the payload is
// over the threshold. It reports the encoding applied.
func encodeBody(payload []byte, opts *ClientOptions) ([]byte, string, error) {
	if !opts.CompressionEnabled || len(payload) <= opts.GzipMinBytes {
		return payload, "", nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to compress request: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return buf.Bytes(), "gzip", nil
}
