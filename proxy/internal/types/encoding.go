package types

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// textContentTypePrefixes lists the Content-Type prefixes treated as text for
// stream-modifier and HTML-rewriting addons.
var textContentTypePrefixes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/javascript",
	"application/x-www-form-urlencoded",
}

func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("unsupported content-encoding: %s", encoding)
	}
}

// DecodedBody returns the request body with its Content-Encoding reversed.
func (r *Request) DecodedBody() ([]byte, error) {
	return decodeBody(r.Body, r.Header.Get("Content-Encoding"))
}

// DecodedBody returns the response body with its Content-Encoding reversed.
func (r *Response) DecodedBody() ([]byte, error) {
	return decodeBody(r.Body, r.Header.Get("Content-Encoding"))
}

// ReplaceToDecodedBody decodes the response body in place and drops the
// headers that described the now-undone encoding. Left untouched on a
// decode error, since the original bytes are still a valid response.
func (r *Response) ReplaceToDecodedBody() {
	decoded, err := r.DecodedBody()
	if err != nil {
		return
	}
	r.Body = decoded
	r.Header.Del("Content-Encoding")
	r.Header.Del("Transfer-Encoding")
	r.Header.Set("Content-Length", strconv.Itoa(len(decoded)))
}

// IsTextContentType reports whether the response Content-Type is safe to
// treat as text (for HTML rewriting / stream-modifier addons).
func (r *Response) IsTextContentType() bool {
	ct := r.Header.Get("Content-Type")
	for _, prefix := range textContentTypePrefixes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}
