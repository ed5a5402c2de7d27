// browser/network/compression.go
package network

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// acceptEncoding mirrors what a desktop browser advertises.
const acceptEncoding = "br, gzip, deflate"

// CompressionMiddleware advertises compressed encodings and transparently
// decodes responses, so callers always see identity bodies.
type CompressionMiddleware struct {
	Transport http.RoundTripper
}

// NewCompressionMiddleware wraps next. A nil next uses http.DefaultTransport.
func NewCompressionMiddleware(next http.RoundTripper) *CompressionMiddleware {
	if next == nil {
		next = http.DefaultTransport
	}
	return &CompressionMiddleware{Transport: next}
}

func (m *CompressionMiddleware) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	resp, err := m.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := DecompressResponse(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// DecompressResponse replaces resp.Body with a decoding reader according to
// Content-Encoding. Bodies that cannot carry content are left alone.
func DecompressResponse(resp *http.Response) error {
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" || !hasBody(resp) {
		return nil
	}

	var (
		decoded io.Reader
		closer  io.Closer
		err     error
	)
	switch encoding {
	case "br":
		decoded = brotli.NewReader(resp.Body)
	case "gzip", "x-gzip":
		var zr *gzip.Reader
		zr, err = gzip.NewReader(resp.Body)
		decoded, closer = zr, zr
	case "deflate":
		decoded, closer, err = newDeflateReader(resp.Body)
	default:
		return fmt.Errorf("unsupported content encoding %q", encoding)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize %s decoder: %w", encoding, err)
	}

	resp.Body = &decodedBody{Reader: decoded, decoder: closer, raw: resp.Body}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func hasBody(resp *http.Response) bool {
	if resp.Body == nil || resp.Body == http.NoBody {
		return false
	}
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified:
		return false
	}
	return resp.ContentLength != 0
}

// newDeflateReader handles both zlib-wrapped and raw deflate streams, since
// servers disagree on what "deflate" means.
func newDeflateReader(r io.Reader) (io.Reader, io.Closer, error) {
	br := bufio.NewReader(r)
	header, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, nil, err
	}
	if len(header) == 2 && header[0]&0x0f == 8 && (uint16(header[0])<<8|uint16(header[1]))%31 == 0 {
		zr, err := zlib.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr, nil
	}
	fr := flate.NewReader(br)
	return fr, fr, nil
}

type decodedBody struct {
	io.Reader
	decoder io.Closer
	raw     io.ReadCloser
}

func (b *decodedBody) Close() error {
	var decErr error
	if b.decoder != nil {
		decErr = b.decoder.Close()
	}
	if err := b.raw.Close(); err != nil {
		return err
	}
	return decErr
}
