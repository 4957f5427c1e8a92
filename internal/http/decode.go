package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	errBodyTooLarge        = errors.New("request body too large")
	errUnsupportedEncoding = errors.New("unsupported content encoding")
)

// readBody returns the request body, decompressed according to
// Content-Encoding. limit bounds both the wire size and the decoded size.
func readBody(w http.ResponseWriter, req *http.Request, limit int64) ([]byte, error) {
	body := http.MaxBytesReader(w, req.Body, limit)
	defer body.Close()

	var reader io.Reader
	switch enc := strings.ToLower(strings.TrimSpace(req.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		reader = body
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, wireError(err, "gzip")
		}
		defer gz.Close()
		reader = gz
	case "zstd":
		dec, err := zstd.NewReader(body, zstd.WithDecoderMaxMemory(uint64(limit)), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, wireError(err, "zstd")
		}
		defer dec.Close()
		reader = dec
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoding, enc)
	}

	data, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, wireError(err, "body")
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func wireError(err error, stage string) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) || errors.Is(err, zstd.ErrDecoderSizeExceeded) {
		return errBodyTooLarge
	}
	return fmt.Errorf("read %s: %w", stage, err)
}
