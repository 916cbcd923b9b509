package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ErrTooLarge is returned when an object decompresses past the configured limit.
var ErrTooLarge = errors.New("decompressed object exceeds size limit")

// zstdDec is a concurrent-safe zstd decoder shared by all callers.
var zstdDec *zstd.Decoder

func init() {
	var err error
	zstdDec, err = zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(256<<20),
	)
	if err != nil {
		panic("codec: init zstd decoder: " + err.Error())
	}
}

// Encoding is the compression applied to an object, inferred from its name.
type Encoding string

const (
	EncodingIdentity Encoding = "identity"
	EncodingGzip     Encoding = "gzip"
	EncodingZstd     Encoding = "zstd"
	EncodingBrotli   Encoding = "br"
)

// EncodingFor infers the compression from the filename suffix. The agent
// names its output by extension, so magic bytes are not consulted.
func EncodingFor(name string) Encoding {
	switch strings.ToLower(path.Ext(name)) {
	case ".gz", ".gzip":
		return EncodingGzip
	case ".zst", ".zstd":
		return EncodingZstd
	case ".br":
		return EncodingBrotli
	default:
		return EncodingIdentity
	}
}

// decompress returns the decoded bytes of data. The output is limited to
// maxBytes; a larger result yields ErrTooLarge. maxBytes <= 0 disables the limit.
func decompress(data []byte, enc Encoding, maxBytes int64) ([]byte, error) {
	var r io.Reader
	switch enc {
	case EncodingIdentity:
		if maxBytes > 0 && int64(len(data)) > maxBytes {
			return nil, ErrTooLarge
		}
		return data, nil

	case EncodingGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip reader: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz

	case EncodingZstd:
		zr, err := zstdDec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd: %w", err)
		}
		if maxBytes > 0 && int64(len(zr)) > maxBytes {
			return nil, ErrTooLarge
		}
		return zr, nil

	case EncodingBrotli:
		r = brotli.NewReader(bytes.NewReader(data))

	default:
		return nil, fmt.Errorf("unsupported encoding: %q", enc)
	}

	if maxBytes > 0 {
		r = io.LimitReader(r, maxBytes+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", enc, err)
	}
	if maxBytes > 0 && int64(len(out)) > maxBytes {
		return nil, ErrTooLarge
	}
	return out, nil
}
