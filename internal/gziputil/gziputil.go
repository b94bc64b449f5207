package gziputil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

var GzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(nil) },
}

var BufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// ErrTooLarge is returned when a payload decompresses past its limit.
var ErrTooLarge = errors.New("decompressed payload exceeds size limit")

// Compress gzip-compresses data using pooled writers and buffers.
func Compress(data []byte) ([]byte, error) {
	buf := BufPool.Get().(*bytes.Buffer)
	buf.Reset()

	gw := GzipWriterPool.Get().(*gzip.Writer)
	gw.Reset(buf)
	defer func() {
		gw.Reset(nil)
		GzipWriterPool.Put(gw)
		BufPool.Put(buf)
	}()

	if _, err := gw.Write(data); err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decompress decompresses gzip data, failing with ErrTooLarge when the
// result would exceed limit bytes.
func Decompress(data []byte, limit int64) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer gr.Close()

	buf := BufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer BufPool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(gr, limit+1)); err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	if int64(buf.Len()) > limit {
		return nil, ErrTooLarge
	}
	return bytes.Clone(buf.Bytes()), nil
}

// MaybeDecompress decompresses data if it starts with gzip magic bytes, otherwise returns as-is.
func MaybeDecompress(data []byte, limit int64) ([]byte, error) {
	if IsGzipped(data) {
		return Decompress(data, limit)
	}
	return data, nil
}

// IsGzipped returns true if data starts with gzip magic bytes.
func IsGzipped(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1f && data[1] == 0x8b
}
