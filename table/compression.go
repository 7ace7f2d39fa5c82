package table

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/hps/blobstore"
)

// Compression selects the on-disk encoding of table files.
type Compression uint8

const (
	// CompressionNone stores the raw flat layout.
	CompressionNone Compression = iota
	// CompressionZSTD appends a ".zst" suffix (better ratio, cold tables).
	CompressionZSTD
	// CompressionLZ4 appends a ".lz4" suffix (faster, hot tables).
	CompressionLZ4
)

const (
	zstdSuffix = ".zst"
	lz4Suffix  = ".lz4"
)

func (c Compression) suffix() string {
	switch c {
	case CompressionZSTD:
		return zstdSuffix
	case CompressionLZ4:
		return lz4Suffix
	default:
		return ""
	}
}

// readTableFile reads a table file, transparently decompressing the ".zst"
// or ".lz4" variant when the plain file is absent.
func readTableFile(ctx context.Context, store blobstore.BlobStore, base string) ([]byte, error) {
	raw, err := openAndRead(ctx, store, base)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, blobstore.ErrNotFound) {
		return nil, err
	}

	if raw, zerr := openAndRead(ctx, store, base+zstdSuffix); zerr == nil {
		return decompressZSTD(raw)
	} else if !errors.Is(zerr, blobstore.ErrNotFound) {
		return nil, zerr
	}

	if raw, lerr := openAndRead(ctx, store, base+lz4Suffix); lerr == nil {
		return decompressLZ4(raw)
	} else if !errors.Is(lerr, blobstore.ErrNotFound) {
		return nil, lerr
	}

	return nil, err
}

func openAndRead(ctx context.Context, store blobstore.BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()
	return blobstore.ReadAll(ctx, b)
}

func decompressZSTD(raw []byte) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func decompressLZ4(raw []byte) ([]byte, error) {
	return io.ReadAll(lz4.NewReader(bytes.NewReader(raw)))
}

// writeTableFile writes a table file with the requested compression.
func writeTableFile(ctx context.Context, store blobstore.BlobStore, base string, data []byte, c Compression) error {
	w, err := store.Create(ctx, base+c.suffix())
	if err != nil {
		return err
	}

	switch c {
	case CompressionZSTD:
		enc, zerr := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if zerr != nil {
			w.Close()
			return zerr
		}
		if _, zerr = enc.Write(data); zerr != nil {
			enc.Close()
			w.Close()
			return zerr
		}
		if zerr = enc.Close(); zerr != nil {
			w.Close()
			return zerr
		}
	case CompressionLZ4:
		enc := lz4.NewWriter(w)
		if _, lerr := enc.Write(data); lerr != nil {
			enc.Close()
			w.Close()
			return lerr
		}
		if lerr := enc.Close(); lerr != nil {
			w.Close()
			return lerr
		}
	default:
		if _, werr := w.Write(data); werr != nil {
			w.Close()
			return werr
		}
	}

	return w.Close()
}
