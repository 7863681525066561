package adapters

import (
	"context"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compress compresses its input with the configured "algorithm" (gzip by
// default, or zstd).
type Compress struct{}

func (a *Compress) Run(ctx context.Context, req Request) error {
	if err := requireInput(req); err != nil {
		return err
	}
	algorithm := req.Step.Config["algorithm"]
	switch algorithm {
	case "", "gzip":
		return transform(ctx, req, req.Input.Name()+".gz", gzipStream)
	case "zstd":
		return transform(ctx, req, req.Input.Name()+".zst", zstdStream)
	default:
		return fmt.Errorf("step %s: unsupported compression algorithm %q", req.Step.ID, algorithm)
	}
}

func gzipStream(dst io.Writer, src io.Reader) error {
	zw, err := gzip.NewWriterLevel(dst, gzip.BestSpeed)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

func zstdStream(dst io.Writer, src io.Reader) error {
	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}
