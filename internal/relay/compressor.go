package relay

import (
	"bytes"
	"io"

	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/gzip"

	"imconnect/node/internal/compress"
)

// grpcCompressor adapts a block compressor to the gRPC streaming compressor contract.
type grpcCompressor struct {
	inner compress.Compressor
}

func (c *grpcCompressor) Name() string { return c.inner.Name() }

func (c *grpcCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	return &blockWriter{dst: w, inner: c.inner}, nil
}

func (c *grpcCompressor) Decompress(r io.Reader) (io.Reader, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	out, err := c.inner.Decompress(raw)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(out), nil
}

// blockWriter buffers one message and compresses it on Close.
type blockWriter struct {
	dst   io.Writer
	inner compress.Compressor
	buf   bytes.Buffer
}

func (w *blockWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *blockWriter) Close() error {
	out, err := w.inner.Compress(w.buf.Bytes())
	if err != nil {
		return err
	}
	_, err = w.dst.Write(out)
	return err
}

func init() {
	encoding.RegisterCompressor(&grpcCompressor{inner: compress.NewSnappy()})
}
