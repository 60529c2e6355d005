package natives

import (
	"bytes"
	"compress/gzip"
	"io"
)

// gzipCompress and gzipDecompress back the gzip_compress/gzip_decompress
// natives (§5), grounded on kristofer-smog/pkg/vm/primitives.go's
// gzipCompress/gzipDecompress.
func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
