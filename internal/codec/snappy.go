package codec

import "github.com/golang/snappy"

// SnappyCompressor is the default Compressor, backing the blob
// manager's compression hook (spec.md §4.4) the same way block
// compression backs the allocator documented by the pack's lldb
// allocator (see DESIGN.md).
type SnappyCompressor struct{}

func (SnappyCompressor) Compress(dst, src []byte) []byte {
	encoded := snappy.Encode(nil, src)
	return append(dst, encoded...)
}

func (SnappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	decoded, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, err
	}
	return append(dst, decoded...), nil
}
