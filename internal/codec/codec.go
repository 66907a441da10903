// Package codec declares the compression and encryption interfaces the
// core consumes (spec.md §4.4, §9: "callback-based compression and
// comparator ... specify them as small object interfaces"). The core
// never depends on a concrete codec; it depends on these interfaces.
package codec

// Compressor compresses and decompresses blob payloads. Both methods
// operate on caller-bounded buffers: Compress never grows the input by
// more than the codec's own framing overhead, and Decompress requires
// the caller to know (or over-allocate for) the decompressed size.
type Compressor interface {
	// Compress appends the compressed form of src to dst and returns
	// the result. It must be safe to call with dst == nil.
	Compress(dst, src []byte) []byte

	// Decompress appends the decompressed form of src to dst and
	// returns the result, or an error if src is not validly encoded.
	Decompress(dst, src []byte) ([]byte, error)
}

// Encryptor seals and opens page or blob payloads with a fixed key.
// Nonces/IVs are the Encryptor's concern; callers pass only plaintext
// and associated data (e.g. the page address, to bind ciphertext to
// its location and detect block-swap attacks).
type Encryptor interface {
	// Seal appends the encrypted+authenticated form of plaintext to
	// dst, using associatedData to bind the ciphertext to its context.
	Seal(dst, plaintext, associatedData []byte) ([]byte, error)

	// Open appends the authenticated plaintext to dst, or fails if
	// ciphertext was tampered with or associatedData does not match.
	Open(dst, ciphertext, associatedData []byte) ([]byte, error)
}

// NopCompressor is a pass-through Compressor used when a database is
// opened without a compressor configured.
type NopCompressor struct{}

func (NopCompressor) Compress(dst, src []byte) []byte { return append(dst, src...) }

func (NopCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
