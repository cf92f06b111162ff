package plugin

import (
	"github.com/klauspost/compress/snappy"

	"github.com/bitbased/archengine/errs"
)

// SnappyCompressor adapts klauspost/compress's snappy codec to the
// Compressor contract, grounded on
// original_source/ext/compressors/snappy/snappy_compress.c's
// pre_size/compress/decompress shape.
type SnappyCompressor struct{}

func (SnappyCompressor) Name() string { return "snappy" }

func (SnappyCompressor) PreSize(src []byte) int {
	return snappy.MaxEncodedLen(len(src))
}

func (SnappyCompressor) Compress(dst, src []byte) (int, error) {
	out := snappy.Encode(dst, src)
	return len(out), nil
}

func (SnappyCompressor) Decompress(dst, src []byte) (int, error) {
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, errs.Wrap(errs.Corruption, err, "snappy decompress")
	}
	return len(out), nil
}

// CompressRaw is not supported by the bundled snappy codec: it has no
// notion of choosing its own split point mid-stream, so the block
// manager's raw-compression path (§4.3) must fall back to another
// compressor or plain per-block compression when this one is
// configured.
func (SnappyCompressor) CompressRaw(dst, src []byte) (int, int, bool, error) {
	return 0, 0, false, nil
}

func (SnappyCompressor) Terminate() error { return nil }

var _ Compressor = SnappyCompressor{}
