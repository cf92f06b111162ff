package plugin

import (
	"github.com/klauspost/compress/zstd"

	"github.com/bitbased/archengine/errs"
)

// ZstdCompressor adapts klauspost/compress/zstd to the Compressor
// contract. Unlike SnappyCompressor it genuinely supports the raw
// compression path of spec.md §4.3: zstd frames are self-delimiting, so
// CompressRaw can hand the reconciler back exactly how many source bytes
// it consumed, letting the reconciler pick the next window itself.
type ZstdCompressor struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstdCompressor builds a ZstdCompressor with a shared encoder and
// decoder (safe for concurrent Compress/Decompress calls per the zstd
// package's own concurrency contract).
func NewZstdCompressor() (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, errs.Wrap(errs.Config, err, "creating zstd encoder")
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, errs.Wrap(errs.Config, err, "creating zstd decoder")
	}
	return &ZstdCompressor{enc: enc, dec: dec}, nil
}

func (z *ZstdCompressor) Name() string { return "zstd" }

func (z *ZstdCompressor) PreSize(src []byte) int {
	// zstd frames can, in the worst case (incompressible input), exceed
	// the source length by a small fixed overhead.
	return len(src) + 64
}

func (z *ZstdCompressor) Compress(dst, src []byte) (int, error) {
	out := z.enc.EncodeAll(src, dst[:0])
	return len(out), nil
}

func (z *ZstdCompressor) Decompress(dst, src []byte) (int, error) {
	out, err := z.dec.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, errs.Wrap(errs.Corruption, err, "zstd decompress")
	}
	return len(out), nil
}

func (z *ZstdCompressor) CompressRaw(dst, src []byte) (consumed, n int, ok bool, err error) {
	if len(src) == 0 {
		return 0, 0, false, nil
	}
	out := z.enc.EncodeAll(src, dst[:0])
	return len(src), len(out), true, nil
}

func (z *ZstdCompressor) Terminate() error {
	z.dec.Close()
	return z.enc.Close()
}

var (
	_ Compressor = SnappyCompressor{}
	_ Compressor = (*ZstdCompressor)(nil)
)
