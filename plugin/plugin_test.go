package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteCollatorOrdering(t *testing.T) {
	var c ByteCollator
	require.Negative(t, c.Compare([]byte("a"), []byte("b")))
	require.Zero(t, c.Compare([]byte("a"), []byte("a")))
	require.Positive(t, c.Compare([]byte("b"), []byte("a")))
}

func TestSnappyRoundTrip(t *testing.T) {
	var s SnappyCompressor
	src := bytesRepeat("archengine-page-content", 50)
	dst := make([]byte, s.PreSize(src))
	n, err := s.Compress(dst, src)
	require.NoError(t, err)

	out := make([]byte, len(src)+16)
	m, err := s.Decompress(out, dst[:n])
	require.NoError(t, err)
	require.Equal(t, src, out[:m])
}

func TestZstdRoundTripAndRaw(t *testing.T) {
	z, err := NewZstdCompressor()
	require.NoError(t, err)
	defer z.Terminate()

	src := bytesRepeat("overflow-value-blob", 200)
	dst := make([]byte, z.PreSize(src))
	n, err := z.Compress(dst, src)
	require.NoError(t, err)

	out := make([]byte, len(src)+64)
	m, err := z.Decompress(out, dst[:n])
	require.NoError(t, err)
	require.Equal(t, src, out[:m])

	consumed, cn, ok, err := z.CompressRaw(make([]byte, z.PreSize(src)), src)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, len(src), consumed)
	require.Positive(t, cn)
}

func TestCSVExtractorField(t *testing.T) {
	base := &CSVExtractor{}
	ex, err := base.Customize("2")
	require.NoError(t, err)

	key, err := ex.Extract(nil, []byte("Paris,France,CET,2273305"))
	require.NoError(t, err)
	require.Equal(t, "CET", string(key))

	_, err = ex.Extract(nil, []byte("too,short"))
	require.Error(t, err)
}

func bytesRepeat(s string, n int) []byte {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return out
}
