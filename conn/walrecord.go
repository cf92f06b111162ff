package conn

import (
	"encoding/binary"

	"github.com/bitbased/archengine/errs"
)

// encodeWALUpdate packs one cursor write into a wal.Record's Data field.
// The WAL's own framing (wal.Record) is spec'd only by interface
// (spec.md §1); this payload encoding is conn's business, not wal/'s.
func encodeWALUpdate(key, value []byte, tombstone bool) []byte {
	buf := make([]byte, 1+4+len(key)+4+len(value))
	i := 0
	if tombstone {
		buf[i] = 1
	}
	i++
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(key)))
	i += 4
	i += copy(buf[i:], key)
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(value)))
	i += 4
	copy(buf[i:], value)
	return buf
}

func decodeWALUpdate(buf []byte) (key, value []byte, tombstone bool, err error) {
	if len(buf) < 9 {
		return nil, nil, false, errs.New(errs.Corruption, "wal update record too short", nil)
	}
	tombstone = buf[0] == 1
	i := 1
	klen := int(binary.LittleEndian.Uint32(buf[i:]))
	i += 4
	if len(buf) < i+klen+4 {
		return nil, nil, false, errs.New(errs.Corruption, "wal update record truncated key", nil)
	}
	key = append([]byte(nil), buf[i:i+klen]...)
	i += klen
	vlen := int(binary.LittleEndian.Uint32(buf[i:]))
	i += 4
	if len(buf) < i+vlen {
		return nil, nil, false, errs.New(errs.Corruption, "wal update record truncated value", nil)
	}
	value = append([]byte(nil), buf[i:i+vlen]...)
	return key, value, tombstone, nil
}
