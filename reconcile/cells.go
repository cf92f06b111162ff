package reconcile

import (
	"bytes"
	"encoding/binary"
)

// outCell is the post-scan, pre-encode form of one slot's chosen value:
// what reconcile.scanSlots decided to write to disk for this key.
type outCell struct {
	key      []byte
	recno    uint64
	value    []byte
	overflow bool
	ovflAddr uint64
	deleted  bool
	rle      uint64
}

// cellCodec accumulates encoded cells into a growing buffer, applying
// leaf prefix compression against the previous key, per spec.md §4.3
// step 2: "Keys may be prefix-compressed (leaf) ... reset to 0 across
// boundaries."
type cellCodec struct {
	buf      bytes.Buffer
	prevKey  []byte
	isColumn bool
}

func newCellCodec(isColumn bool) *cellCodec {
	return &cellCodec{isColumn: isColumn}
}

// resetBoundary clears the prefix-compression state, called at the start
// of each new boundary's cell buffer.
func (c *cellCodec) resetBoundary() {
	c.prevKey = nil
	c.buf.Reset()
}

// commonPrefixLen returns the length of the shared prefix between a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Append encodes one cell into the buffer and returns the buffer's new
// length, so the caller can compare it against the split target.
func (c *cellCodec) Append(oc outCell) int {
	var hdr [1]byte
	switch {
	case oc.deleted:
		hdr[0] = 1
	case oc.overflow:
		hdr[0] = 2
	default:
		hdr[0] = 0
	}
	c.buf.Write(hdr[:])

	if c.isColumn {
		writeUvarint(&c.buf, oc.recno)
		writeUvarint(&c.buf, oc.rle)
	} else {
		prefix := commonPrefixLen(c.prevKey, oc.key)
		suffix := oc.key[prefix:]
		writeUvarint(&c.buf, uint64(prefix))
		writeUvarint(&c.buf, uint64(len(suffix)))
		c.buf.Write(suffix)
		c.prevKey = oc.key
	}

	switch {
	case oc.deleted:
		// no value bytes
	case oc.overflow:
		var addrBuf [8]byte
		binary.LittleEndian.PutUint64(addrBuf[:], oc.ovflAddr)
		c.buf.Write(addrBuf[:])
	default:
		writeUvarint(&c.buf, uint64(len(oc.value)))
		c.buf.Write(oc.value)
	}
	return c.buf.Len()
}

// Bytes returns the buffer's current contents, copied so callers may
// keep writing to the codec afterward.
func (c *cellCodec) Bytes() []byte {
	return append([]byte(nil), c.buf.Bytes()...)
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// decodedCell is cellCodec's inverse output, consumed by load.go's
// BuildLeaf and BuildInternal.
type decodedCell struct {
	key      []byte
	recno    uint64
	rle      uint64
	value    []byte
	overflow bool
	ovflAddr uint64
	deleted  bool
}

// decodeCells parses a boundary's encoded image back into slots, the
// inverse of repeated cellCodec.Append calls, used when reassembling a
// page from a written block (load.go's BuildLeaf/BuildInternal).
func decodeCells(buf []byte, isColumn bool) ([]decodedCell, error) {
	var out []decodedCell
	var prevKey []byte
	r := bytes.NewReader(buf)
	for r.Len() > 0 {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		var dc decodedCell
		dc.deleted = kindByte == 1
		dc.overflow = kindByte == 2

		if isColumn {
			recno, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			rle, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			dc.recno = recno
			dc.rle = rle
		} else {
			prefixLen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			suffixLen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			suffix := make([]byte, suffixLen)
			if _, err := r.Read(suffix); err != nil && suffixLen > 0 {
				return nil, err
			}
			key := make([]byte, 0, int(prefixLen)+len(suffix))
			if int(prefixLen) <= len(prevKey) {
				key = append(key, prevKey[:prefixLen]...)
			}
			key = append(key, suffix...)
			dc.key = key
			prevKey = key
		}

		switch kindByte {
		case 1:
			// deleted: no payload
		case 2:
			var addrBuf [8]byte
			if _, err := r.Read(addrBuf[:]); err != nil {
				return nil, err
			}
			dc.ovflAddr = binary.LittleEndian.Uint64(addrBuf[:])
		default:
			valLen, err := binary.ReadUvarint(r)
			if err != nil {
				return nil, err
			}
			val := make([]byte, valLen)
			if valLen > 0 {
				if _, err := r.Read(val); err != nil {
					return nil, err
				}
			}
			dc.value = val
		}
		out = append(out, dc)
	}
	return out, nil
}
