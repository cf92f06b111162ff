package block

import (
	"encoding/binary"

	"github.com/bitbased/archengine/errs"
)

// Checkpoint is spec.md §3's Checkpoint entity: a named durable snapshot
// of a tree, addressable thereafter by name.
type Checkpoint struct {
	Name     string
	Secs     int64
	Nsecs    int32
	ByteSize uint64
	RootAddr uint64
	WriteGen uint64

	allocAddr   uint64
	availAddr   uint64
	discardAddr uint64
}

// Checkpoint captures a point-in-time snapshot of the manager's extent
// triplet and the tree's current root address, serializes the three
// lists as their own blocks, fsyncs, and returns the resulting cookie.
// Ground truth is spec.md §4.4's five-step checkpoint algorithm.
func (m *Manager) Checkpoint(name string, rootAddr uint64, secs int64, nsecs int32, writeGen uint64) (*Checkpoint, error) {
	m.liveLock.Lock()
	defer m.liveLock.Unlock()

	m.mu.Lock()
	// Step 2: move discard's contents into ckpt-available; these bytes
	// cannot be reused until this checkpoint is durable, because readers
	// holding its address cookies may still need them.
	if m.ckptAvail == nil {
		m.ckptAvail = NewExtentList()
	}
	for _, e := range m.discard.All() {
		m.ckptAvail.Insert(e)
	}
	m.discard = NewExtentList()

	allocSnapshot := m.alloc.Clone()
	availSnapshot := m.avail.byOffset.Clone()
	discardSnapshot := m.ckptAvail.Clone()
	m.mu.Unlock()

	// Step 3: serialize the three lists as written extents.
	allocAddr, err := m.Write(encodeExtents(allocSnapshot.All()), nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "writing checkpoint alloc list")
	}
	availAddr, err := m.Write(encodeExtents(availSnapshot.All()), nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "writing checkpoint avail list")
	}
	discardAddr, err := m.Write(encodeExtents(discardSnapshot.All()), nil, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "writing checkpoint discard list")
	}

	// Step 4: fsync before the checkpoint is considered durable.
	if err := m.file.Sync(); err != nil {
		return nil, errs.Wrap(errs.Io, err, "fsyncing checkpoint")
	}

	m.mu.Lock()
	size := m.fileSize
	m.mu.Unlock()

	return &Checkpoint{
		Name:        name,
		Secs:        secs,
		Nsecs:       nsecs,
		ByteSize:    size,
		RootAddr:    rootAddr,
		WriteGen:    writeGen,
		allocAddr:   allocAddr,
		availAddr:   availAddr,
		discardAddr: discardAddr,
	}, nil
}

// Resolve folds the ckpt-available extents created by Checkpoint back
// into the live avail list: step 5 of spec.md §4.4, run once the
// checkpoint's durability is confirmed (its record has been fsynced and
// no reader still references the prior checkpoint's cookies).
func (m *Manager) Resolve() {
	m.liveLock.Lock()
	defer m.liveLock.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ckptAvail == nil {
		return
	}
	for _, e := range m.ckptAvail.All() {
		m.avail.Free(e)
	}
	m.ckptAvail = NewExtentList()
}

// LoadCheckpoint reads back a checkpoint's three serialized extent
// lists and restores the manager's live alloc/avail/discard state from
// them, used on reopen after a clean shutdown or in
// checkpoint;crash;recover;iterate-style recovery.
func (m *Manager) LoadCheckpoint(ck *Checkpoint) error {
	allocBuf, err := m.Read(ck.allocAddr, nil, nil)
	if err != nil {
		return errs.Wrap(errs.Corruption, err, "reading checkpoint alloc list")
	}
	availBuf, err := m.Read(ck.availAddr, nil, nil)
	if err != nil {
		return errs.Wrap(errs.Corruption, err, "reading checkpoint avail list")
	}
	discardBuf, err := m.Read(ck.discardAddr, nil, nil)
	if err != nil {
		return errs.Wrap(errs.Corruption, err, "reading checkpoint discard list")
	}

	alloc, err := decodeExtents(allocBuf)
	if err != nil {
		return err
	}
	avail, err := decodeExtents(availBuf)
	if err != nil {
		return err
	}
	discard, err := decodeExtents(discardBuf)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.alloc = FromExtents(alloc)
	m.avail = FromAvailExtents(avail)
	m.discard = FromExtents(discard)
	m.fileSize = ck.ByteSize
	m.mu.Unlock()
	return m.remap()
}

func encodeExtents(exts []Extent) []byte {
	buf := make([]byte, 4+len(exts)*16)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(exts)))
	off := 4
	for _, e := range exts {
		binary.LittleEndian.PutUint64(buf[off:off+8], e.Offset)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.Size)
		off += 16
	}
	return buf
}

func decodeExtents(buf []byte) ([]Extent, error) {
	if len(buf) < 4 {
		return nil, errs.New(errs.Corruption, "extent list buffer too short", nil)
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	need := 4 + int(n)*16
	if len(buf) < need {
		return nil, errs.New(errs.Corruption, "extent list buffer truncated", nil)
	}
	out := make([]Extent, n)
	off := 4
	for i := range out {
		out[i] = Extent{
			Offset: binary.LittleEndian.Uint64(buf[off : off+8]),
			Size:   binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
		off += 16
	}
	return out, nil
}
