package block

import (
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/logging"
	"github.com/bitbased/archengine/plugin"
)

const (
	blockMagic   = 0x41454247 // "AEBG"
	blockVersion = 1
	// blockHeaderSize is magic(4) + version(4) + checksum(8) + length(4),
	// kept outside any compressed/encrypted payload per spec.md §6: "on-
	// disk page begins with a fixed header ... compressed/encrypted
	// payloads never cover this header."
	blockHeaderSize = 4 + 4 + 8 + 4
)

// blockMeta is the block manager's internal address-cookie table entry:
// spec.md's "address cookie encoding (offset, size, checksum)" is
// realized here as an indirection (addr == offset, looked up for size
// and checksum) rather than packing all three fields into one uint64,
// since page.Ref.Addr is a plain uint64 and bit-packing three variable-
// width fields into it would leave no room to grow any one of them.
type blockMeta struct {
	size     uint64
	checksum uint64
}

// Config controls how a Manager's file grows and where its metadata
// files live.
type Config struct {
	Path          string
	InitialSize   int64
	BestFitAlloc  bool // policy knob: best-fit avail search while compaction runs
}

// Manager is spec.md §4.4's block manager: allocate/free/read/write
// blocks, maintain the alloc/avail/discard extent-list triplet, and
// resolve checkpoints atomically.
type Manager struct {
	cfg  Config
	file *os.File

	mu       sync.Mutex
	fileSize uint64
	alloc    *ExtentList
	avail    *AvailList
	discard  *ExtentList
	addrMeta map[uint64]blockMeta

	// ckptAvail holds discard's contents during a live checkpoint:
	// spec.md §4.4 step 2, "cannot be reused until the checkpoint is
	// durable because readers holding the checkpoint's address cookies
	// may still need those blocks."
	ckptAvail *ExtentList

	liveLock sync.Mutex // block.live_lock, §5

	mmapMu sync.RWMutex
	mapped []byte
	// mapHandle holds the platform mapping handle (windows.Handle on
	// Windows); unused on unix, where Munmap needs only the slice.
	mapHandle uintptr

	log logging.Logger
}

// Open opens or creates the block-manager file at cfg.Path.
func Open(cfg Config) (*Manager, error) {
	f, err := os.OpenFile(cfg.Path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "opening block file %s", cfg.Path)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.Wrap(errs.Io, err, "stat block file")
	}

	m := &Manager{
		cfg:      cfg,
		file:     f,
		fileSize: uint64(stat.Size()),
		alloc:    NewExtentList(),
		avail:    NewAvailList(),
		discard:  NewExtentList(),
		addrMeta: make(map[uint64]blockMeta),
		log:      logging.Component("block"),
	}
	if m.fileSize == 0 && cfg.InitialSize > 0 {
		if err := f.Truncate(cfg.InitialSize); err != nil {
			f.Close()
			return nil, errs.Wrap(errs.Io, err, "preallocating block file")
		}
		m.fileSize = uint64(cfg.InitialSize)
		m.avail.Free(Extent{Offset: 0, Size: m.fileSize})
	}
	if err := m.remap(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// Write chooses an avail extent (first-fit, or best-fit under
// cfg.BestFitAlloc / compaction pressure), writes image framed with a
// self-describing header, and returns its address cookie. comp/enc, if
// non-nil, are applied before framing, per spec.md §4.4's write path and
// §6's Compressor/Encryptor contracts.
func (m *Manager) Write(image []byte, comp plugin.Compressor, enc plugin.Encryptor) (uint64, error) {
	payload := image
	if comp != nil {
		dst := make([]byte, comp.PreSize(payload))
		n, err := comp.Compress(dst, payload)
		if err != nil {
			return 0, errs.Wrap(errs.Io, err, "compressing block")
		}
		payload = dst[:n]
	}
	if enc != nil {
		dst := make([]byte, len(payload)+enc.Sizing())
		n, err := enc.Encrypt(dst, payload)
		if err != nil {
			return 0, errs.Wrap(errs.Io, err, "encrypting block")
		}
		payload = dst[:n]
	}

	buf := make([]byte, blockHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], blockMagic)
	binary.LittleEndian.PutUint32(buf[4:8], blockVersion)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[blockHeaderSize:], payload)
	checksum := xxhash.Sum64(buf[blockHeaderSize:])
	binary.LittleEndian.PutUint64(buf[8:16], checksum)

	m.mu.Lock()
	defer m.mu.Unlock()

	size := uint64(len(buf))
	ext, ok := m.avail.Take(size, m.cfg.BestFitAlloc)
	if !ok {
		ext = Extent{Offset: m.fileSize, Size: size}
		m.fileSize += size
	}

	if _, err := m.file.WriteAt(buf, int64(ext.Offset)); err != nil {
		return 0, errs.Wrap(errs.Io, err, "writing block")
	}

	m.alloc.insertRaw(Extent{Offset: ext.Offset, Size: size})
	m.addrMeta[ext.Offset] = blockMeta{size: size, checksum: checksum}

	if err := m.remapLocked(); err != nil {
		return 0, err
	}
	return ext.Offset, nil
}

// Free inserts addr's extent into discard, merging with adjacent
// extents by offset, per spec.md §4.4's Free operation.
func (m *Manager) Free(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.addrMeta[addr]
	if !ok {
		return errs.New(errs.Corruption, "free of unknown block address", nil)
	}
	m.alloc.Remove(addr)
	delete(m.addrMeta, addr)
	m.discard.Insert(Extent{Offset: addr, Size: meta.size})
	return nil
}

// Read issues a positioned read at addr, validates the block header
// (magic, version, checksum), decrypts and decompresses if configured,
// and returns the decoded image, per spec.md §4.4's Read operation.
func (m *Manager) Read(addr uint64, comp plugin.Compressor, enc plugin.Encryptor) ([]byte, error) {
	m.mu.Lock()
	meta, ok := m.addrMeta[addr]
	m.mu.Unlock()
	if !ok {
		return nil, errs.New(errs.Corruption, "read of unknown block address", nil)
	}

	buf := make([]byte, meta.size)
	if _, err := m.file.ReadAt(buf, int64(addr)); err != nil {
		return nil, errs.Wrap(errs.Io, err, "reading block")
	}
	return m.decode(buf, comp, enc)
}

// decode validates a raw on-disk block buffer and unwraps it into the
// caller's logical image.
func (m *Manager) decode(buf []byte, comp plugin.Compressor, enc plugin.Encryptor) ([]byte, error) {
	if len(buf) < blockHeaderSize {
		return nil, errs.New(errs.Corruption, "block shorter than header", nil)
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	version := binary.LittleEndian.Uint32(buf[4:8])
	checksum := binary.LittleEndian.Uint64(buf[8:16])
	length := binary.LittleEndian.Uint32(buf[16:20])
	if magic != blockMagic {
		return nil, errs.New(errs.Corruption, "bad block magic", nil)
	}
	if version != blockVersion {
		return nil, errs.New(errs.Corruption, "unsupported block version", nil)
	}
	if int(length) > len(buf)-blockHeaderSize {
		return nil, errs.New(errs.Corruption, "block length exceeds buffer", nil)
	}
	payload := buf[blockHeaderSize : blockHeaderSize+int(length)]
	if xxhash.Sum64(payload) != checksum {
		return nil, errs.New(errs.Corruption, "block checksum mismatch", nil)
	}

	out := payload
	if enc != nil {
		dst := make([]byte, len(out))
		n, err := enc.Decrypt(dst, out)
		if err != nil {
			return nil, errs.Wrap(errs.Io, err, "decrypting block")
		}
		out = dst[:n]
	}
	if comp != nil {
		dst := make([]byte, len(out)*8+64)
		n, err := comp.Decompress(dst, out)
		if err != nil {
			return nil, errs.Wrap(errs.Io, err, "decompressing block")
		}
		out = dst[:n]
	}
	return append([]byte(nil), out...), nil
}

// SetBestFit toggles the avail-list search policy between first-fit
// (default) and best-fit, per spec.md §4.4's "policy knob for best-fit
// when compaction is running." conn.Session.Compact flips this on for
// the duration of a forced checkpoint and restores it afterward.
func (m *Manager) SetBestFit(bestFit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.BestFitAlloc = bestFit
}

// BestFit reports the current avail-list search policy.
func (m *Manager) BestFit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.BestFitAlloc
}

// Checksum returns the previously-recorded checksum for addr, used by
// reconcile's address-reuse rule (spec.md §4.3 step 5): if a new block's
// checksum matches what was written for the same slot last time, the
// write is suppressed and the old address reused.
func (m *Manager) Checksum(addr uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.addrMeta[addr]
	return meta.checksum, ok
}

// Stats reports the current size of the three live extent lists, for
// stats/ to export and for §8's testable property #3 ("the set of
// reachable blocks ... alloc(C) ∪ avail(C) complement").
type Stats struct {
	FileSize   uint64
	AllocBytes uint64
	AvailBytes uint64
	DiscardBytes uint64
}

func sumExtents(exts []Extent) uint64 {
	var n uint64
	for _, e := range exts {
		n += e.Size
	}
	return n
}

// Snapshot reports the manager's current extent-list byte totals.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		FileSize:     m.fileSize,
		AllocBytes:   sumExtents(m.alloc.All()),
		AvailBytes:   sumExtents(m.avail.All()),
		DiscardBytes: sumExtents(m.discard.All()),
	}
}

// Close syncs and closes the underlying file.
func (m *Manager) Close() error {
	m.unmap()
	if err := m.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, err, "closing block file")
	}
	return m.file.Close()
}

// now is indirected so tests can pin the checkpoint timestamp.
var now = time.Now
