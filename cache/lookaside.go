// Lookaside store: spec.md §4.2's mechanism for evicting a dirty page
// whose updates are committed but not yet globally visible. The on-disk
// segment format and recovery-on-open shape are adapted wholesale from
// the teacher's hashindex/segment.go (append-only record file, CRC32
// framing, reference-counted close) and hashindex/recovery.go (replay on
// open); "compaction" in the teacher becomes lookaside "sweep" here:
// removing rows whose on-page txn has become globally visible instead of
// removing superseded keys.
package cache

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/logging"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/txn"
)

// LookasideKey identifies one saved update-chain row, per spec.md §4.2:
// "keyed by (tree_id, block_addr, counter, onpage_txn, source_key)".
type LookasideKey struct {
	TreeID    uint32
	BlockAddr uint64
	Counter   uint64
	OnPageTxn txn.ID
	SourceKey []byte
}

// SavedUpdate is one historical version of a key, evicted alongside its
// page. Updates within an entry are stored newest-to-oldest, mirroring
// the in-memory Chain ordering they were copied from.
type SavedUpdate struct {
	TxnID     txn.ID
	Value     []byte
	Tombstone bool
}

// LookasideConfig exposes the sweep cadence as a policy knob (spec.md §9
// Open Question #2), rather than the original's hardcoded "~every 30
// wakeups, full pass every ~5 minutes". Only FullPassEvery is read:
// conn's sweep task wakes on its own lookaside_sweep_interval_seconds
// option, and nothing reads SweepInterval.
type LookasideConfig struct {
	SweepInterval time.Duration
	FullPassEvery int
}

// DefaultLookasideConfig mirrors the original tuning as a default, while
// leaving it overridable.
func DefaultLookasideConfig() LookasideConfig {
	return LookasideConfig{SweepInterval: 10 * time.Second, FullPassEvery: 30}
}

// lookasideRow is the in-memory bookkeeping for one stored entry.
type lookasideRow struct {
	key     LookasideKey
	updates []SavedUpdate
	offset  int64 // position in the durability log, for Sweep's rewrite
}

// Lookaside is the auxiliary store of spec.md §4.2/§9's "Lookaside store"
// glossary entry: a durable log of evicted update chains, addressable by
// (tree, block address) so a re-fault can restore them, and swept once
// their on-page txn is globally visible.
type Lookaside struct {
	cfg  LookasideConfig
	path string

	mu      sync.Mutex
	file    *os.File
	offset  int64
	rows    []*lookasideRow
	byAddr  map[uint64][]*lookasideRow // keyed by BlockAddr
	wakeups int

	log logging.Logger
}

// OpenLookaside opens (creating if absent) the lookaside log at path and
// replays it into memory, mirroring hashindex's recovery-on-open.
func OpenLookaside(path string, cfg LookasideConfig) (*Lookaside, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errs.Wrap(errs.Io, err, "opening lookaside store %s", path)
	}
	la := &Lookaside{
		cfg:    cfg,
		path:   path,
		file:   f,
		byAddr: make(map[uint64][]*lookasideRow),
		log:    logging.Component("lookaside"),
	}
	if err := la.recover(); err != nil {
		f.Close()
		return nil, err
	}
	return la, nil
}

const losHeaderSize = 4 + 4 + 4 + 8 + 8 + 8 + 4 // crc+treeID+keylen+blockaddr+counter+onpagetxn+nupdates

// Store persists a newly evicted key's saved chain and indexes it for
// Restore, per spec.md §4.2's lookaside-eviction kind.
func (la *Lookaside) Store(key LookasideKey, updates []SavedUpdate) error {
	la.mu.Lock()
	defer la.mu.Unlock()

	buf := encodeLookasideRecord(key, updates)
	off := la.offset
	if _, err := la.file.WriteAt(buf, off); err != nil {
		return errs.Wrap(errs.Io, err, "writing lookaside record")
	}
	la.offset += int64(len(buf))

	row := &lookasideRow{key: key, updates: updates, offset: off}
	la.rows = append(la.rows, row)
	la.byAddr[key.BlockAddr] = append(la.byAddr[key.BlockAddr], row)
	return nil
}

// Restore consults the lookaside table for addr and reinstates any saved
// update chains onto matching slots of the freshly faulted-in page p, per
// spec.md §4.2: "when the page is re-faulted later, the lookaside table
// is consulted and the update chains are restored."
func (la *Lookaside) Restore(addr uint64, p *page.Page) {
	la.mu.Lock()
	rows := append([]*lookasideRow(nil), la.byAddr[addr]...)
	la.mu.Unlock()
	if len(rows) == 0 {
		return
	}

	for _, row := range rows {
		chain := findChainForKey(p, row.key.SourceKey)
		if chain == nil {
			continue
		}
		for i := len(row.updates) - 1; i >= 0; i-- {
			su := row.updates[i]
			u := page.NewUpdate(su.TxnID, su.Value, su.Tombstone)
			chain.Prepend(u)
		}
	}
}

// findChainForKey locates the chain a lookaside row's source key belongs
// to: the matching on-page slot if one exists, else that region's insert
// list (a key that was only ever an insert-list entry at eviction time).
func findChainForKey(p *page.Page, key []byte) *page.Chain {
	for i := range p.Slots {
		if p.Slots[i].Cell != nil && bytes.Equal(p.Slots[i].Cell.Key, key) {
			return &p.Slots[i].Updates
		}
	}
	idx := 0
	for idx < len(p.Slots) && p.Slots[idx].Cell != nil && bytes.Compare(p.Slots[idx].Cell.Key, key) < 0 {
		idx++
	}
	var list *page.InsertList
	if idx == 0 {
		list = p.SmallestInserts
	} else {
		list = p.Slots[idx-1].Inserts
	}
	if list == nil {
		return nil
	}
	return list.GetOrInsert(key)
}

// Sweep removes every row whose OnPageTxn is globally visible per oldest,
// and rewrites the durability log to drop them. Called on the cadence
// LookasideConfig describes (conn's background sweep task owns the
// timer; Sweep itself is synchronous and safe to call directly from
// tests).
func (la *Lookaside) Sweep(oldest txn.ID) (removed int, err error) {
	la.mu.Lock()
	defer la.mu.Unlock()

	var kept []*lookasideRow
	for _, row := range la.rows {
		if row.key.OnPageTxn < oldest {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := la.rewriteLocked(kept); err != nil {
		return 0, err
	}
	la.log.Info().Int("removed", removed).Msg("lookaside sweep removed globally-visible rows")
	return removed, nil
}

func (la *Lookaside) rewriteLocked(kept []*lookasideRow) error {
	tmpPath := la.path + ".sweeping"
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errs.Wrap(errs.Io, err, "creating swept lookaside store")
	}

	var off int64
	newRows := make([]*lookasideRow, 0, len(kept))
	newByAddr := make(map[uint64][]*lookasideRow)
	for _, row := range kept {
		buf := encodeLookasideRecord(row.key, row.updates)
		if _, err := tmp.WriteAt(buf, off); err != nil {
			tmp.Close()
			return errs.Wrap(errs.Io, err, "rewriting lookaside store")
		}
		row.offset = off
		off += int64(len(buf))
		newRows = append(newRows, row)
		newByAddr[row.key.BlockAddr] = append(newByAddr[row.key.BlockAddr], row)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Io, err, "syncing swept lookaside store")
	}
	if err := la.file.Close(); err != nil {
		return errs.Wrap(errs.Io, err, "closing old lookaside store")
	}
	if err := os.Rename(tmpPath, la.path); err != nil {
		return errs.Wrap(errs.Io, err, "renaming swept lookaside store")
	}

	la.file = tmp
	la.offset = off
	la.rows = newRows
	la.byAddr = newByAddr
	return nil
}

// NoteWakeup advances the sweep-cadence counter; conn's background task
// calls this each wakeup and checks FullPassEvery to decide whether this
// wakeup should also force a full sweep regardless of pressure.
func (la *Lookaside) NoteWakeup() (fullPass bool) {
	la.mu.Lock()
	defer la.mu.Unlock()
	la.wakeups++
	if la.cfg.FullPassEvery > 0 && la.wakeups%la.cfg.FullPassEvery == 0 {
		return true
	}
	return false
}

// Len reports the current row count, used by stats/.
func (la *Lookaside) Len() int {
	la.mu.Lock()
	defer la.mu.Unlock()
	return len(la.rows)
}

// Close syncs and closes the durability log.
func (la *Lookaside) Close() error {
	la.mu.Lock()
	defer la.mu.Unlock()
	if err := la.file.Sync(); err != nil {
		return errs.Wrap(errs.Io, err, "closing lookaside store")
	}
	return la.file.Close()
}

func encodeLookasideRecord(key LookasideKey, updates []SavedUpdate) []byte {
	body := new(bytes.Buffer)
	binary.Write(body, binary.LittleEndian, key.TreeID)
	binary.Write(body, binary.LittleEndian, uint32(len(key.SourceKey)))
	binary.Write(body, binary.LittleEndian, key.BlockAddr)
	binary.Write(body, binary.LittleEndian, key.Counter)
	binary.Write(body, binary.LittleEndian, uint64(key.OnPageTxn))
	binary.Write(body, binary.LittleEndian, uint32(len(updates)))
	body.Write(key.SourceKey)
	for _, u := range updates {
		binary.Write(body, binary.LittleEndian, uint64(u.TxnID))
		var tomb byte
		if u.Tombstone {
			tomb = 1
		}
		body.WriteByte(tomb)
		binary.Write(body, binary.LittleEndian, uint32(len(u.Value)))
		body.Write(u.Value)
	}

	payload := body.Bytes()
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out[0:4], crc32.ChecksumIEEE(payload))
	copy(out[4:], payload)
	return out
}

// recover replays the durability log into memory, mirroring
// hashindex/recovery.go's linear record scan. A torn trailing record
// (possible after a crash mid-write) stops the scan rather than failing
// open, the same tolerance wal.Scan applies to its own tail.
func (la *Lookaside) recover() error {
	stat, err := la.file.Stat()
	if err != nil {
		return errs.Wrap(errs.Io, err, "stat lookaside store")
	}
	size := stat.Size()

	var off int64
	for off < size {
		row, consumed, ok := la.readRecordAt(off)
		if !ok {
			break
		}
		la.rows = append(la.rows, row)
		la.byAddr[row.key.BlockAddr] = append(la.byAddr[row.key.BlockAddr], row)
		off += consumed
	}
	la.offset = off
	return nil
}

func (la *Lookaside) readRecordAt(off int64) (*lookasideRow, int64, bool) {
	head := make([]byte, losHeaderSize)
	if _, err := la.file.ReadAt(head, off); err != nil {
		return nil, 0, false
	}
	crcStored := binary.LittleEndian.Uint32(head[0:4])
	body := head[4:]
	treeID := binary.LittleEndian.Uint32(body[0:4])
	keyLen := binary.LittleEndian.Uint32(body[4:8])
	blockAddr := binary.LittleEndian.Uint64(body[8:16])
	counter := binary.LittleEndian.Uint64(body[16:24])
	onPageTxn := txn.ID(binary.LittleEndian.Uint64(body[24:32]))
	nUpdates := binary.LittleEndian.Uint32(body[32:36])

	rest := make([]byte, keyLen)
	if _, err := la.file.ReadAt(rest, off+int64(len(head))); err != nil {
		return nil, 0, false
	}
	sourceKey := append([]byte(nil), rest...)

	pos := off + int64(len(head)) + int64(keyLen)
	updates := make([]SavedUpdate, 0, nUpdates)
	for i := uint32(0); i < nUpdates; i++ {
		hdr := make([]byte, 8+1+4)
		if _, err := la.file.ReadAt(hdr, pos); err != nil {
			return nil, 0, false
		}
		id := txn.ID(binary.LittleEndian.Uint64(hdr[0:8]))
		tomb := hdr[8] == 1
		vlen := binary.LittleEndian.Uint32(hdr[9:13])
		val := make([]byte, vlen)
		if vlen > 0 {
			if _, err := la.file.ReadAt(val, pos+13); err != nil {
				return nil, 0, false
			}
		}
		updates = append(updates, SavedUpdate{TxnID: id, Value: val, Tombstone: tomb})
		pos += 13 + int64(vlen)
	}

	total := pos - off
	payload := make([]byte, total-4)
	if _, err := la.file.ReadAt(payload, off+4); err != nil {
		return nil, 0, false
	}
	if crc32.ChecksumIEEE(payload) != crcStored {
		return nil, 0, false
	}

	key := LookasideKey{TreeID: treeID, BlockAddr: blockAddr, Counter: counter, OnPageTxn: onPageTxn, SourceKey: sourceKey}
	return &lookasideRow{key: key, updates: updates, offset: off}, total, true
}
