// Package reconcile implements spec.md §4.3: turning a dirty in-memory
// page's update chains into zero or more on-disk blocks, choosing what
// to write, what to keep for split-restore, and what to hand off to the
// lookaside store.
//
// The split-boundary accumulation and prefix-compressed cell encoding
// generalize the teacher's btree/split.go (which splits a full page into
// exactly two halves in memory) into spec.md's streaming, N-way boundary
// algorithm; overflow-item creation and raw-compression windowing have
// no teacher analogue and are built directly from spec.md §4.3.
package reconcile

import (
	"github.com/cespare/xxhash/v2"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/plugin"
	"github.com/bitbased/archengine/txn"
)

// Tunable thresholds. The original ties these to a per-tree "leaf page
// max" configuration; this core exposes fixed defaults plus a Config to
// override them per Tree.
const (
	DefaultMaxPageBytes   = 32 * 1024
	DefaultSplitTarget    = 24 * 1024 // ~75% of max, spec.md §4.3 step 3
	DefaultOverflowThresh = 4096
)

// Config parameterizes one Reconcile call with a tree's page-size and
// plugin configuration.
type Config struct {
	MaxPageBytes     int
	SplitTargetBytes int
	OverflowThresh   int
	Compressor       plugin.Compressor // per-block compressor, nil if none
	RawCompressor    plugin.Compressor // raw-mode compressor, nil unless configured
	Encryptor        plugin.Encryptor
	IsColumn         bool
}

func (c Config) withDefaults() Config {
	if c.MaxPageBytes == 0 {
		c.MaxPageBytes = DefaultMaxPageBytes
	}
	if c.SplitTargetBytes == 0 {
		c.SplitTargetBytes = DefaultSplitTarget
	}
	if c.OverflowThresh == 0 {
		c.OverflowThresh = DefaultOverflowThresh
	}
	return c
}

// Flags mirrors spec.md §4.3's "flags word (eviction vs checkpoint vs
// close; permit save/restore; permit lookaside)". It is reconcile's own
// type, not shared with cache/, so the two packages can import each
// other freely without a cycle; tree/ owns the conversion between this
// and cache.ReconcileFlags.
type Flags struct {
	Checkpoint       bool
	Close            bool
	PermitRestore    bool
	PermitLookaside  bool
	IsRoot           bool
}

// BlockWriter is the subset of block.Manager reconcile needs: write a
// finished block image and look up a previously written block's
// checksum for the address-reuse rule.
type BlockWriter interface {
	Write(image []byte, comp plugin.Compressor, enc plugin.Encryptor) (addr uint64, err error)
	Checksum(addr uint64) (uint64, bool)
}

// Visibility is the subset of txn.Manager reconcile needs to classify
// update chains.
type Visibility interface {
	VisibleAll(id txn.ID) bool
}

// SavedUpdate is one update preserved off-page for split-restore or
// lookaside, per spec.md §3's Update entity.
type SavedUpdate struct {
	TxnID     txn.ID
	Value     []byte
	Tombstone bool
}

// LookasideEntry is one row destined for the lookaside store, keyed per
// spec.md §4.2's "(tree_id, block_addr, counter, onpage_txn, source_key)".
// TreeID and Counter are filled in by tree/ (the adapter), since
// reconcile has no notion of tree identity or a global dirty-page
// counter.
type LookasideEntry struct {
	SourceKey []byte
	OnPageTxn txn.ID
	Updates   []SavedUpdate
}

// Boundary is one reconciled chunk of the page: either a block written
// to disk (Written true, Addr/Size/Checksum set) or a disk image kept in
// memory for split-restore (Written false, Image set), per spec.md
// §4.3's "Outputs".
type Boundary struct {
	Written  bool
	Addr     uint64
	Size     uint64
	Checksum uint64

	Image        []byte
	SavedUpdates []SavedUpdate

	// PromotedKey (row) / StartRecno (col) is the key the parent should
	// index this boundary under; the first boundary inherits the page's
	// existing promoted key.
	PromotedKey []byte
	StartRecno  uint64
}

// Result is Reconcile's full output.
type Result struct {
	Empty bool // page had no live content; parent ref should be deleted

	ModKind    page.ModKind
	Boundaries []Boundary

	Lookaside []LookasideEntry
	LeftDirty bool // reconciliation could not complete; page stays dirty

	// IsCheckpoint and CheckpointRootAddr are set when flags.IsRoot &&
	// flags.Checkpoint: step 7's "root's single-block reconciliation
	// becomes a checkpoint."
	IsCheckpoint       bool
	CheckpointRootAddr uint64
}

// Reconcile runs spec.md §4.3's algorithm against p.
func Reconcile(p *page.Page, flags Flags, vis Visibility, bw BlockWriter, recent *RecentCache, cfg Config) (Result, error) {
	cfg = cfg.withDefaults()

	if p.IsLeaf() {
		return reconcileLeaf(p, flags, vis, bw, recent, cfg)
	}
	return reconcileInternal(p, flags, vis, bw, recent, cfg)
}

// slotDecision is step 1's per-slot classification result.
type slotDecision struct {
	cell       outCell
	unchanged  bool // no live update; write the existing on-disk cell as-is
	clean      bool // the chosen value is globally visible
	saved      []SavedUpdate
	sourceKey  []byte
	onPageTxn  txn.ID
	hasDecision bool
}

// scanSlot implements step 1 for one slot: walk its update chain,
// classify clean vs not, and pick the value to write plus the values to
// preserve for restore/lookaside.
func scanSlot(s *page.Slot, key []byte, recno uint64, flags Flags, vis Visibility) slotDecision {
	head := s.Updates.Head()
	if head == nil {
		d := slotDecision{unchanged: true, clean: true}
		if s.Cell != nil {
			d.cell = cellFromPage(s.Cell, key, recno)
			d.hasDecision = true
		}
		return d
	}

	var newest *page.Update
	var saved []SavedUpdate
	for u := head; u != nil; u = u.Next() {
		if u.Aborted() {
			continue
		}
		if newest == nil {
			newest = u
			continue
		}
		saved = append(saved, SavedUpdate{TxnID: u.TxnID, Value: u.Value, Tombstone: u.Tombstone})
	}
	if newest == nil {
		// every update aborted; fall back to the on-disk cell unchanged.
		d := slotDecision{unchanged: true, clean: true}
		if s.Cell != nil {
			d.cell = cellFromPage(s.Cell, key, recno)
			d.hasDecision = true
		}
		return d
	}

	visible := vis.VisibleAll(newest.TxnID)
	d := slotDecision{
		clean:      visible,
		sourceKey:  key,
		onPageTxn:  newest.TxnID,
		hasDecision: true,
	}
	if !visible {
		// The newest value is not yet safe to treat as the sole truth;
		// preserve it too so restore/lookaside has the full chain.
		saved = append([]SavedUpdate{{TxnID: newest.TxnID, Value: newest.Value, Tombstone: newest.Tombstone}}, saved...)
	}
	d.saved = saved

	if newest.Tombstone {
		d.cell = outCell{key: key, recno: recno, deleted: true, rle: 1}
	} else {
		d.cell = outCell{key: key, recno: recno, value: newest.Value, rle: 1}
	}
	return d
}

// cellKey and cellRecno tolerate a nil Cell (a slot whose on-disk cell
// has already been deleted, surviving only via its update chain).
func cellKey(c *page.Cell) []byte {
	if c == nil {
		return nil
	}
	return c.Key
}

func cellRecno(c *page.Cell) uint64 {
	if c == nil {
		return 0
	}
	return c.Recno
}

func cellFromPage(c *page.Cell, key []byte, recno uint64) outCell {
	rle := c.RLE
	if rle == 0 {
		rle = 1
	}
	return outCell{
		key:      key,
		recno:    recno,
		value:    c.Value,
		overflow: c.Overflow,
		ovflAddr: c.OverflowAddr,
		deleted:  c.Removed,
		rle:      rle,
	}
}

// reconcileLeaf handles RowLeaf / ColVarLeaf / ColFixLeaf pages. ColFix
// pages are reconciled the same way at this level of detail; their
// bit-packed on-disk representation is out of this core's scope (see
// DESIGN.md's reconcile/ entry), so they're encoded with the same
// variable-width cell codec as ColVarLeaf.
func reconcileLeaf(p *page.Page, flags Flags, vis Visibility, bw BlockWriter, recent *RecentCache, cfg Config) (Result, error) {
	if p.NumSlots() == 0 {
		return Result{Empty: true}, nil
	}

	decisions := make([]slotDecision, 0, p.NumSlots())
	allClean := true
	for i := range p.Slots {
		d := scanSlot(&p.Slots[i], cellKey(p.Slots[i].Cell), cellRecno(p.Slots[i].Cell), flags, vis)
		if !d.hasDecision {
			continue // slot fully deleted with no surviving on-disk cell
		}
		if !d.clean {
			allClean = false
		}
		decisions = append(decisions, d)
	}

	if len(decisions) == 0 {
		return Result{Empty: true}, nil
	}

	if !allClean && !flags.Checkpoint && !flags.Close && !flags.PermitRestore && !flags.PermitLookaside {
		return Result{LeftDirty: true}, nil
	}

	var lookaside []LookasideEntry
	useLookaside := !allClean && flags.PermitLookaside
	useRestore := !allClean && !useLookaside && flags.PermitRestore

	boundaries, err := buildBoundaries(decisions, cfg, bw, recent, p, flags)
	if err != nil {
		return Result{}, err
	}

	if useLookaside {
		for _, d := range decisions {
			if len(d.saved) == 0 {
				continue
			}
			lookaside = append(lookaside, LookasideEntry{
				SourceKey: d.sourceKey,
				OnPageTxn: d.onPageTxn,
				Updates:   d.saved,
			})
		}
	}
	if useRestore {
		// Attach saved updates to their boundary so tree/ can re-instantiate
		// smaller in-memory pages retaining the unresolved updates (spec.md
		// §4.2's split-restore kind), instead of writing to disk.
		attachRestoreUpdates(boundaries, decisions)
		for i := range boundaries {
			boundaries[i].Written = false
		}
	}

	result := Result{
		Lookaside: lookaside,
	}
	if len(boundaries) == 1 {
		result.ModKind = page.ModReplace
	} else {
		result.ModKind = page.ModMultiBlock
	}
	result.Boundaries = boundaries

	if flags.IsRoot && flags.Checkpoint && len(boundaries) == 1 && boundaries[0].Written {
		result.IsCheckpoint = true
		result.CheckpointRootAddr = boundaries[0].Addr
	}
	return result, nil
}

// attachRestoreUpdates distributes each slot's saved updates to the
// boundary whose key range contains it; since buildBoundaries already
// grouped decisions contiguously, this just walks both in lockstep by
// recomputing which boundary each decision index landed in. For
// simplicity (and because split-restore is already a reduced-pressure
// path, not the common case) every boundary receives every saved update
// whose source key falls inside [PromotedKey(this), PromotedKey(next)).
func attachRestoreUpdates(boundaries []Boundary, decisions []slotDecision) {
	for _, d := range decisions {
		if len(d.saved) == 0 {
			continue
		}
		idx := len(boundaries) - 1
		for i := 1; i < len(boundaries); i++ {
			if lessBytes(d.sourceKey, boundaries[i].PromotedKey) {
				idx = i - 1
				break
			}
		}
		boundaries[idx].SavedUpdates = append(boundaries[idx].SavedUpdates, d.saved...)
	}
}

func lessBytes(a, b []byte) bool {
	if b == nil {
		return false
	}
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// buildBoundaries runs steps 2-5: build cells, cut split boundaries
// (or hand the whole stream to a raw compressor), create overflow items,
// and write (or reuse the address of) each finished block.
func buildBoundaries(decisions []slotDecision, cfg Config, bw BlockWriter, recent *RecentCache, p *page.Page, flags Flags) ([]Boundary, error) {
	if cfg.RawCompressor != nil {
		return buildRawBoundaries(decisions, cfg, bw, recent, p, flags)
	}

	var boundaries []Boundary
	codec := newCellCodec(cfg.IsColumn)
	var startIdx int

	flush := func(endIdx int) error {
		if endIdx <= startIdx {
			return nil
		}
		image := codec.Bytes()
		b, err := finalizeBoundary(image, decisions[startIdx], bw, recent, p, len(boundaries), cfg)
		if err != nil {
			return err
		}
		boundaries = append(boundaries, b)
		codec.resetBoundary()
		startIdx = endIdx
		return nil
	}

	for i, d := range decisions {
		oc := d.cell
		if oc.deleted && d.clean {
			// globally-visible tombstone: the cell is dropped entirely,
			// per spec.md §4.3's edge case for deleted slots.
			continue
		}
		if !oc.deleted && !oc.overflow && len(oc.value) > cfg.OverflowThresh {
			addr, err := bw.Write(oc.value, cfg.Compressor, cfg.Encryptor)
			if err != nil {
				return nil, errs.Wrap(errs.Io, err, "writing overflow item")
			}
			oc.overflow = true
			oc.ovflAddr = addr
			oc.value = nil
		}
		n := codec.Append(oc)
		if n >= cfg.SplitTargetBytes && i+1 < len(decisions) {
			if err := flush(i + 1); err != nil {
				return nil, err
			}
		} else if n >= cfg.MaxPageBytes {
			if err := flush(i + 1); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(len(decisions)); err != nil {
		return nil, err
	}
	return boundaries, nil
}

// buildRawBoundaries implements step 4: feed the uncompressed cell
// stream to a raw compressor and let it choose split points.
func buildRawBoundaries(decisions []slotDecision, cfg Config, bw BlockWriter, recent *RecentCache, p *page.Page, flags Flags) ([]Boundary, error) {
	codec := newCellCodec(cfg.IsColumn)
	offsets := make([]int, 0, len(decisions)+1)
	offsets = append(offsets, 0)
	for _, d := range decisions {
		codec.Append(d.cell)
		offsets = append(offsets, codec.buf.Len())
	}
	stream := codec.Bytes()

	var boundaries []Boundary
	startOff := 0
	startIdx := 0
	for startOff < len(stream) {
		dst := make([]byte, len(stream)-startOff+64)
		consumed, n, ok, err := cfg.RawCompressor.CompressRaw(dst, stream[startOff:])
		if err != nil {
			return nil, errs.Wrap(errs.Io, err, "raw-compressing reconciliation stream")
		}
		if !ok {
			// Compressor wants more input than remains; flush what's left
			// as a final, uncompressed boundary.
			image := append([]byte(nil), stream[startOff:]...)
			b, ferr := finalizeBoundary(image, decisions[startIdx], bw, recent, p, len(boundaries), cfg)
			if ferr != nil {
				return nil, ferr
			}
			boundaries = append(boundaries, b)
			break
		}
		endOff := startOff + consumed
		idx := boundaryIndexFor(offsets, endOff)
		b, ferr := finalizeBoundary(dst[:n], decisions[startIdx], bw, recent, p, len(boundaries), cfg)
		if ferr != nil {
			return nil, ferr
		}
		boundaries = append(boundaries, b)
		startOff = endOff
		startIdx = idx
	}
	return boundaries, nil
}

func boundaryIndexFor(offsets []int, byteOff int) int {
	for i, o := range offsets {
		if o >= byteOff {
			return i
		}
	}
	return len(offsets) - 1
}

// finalizeBoundary writes image via the block manager, unless its
// checksum matches what was previously written for this slot (step 5's
// address-reuse rule), in which case the prior address is reused.
func finalizeBoundary(image []byte, first slotDecision, bw BlockWriter, recent *RecentCache, p *page.Page, boundaryIdx int, cfg Config) (Boundary, error) {
	checksum := xxhash.Sum64(image)

	if prevAddr, ok := prevBoundaryAddr(p, boundaryIdx); ok {
		if cached, hit := recent.Checksum(prevAddr); hit && cached == checksum {
			return Boundary{Written: true, Addr: prevAddr, Size: uint64(len(image)), Checksum: checksum, PromotedKey: first.sourceKey}, nil
		}
		if stored, ok := bw.Checksum(prevAddr); ok && stored == checksum {
			recent.Note(prevAddr, checksum)
			return Boundary{Written: true, Addr: prevAddr, Size: uint64(len(image)), Checksum: checksum, PromotedKey: first.sourceKey}, nil
		}
	}

	addr, err := bw.Write(image, cfg.Compressor, cfg.Encryptor)
	if err != nil {
		return Boundary{}, errs.Wrap(errs.Io, err, "writing reconciled block")
	}
	recent.Note(addr, checksum)
	return Boundary{Written: true, Addr: addr, Size: uint64(len(image)), Checksum: checksum, PromotedKey: first.sourceKey}, nil
}

// prevBoundaryAddr looks up the address this boundary index held after
// the page's last reconciliation, per step 5.
func prevBoundaryAddr(p *page.Page, idx int) (uint64, bool) {
	switch p.Mod.Kind {
	case page.ModReplace:
		if idx == 0 {
			return p.Mod.Addr, true
		}
	case page.ModMultiBlock:
		if idx < len(p.Mod.Boundaries) {
			return p.Mod.Boundaries[idx], true
		}
	}
	return 0, false
}

// reconcileInternal handles RowInternal / ColInternal pages: the only
// "updates" an internal page carries are its children's ModRecord
// replacements, already folded into Refs by the caller (tree/'s parent
// fixup step) before Reconcile runs, so this mostly re-serializes the
// ref array as a single block unless it has grown past the split
// target, in which case it splits the same way a leaf does.
func reconcileInternal(p *page.Page, flags Flags, vis Visibility, bw BlockWriter, recent *RecentCache, cfg Config) (Result, error) {
	if len(p.Refs) == 0 {
		return Result{Empty: true}, nil
	}

	codec := newCellCodec(cfg.IsColumn)
	var boundaries []Boundary
	startIdx := 0

	flush := func(endIdx int) error {
		if endIdx <= startIdx {
			return nil
		}
		image := codec.Bytes()
		checksum := xxhash.Sum64(image)
		var addr uint64
		if prevAddr, ok := prevBoundaryAddr(p, len(boundaries)); ok {
			if stored, ok := bw.Checksum(prevAddr); ok && stored == checksum {
				addr = prevAddr
			}
		}
		if addr == 0 {
			var err error
			addr, err = bw.Write(image, cfg.Compressor, cfg.Encryptor)
			if err != nil {
				return errs.Wrap(errs.Io, err, "writing internal page block")
			}
			recent.Note(addr, checksum)
		}
		boundaries = append(boundaries, Boundary{
			Written:     true,
			Addr:        addr,
			Size:        uint64(len(image)),
			Checksum:    checksum,
			PromotedKey: p.Refs[startIdx].PromotedKey,
			StartRecno:  p.Refs[startIdx].StartRecno,
		})
		codec.resetBoundary()
		startIdx = endIdx
		return nil
	}

	for i, ref := range p.Refs {
		addr := ref.Addr
		if ref.State() == page.RefMem {
			// Child still resident; its address cookie is only valid once
			// the child itself has been reconciled, which tree/ ensures
			// happens bottom-up before the parent is reconciled.
			addr = ref.Addr
		}
		oc := outCell{key: ref.PromotedKey, recno: ref.StartRecno, value: encodeChildAddr(addr), rle: 1}
		n := codec.Append(oc)
		if n >= cfg.SplitTargetBytes && i+1 < len(p.Refs) {
			if err := flush(i + 1); err != nil {
				return Result{}, err
			}
		}
	}
	if err := flush(len(p.Refs)); err != nil {
		return Result{}, err
	}

	result := Result{Boundaries: boundaries}
	if len(boundaries) == 1 {
		result.ModKind = page.ModReplace
	} else {
		result.ModKind = page.ModMultiBlock
	}
	if flags.IsRoot && flags.Checkpoint && len(boundaries) == 1 {
		result.IsCheckpoint = true
		result.CheckpointRootAddr = boundaries[0].Addr
	}
	return result, nil
}

func encodeChildAddr(addr uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(addr >> (8 * i))
	}
	return out
}
