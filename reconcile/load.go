package reconcile

import (
	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/page"
)

// BuildLeaf decodes a reconciled leaf block's image back into a fresh
// in-memory page.Page, the inverse of reconcileLeaf's cell encoding.
// Used by tree/'s cache.Loader to fault a page back in from disk.
func BuildLeaf(id uint64, kind page.Kind, buf []byte) (*page.Page, error) {
	isColumn := kind.IsColumnStore()
	cells, err := decodeCells(buf, isColumn)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decoding leaf block")
	}

	p := page.NewLeaf(id, kind)
	p.Slots = make([]page.Slot, 0, len(cells))
	for _, dc := range cells {
		if dc.deleted {
			continue
		}
		c := &page.Cell{
			Key:          dc.key,
			Recno:        dc.recno,
			Value:        dc.value,
			Overflow:     dc.overflow,
			OverflowAddr: dc.ovflAddr,
			RLE:          dc.rle,
		}
		if c.RLE == 0 {
			c.RLE = 1
		}
		p.Slots = append(p.Slots, page.Slot{Cell: c, Inserts: page.NewInsertList()})
	}
	return p, nil
}

// BuildInternal decodes a reconciled internal block's image back into a
// fresh page.Page of Refs, the inverse of reconcileInternal's encoding.
func BuildInternal(id uint64, kind page.Kind, buf []byte) (*page.Page, error) {
	isColumn := kind.IsColumnStore()
	cells, err := decodeCells(buf, isColumn)
	if err != nil {
		return nil, errs.Wrap(errs.Corruption, err, "decoding internal block")
	}

	p := page.NewInternal(id, kind)
	p.Refs = make([]*page.Ref, 0, len(cells))
	for _, dc := range cells {
		addr := decodeChildAddrBytes(dc.value)
		ref := &page.Ref{Addr: addr, PromotedKey: dc.key, StartRecno: dc.recno}
		ref.ForceState(page.RefDisk)
		p.Refs = append(p.Refs, ref)
	}
	return p, nil
}

func decodeChildAddrBytes(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	var addr uint64
	for i := 0; i < 8; i++ {
		addr |= uint64(b[i]) << (8 * i)
	}
	return addr
}
