package page

import "bytes"

// ChildIndex returns the index into Refs whose subtree covers key: the
// largest i such that Refs[i].PromotedKey <= key (Refs[0]'s promoted key
// is logically empty per spec.md §4.1, so index 0 always qualifies).
// Adapted from the teacher's btree/node.go GetChildPageID, generalized
// from a single-format cell directory to Ref.PromotedKey.
func (p *Page) ChildIndex(key []byte) int {
	lo, hi := 0, len(p.Refs)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if mid == 0 || bytes.Compare(p.Refs[mid].PromotedKey, key) <= 0 {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// ChildIndexByRecno is ChildIndex's column-store analogue, keyed by
// starting recno instead of a byte-string promoted key.
func (p *Page) ChildIndexByRecno(recno uint64) int {
	lo, hi := 0, len(p.Refs)-1
	best := 0
	for lo <= hi {
		mid := (lo + hi) / 2
		if mid == 0 || p.Refs[mid].StartRecno <= recno {
			best = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return best
}

// InsertRef splices a new ref into an internal page's index at the
// position implied by its promoted key, for splicing a separator key
// that a child split promotes into its parent.
func (p *Page) InsertRef(r *Ref) {
	idx := 0
	for idx < len(p.Refs) && bytes.Compare(p.Refs[idx].PromotedKey, r.PromotedKey) < 0 {
		idx++
	}
	p.Refs = append(p.Refs, nil)
	copy(p.Refs[idx+1:], p.Refs[idx:])
	p.Refs[idx] = r
}
