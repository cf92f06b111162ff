package page

// Source resolves a Ref to its resident child page, faulting it in from
// the block manager if necessary. cache.Cache implements this; Cursor
// depends only on the interface so page/ stays free of cache/block
// knowledge, matching spec.md §3's "tree shares the underlying file
// handle with its block manager" ownership split.
type Source interface {
	// Fetch publishes a hazard record, resolves ref to a resident page
	// (faulting in from disk if ref.State() is RefDisk), and returns it.
	Fetch(ref *Ref) (*Page, error)

	// Release retires the hazard record published by a prior Fetch.
	Release(ref *Ref)
}
