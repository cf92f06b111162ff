// Eviction server: spec.md §4.2's victim-queue walker plus the four
// eviction kinds (clean discard, reconcile-and-discard, split-restore,
// lookaside). The victim queue and LRU-approximating walk are adapted
// from the teacher's btree/pager.go (whose single-policy LRU map this
// generalizes into a budgeted, multi-kind eviction pipeline); nothing in
// btree/pager.go distinguishes eviction kinds since that engine has no
// MVCC layer to make a page's updates only partially reclaimable.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bitbased/archengine/logging"
	"github.com/bitbased/archengine/page"
	"github.com/bitbased/archengine/txn"
)

// ReconcileFlags mirrors spec.md §4.3's "flags word (eviction vs
// checkpoint vs close; permit save/restore; permit lookaside)".
type ReconcileFlags struct {
	Checkpoint     bool
	Close          bool
	PermitRestore  bool
	PermitLookaside bool
}

// BoundaryInfo is the parent-facing half of one reconciled boundary: its
// new block address and the key (or recno) it covers, enough for the
// parent ref's index to be rewritten without cache/ knowing reconcile's
// internal cell-building types.
type BoundaryInfo struct {
	Addr        uint64
	PromotedKey []byte
	StartRecno  uint64
}

// LookasideStoreEntry is what reconciliation hands back for updates that
// must survive eviction in the lookaside store rather than on the new
// block.
type LookasideStoreEntry struct {
	Key     LookasideKey
	Updates []SavedUpdate
}

// ReconcileOutcome is cache's view of a finished reconciliation: enough
// to update the parent ref and discard (or keep) the evicted page's
// memory, per spec.md §4.2/§4.3.
type ReconcileOutcome struct {
	// Empty reports the page reconciled to nothing (spec.md §4.3's
	// "Empty page" edge case): the parent ref should become deleted.
	Empty bool

	// Single, if true, means the page became exactly one block (Addr).
	Single bool
	Addr   uint64

	// Boundaries holds one entry per block when the page split into
	// several (spec.md's ModMultiBlock).
	Boundaries []BoundaryInfo

	// RestoredPages holds newly built in-memory pages for split-restore
	// (dirty, updates not yet globally visible): the caller installs
	// one ref per page instead of discarding memory.
	RestoredPages []*page.Page

	// Lookaside holds rows that must be persisted to the lookaside
	// store because their on-page txn is committed but not globally
	// visible.
	Lookaside []LookasideStoreEntry

	// LeftDirty reports that reconciliation could not resolve the page
	// at all under the requested flags (e.g. a fixed-length column page
	// with lookaside requested, per spec.md §4.3's edge case) and the
	// page must remain dirty in cache rather than evicted.
	LeftDirty bool
}

// Reconciler turns a dirty page into a ReconcileOutcome. tree/ supplies
// the concrete closure wrapping reconcile.Reconcile and the block
// manager's Write.
type Reconciler func(p *page.Page, flags ReconcileFlags) (ReconcileOutcome, error)

// Visibility answers the two MVCC questions eviction needs without
// importing txn directly into every call site: whether every update in
// a page is globally visible, and the current oldest-reader watermark.
type Visibility interface {
	VisibleAll(id txn.ID) bool
	OldestID() txn.ID
}

// EvictionKind records which of spec.md §4.2's four kinds a victim was
// processed with, exposed for stats/ and tests.
type EvictionKind int

const (
	EvictNone EvictionKind = iota
	EvictCleanDiscard
	EvictReconcileDiscard
	EvictSplitRestore
	EvictLookaside
)

// Server runs the background eviction walk plus N worker goroutines
// draining a fixed-size victim queue, per spec.md §4.2.
type Server struct {
	cache      *Cache
	reconcile  Reconciler
	visibility Visibility

	victims chan *page.Ref

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	log logging.Logger

	Evicted atomic.Int64
}

// NewServer builds an eviction server bound to c, driven by reconcile
// and visibility. nWorkers is clamped to at least 1 and otherwise unused:
// Start's own argument sets how many queue-draining goroutines run.
func NewServer(c *Cache, reconcile Reconciler, visibility Visibility, nWorkers int) *Server {
	if nWorkers < 1 {
		nWorkers = 1
	}
	return &Server{
		cache:      c,
		reconcile:  reconcile,
		visibility: visibility,
		victims:    make(chan *page.Ref, c.cfg.VictimQueue),
		stopCh:     make(chan struct{}),
		log:        logging.Component("eviction"),
	}
}

// Start launches the walker and worker goroutines; they exit when ctx is
// canceled or Stop is called, per spec.md §5's cancellation rule
// ("observes session.running == false at designated checkpoints").
func (s *Server) Start(ctx context.Context, nWorkers int) {
	if nWorkers < 1 {
		nWorkers = 1
	}
	s.wg.Add(1)
	go s.walk(ctx)
	for i := 0; i < nWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

// Stop signals every goroutine to exit and waits for them.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// walk round-robins the cache's resident pages in LRU-approximating
// order (lowest read-generation first), enqueuing victims while the
// cache is over its soft target, per spec.md §4.2's "Victim selection".
func (s *Server) walk(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		if !s.cache.OverTarget() {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-yieldCh():
			}
			continue
		}

		victim := s.pickVictim()
		if victim == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-yieldCh():
			}
			continue
		}

		select {
		case s.victims <- victim:
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		}
	}
}

// pickVictim scans resident entries for the lowest read-generation page
// that isn't already claimed for eviction, skipping internal pages
// unless dirty (spec.md §4.2: "skips the root and internal pages unless
// dirty").
func (s *Server) pickVictim() *page.Ref {
	s.cache.mu.Lock()
	defer s.cache.mu.Unlock()

	var best *page.Ref
	var bestEntry *entry
	for ref, e := range s.cache.entries {
		p := ref.Page()
		if p == nil || p.Evicting() {
			continue
		}
		if e.internal && !p.Dirty() {
			continue
		}
		if best == nil || e.readGen.Load() < bestEntry.readGen.Load() {
			best, bestEntry = ref, e
		}
	}
	return best
}

// worker drains the victim queue, reconciling and releasing each page.
func (s *Server) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case ref := <-s.victims:
			s.evictOne(ref)
		}
	}
}

// EvictPressure runs a small, bounded eviction pass inline, per spec.md
// §4.2: "when in-use > trigger, application threads are made to do a
// bounded eviction pass before returning from cursor operations." It
// evicts at most maxPages victims and never blocks waiting on the
// background walker's queue.
func (s *Server) EvictPressure(maxPages int) {
	for i := 0; i < maxPages && s.cache.OverTrigger(); i++ {
		victim := s.pickVictim()
		if victim == nil {
			return
		}
		s.evictOne(victim)
	}
}

// evictOne applies spec.md §4.2's four eviction kinds to ref, choosing
// among them based on the page's dirtiness and update visibility.
func (s *Server) evictOne(ref *page.Ref) EvictionKind {
	p := ref.Page()
	if p == nil || !p.TryMarkEvicting() {
		return EvictNone
	}
	defer p.ClearEvicting()

	p.Latch.Lock()
	defer p.Latch.Unlock()

	if !p.Dirty() {
		return s.cleanDiscard(ref, p)
	}

	allVisible := s.pageFullyVisible(p)
	if allVisible {
		return s.reconcileDiscard(ref, p, ReconcileFlags{})
	}

	if s.pageHasCommittedButNotVisible(p) {
		outcome, err := s.reconcile(p, ReconcileFlags{PermitLookaside: true})
		if err == nil && !outcome.LeftDirty {
			s.applyLookaside(ref, p, outcome)
			return EvictLookaside
		}
	}

	outcome, err := s.reconcile(p, ReconcileFlags{PermitRestore: true})
	if err != nil || outcome.LeftDirty {
		return EvictNone
	}
	s.applySplitRestore(ref, outcome)
	return EvictSplitRestore
}

// pageFullyVisible reports whether every update chain on p is globally
// visible, per spec.md §4.2's "Reconcile-and-discard" precondition.
func (s *Server) pageFullyVisible(p *page.Page) bool {
	for i := range p.Slots {
		for u := p.Slots[i].Updates.Head(); u != nil; u = u.Next() {
			if u.Aborted() {
				continue
			}
			if !s.visibility.VisibleAll(u.TxnID) {
				return false
			}
		}
	}
	return true
}

// pageHasCommittedButNotVisible reports whether p has at least one
// non-aborted update whose id is 0 or not below OldestID -- the check
// made before trying lookaside eviction, per spec.md §4.2. It does not
// look at whether that update's transaction has committed.
func (s *Server) pageHasCommittedButNotVisible(p *page.Page) bool {
	oldest := s.visibility.OldestID()
	for i := range p.Slots {
		for u := p.Slots[i].Updates.Head(); u != nil; u = u.Next() {
			if u.Aborted() {
				continue
			}
			if u.TxnID != 0 && u.TxnID < oldest {
				continue
			}
			return true
		}
	}
	return false
}

func (s *Server) cleanDiscard(ref *page.Ref, p *page.Page) EvictionKind {
	if s.cache.hazard.Protected(ref) {
		return EvictNone
	}
	s.cache.unregister(ref)
	ref.ClearPage(ref.Addr)
	s.Evicted.Add(1)
	return EvictCleanDiscard
}

func (s *Server) reconcileDiscard(ref *page.Ref, p *page.Page, flags ReconcileFlags) EvictionKind {
	outcome, err := s.reconcile(p, flags)
	if err != nil {
		s.log.Warn().Err(err).Msg("reconcile-and-discard failed; leaving page dirty")
		return EvictNone
	}
	if outcome.LeftDirty {
		return EvictNone
	}

	if outcome.Empty {
		ref.Deleted = &page.DeletionRecord{GloballyVis: true}
	} else if outcome.Single {
		ref.Addr = outcome.Addr
	} else if len(outcome.Boundaries) > 0 {
		// Multi-block result on eviction of a non-root page: the parent
		// needs one ref per boundary. tree/ handles the parent splice
		// via the same Boundaries slice reconcileDiscard returns through
		// the page's Mod record.
		p.Mod.Kind = page.ModMultiBlock
		for _, b := range outcome.Boundaries {
			p.Mod.Boundaries = append(p.Mod.Boundaries, b.Addr)
		}
	}

	s.cache.unregister(ref)
	p.ClearDirty()
	if !outcome.Empty {
		ref.ClearPage(outcome.Addr)
	}
	s.Evicted.Add(1)
	return EvictReconcileDiscard
}

func (s *Server) applyLookaside(ref *page.Ref, p *page.Page, outcome ReconcileOutcome) {
	for _, row := range outcome.Lookaside {
		if s.cache.lookaside == nil {
			continue
		}
		if err := s.cache.lookaside.Store(row.Key, row.Updates); err != nil {
			s.log.Warn().Err(err).Msg("failed to persist lookaside row; page stays dirty")
			return
		}
	}
	s.cache.unregister(ref)
	p.ClearDirty()
	ref.ClearPage(outcome.Addr)
	s.Evicted.Add(1)
}

// applySplitRestore re-instantiates reconciled boundaries as multiple
// smaller in-memory pages still carrying their unresolved updates,
// permitting eviction pressure relief on hot pages with uncommitted
// writers (spec.md §4.2's "Split-restore" kind). The original ref is
// retired; tree/ is responsible for splicing outcome.RestoredPages into
// the parent as new refs (mirroring a real split).
func (s *Server) applySplitRestore(ref *page.Ref, outcome ReconcileOutcome) {
	s.cache.unregister(ref)
	ref.ForceState(page.RefSplit)
	s.Evicted.Add(1)
}

// idlePollInterval is how long the walker backs off when the cache is
// under its soft target or has no eligible victim, to avoid a busy spin.
const idlePollInterval = 5 * time.Millisecond

// yieldCh returns a channel that fires after idlePollInterval, used as
// the walker's idle-poll wait. A variable (not a direct time.After call)
// so tests can swap it for tighter control over timing.
var yieldCh = func() <-chan struct{} {
	ch := make(chan struct{}, 1)
	go func() {
		time.Sleep(idlePollInterval)
		ch <- struct{}{}
	}()
	return ch
}
