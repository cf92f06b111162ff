// Package metadata implements spec.md §6's metadata tree: "a normal
// tree (metadata:) whose rows map URI -> config string," bootstrapped by
// a turtle file (turtle.go) that is the only thing read before the
// metadata tree itself can be opened.
package metadata

import (
	"bytes"

	"github.com/bitbased/archengine/errs"
	"github.com/bitbased/archengine/tree"
	"github.com/bitbased/archengine/txn"
)

// Store wraps the metadata tree with URI-keyed get/put/drop/list,
// per original_source/src/meta/meta_table.c's __ae_metadata_search /
// _insert / _update / _remove, minus the turtle-key special case (that
// one key never reaches this tree; see TurtleKey in turtle.go).
type Store struct {
	tree *tree.Tree
	txns *txn.Manager
}

// New wraps an already-open metadata tree.
func New(t *tree.Tree, txns *txn.Manager) *Store {
	return &Store{tree: t, txns: txns}
}

// Get returns uri's config string, or ok=false if no such row exists.
func (s *Store) Get(uri string) (value string, ok bool, err error) {
	tx := s.txns.Begin(txn.ReadUncommitted)
	defer tx.Rollback()

	c := s.tree.OpenCursor(tx)
	defer c.Close()

	if serr := c.Search([]byte(uri)); serr != nil {
		if errs.Classify(serr) == errs.NotFound {
			return "", false, nil
		}
		return "", false, serr
	}
	return string(c.Value()), true, nil
}

// Put inserts or overwrites uri's config string, per
// __ae_metadata_update's "insert if absent, else overwrite" semantics.
func (s *Store) Put(uri, value string) error {
	tx := s.txns.Begin(txn.SnapshotIsolation)

	c := s.tree.OpenCursor(tx)
	if err := c.Insert([]byte(uri), []byte(value), true); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	c.Close()

	if err := tx.Commit(); err != nil {
		return err
	}
	s.tree.NoteCommitted(tx.ID())
	return nil
}

// Drop removes uri's row. Per __ae_metadata_remove, removing a row that
// does not exist is an error (NotFound), not a no-op.
func (s *Store) Drop(uri string) error {
	tx := s.txns.Begin(txn.SnapshotIsolation)

	c := s.tree.OpenCursor(tx)
	if err := c.Remove([]byte(uri)); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	c.Close()

	if err := tx.Commit(); err != nil {
		return err
	}
	s.tree.NoteCommitted(tx.ID())
	return nil
}

// Rename moves oldURI's row to newURI, atomically within one
// transaction, per the rename verb's schema-tracking requirement
// (spec.md §6) that a crash leaves either the old name or the new name
// live, never neither.
func (s *Store) Rename(oldURI, newURI string) error {
	tx := s.txns.Begin(txn.SnapshotIsolation)
	c := s.tree.OpenCursor(tx)

	if err := c.Search([]byte(oldURI)); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	value := append([]byte(nil), c.Value()...)

	if err := c.Remove([]byte(oldURI)); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	if err := c.Insert([]byte(newURI), value, true); err != nil {
		c.Close()
		tx.Rollback()
		return err
	}
	c.Close()

	if err := tx.Commit(); err != nil {
		return err
	}
	s.tree.NoteCommitted(tx.ID())
	return nil
}

// List returns every URI whose string form starts with prefix, in
// sorted order (the tree's natural key order), for the `list` CLI verb.
func (s *Store) List(prefix string) ([]string, error) {
	tx := s.txns.Begin(txn.ReadUncommitted)
	defer tx.Rollback()

	c := s.tree.OpenCursor(tx)
	defer c.Close()

	var out []string
	pfx := []byte(prefix)
	if err := c.SeekFirst(); err != nil {
		if errs.Classify(err) == errs.NotFound {
			return out, nil
		}
		return nil, err
	}
	for {
		key := c.Key()
		if bytes.HasPrefix(key, pfx) {
			out = append(out, string(key))
		} else if len(out) > 0 && !bytes.HasPrefix(key, pfx) && string(key) > prefix {
			break
		}
		if !c.Next() {
			break
		}
	}
	if c.Err() != nil && errs.Classify(c.Err()) != errs.NotFound {
		return nil, c.Err()
	}
	return out, nil
}
