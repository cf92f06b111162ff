//go:build linux || freebsd || openbsd || netbsd || darwin || solaris

package block

import (
	"golang.org/x/sys/unix"

	"github.com/bitbased/archengine/errs"
)

// remap refreshes the Manager's whole-file read mapping, growing or
// replacing it as the file extends. Adapted from filodb's
// database/filodb_mmap_unix.go, swapped from raw syscall onto
// golang.org/x/sys/unix per spec.md §4.4's "read mapping of the file,
// refreshed as the file grows."
func (m *Manager) remap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remapLocked()
}

// remapLocked is remap's body, used by callers (Write) that already hold
// m.mu.
func (m *Manager) remapLocked() error {
	m.mmapMu.Lock()
	defer m.mmapMu.Unlock()

	if m.mapped != nil {
		if len(m.mapped) >= int(m.fileSize) {
			return nil
		}
		if err := unix.Munmap(m.mapped); err != nil {
			return errs.Wrap(errs.Io, err, "unmapping block file")
		}
		m.mapped = nil
	}
	if m.fileSize == 0 {
		return nil
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(m.fileSize), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return errs.Wrap(errs.Io, err, "mapping block file")
	}
	m.mapped = data
	return nil
}

// unmap tears down the current mapping, if any, on Close.
func (m *Manager) unmap() {
	m.mmapMu.Lock()
	defer m.mmapMu.Unlock()
	if m.mapped != nil {
		unix.Munmap(m.mapped)
		m.mapped = nil
	}
}

// mappedRead returns a zero-copy view of [offset, offset+size) from the
// read mapping, or false if that range is not currently mapped.
func (m *Manager) mappedRead(offset, size uint64) ([]byte, bool) {
	m.mmapMu.RLock()
	defer m.mmapMu.RUnlock()
	if m.mapped == nil || offset+size > uint64(len(m.mapped)) {
		return nil, false
	}
	return m.mapped[offset : offset+size], true
}
