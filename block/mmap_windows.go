//go:build windows

package block

import (
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/bitbased/archengine/errs"
)

// remap refreshes the Manager's whole-file read mapping using
// CreateFileMapping/MapViewOfFile, adapted from filodb's
// database/filodb_mmap_windows.go onto golang.org/x/sys/windows.
func (m *Manager) remap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remapLocked()
}

func (m *Manager) remapLocked() error {
	m.mmapMu.Lock()
	defer m.mmapMu.Unlock()

	if m.mapped != nil {
		if len(m.mapped) >= int(m.fileSize) {
			return nil
		}
		m.unmapLocked()
	}
	if m.fileSize == 0 {
		return nil
	}

	sizeHi := uint32(m.fileSize >> 32)
	sizeLo := uint32(m.fileSize & 0xffffffff)
	h, err := windows.CreateFileMapping(windows.Handle(m.file.Fd()), nil, windows.PAGE_READONLY, sizeHi, sizeLo, nil)
	if err != nil {
		return errs.Wrap(errs.Io, err, "CreateFileMapping")
	}
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ, 0, 0, uintptr(m.fileSize))
	if err != nil {
		windows.CloseHandle(h)
		return errs.Wrap(errs.Io, err, "MapViewOfFile")
	}
	m.mapHandle = uintptr(h)
	m.mapped = unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(m.fileSize))
	return nil
}

func (m *Manager) unmap() {
	m.mmapMu.Lock()
	defer m.mmapMu.Unlock()
	m.unmapLocked()
}

func (m *Manager) unmapLocked() {
	if m.mapped != nil {
		windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.mapped[0])))
		windows.CloseHandle(windows.Handle(m.mapHandle))
		m.mapped = nil
		m.mapHandle = 0
	}
}

func (m *Manager) mappedRead(offset, size uint64) ([]byte, bool) {
	m.mmapMu.RLock()
	defer m.mmapMu.RUnlock()
	if m.mapped == nil || offset+size > uint64(len(m.mapped)) {
		return nil, false
	}
	return m.mapped[offset : offset+size], true
}
