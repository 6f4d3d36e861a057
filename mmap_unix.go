//go:build unix

package corekv

import "golang.org/x/sys/unix"

// mmap wraps one memory-mapped region of the data file, mirroring the
// teacher's own root-level mmap wrapper rather than its separate public
// mmap/ subpackage.
type mmap struct {
	data     []byte
	fd       int
	size     int64
	writable bool
}

func mmapOpen(fd int, length int64, writable bool) (*mmap, error) {
	if length <= 0 {
		return nil, newErr(InvalidParameter, "mmap length must be positive")
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, 0, int(length), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, wrapErr(IOErr, "mmap", err)
	}
	return &mmap{data: data, fd: fd, size: length, writable: writable}, nil
}

func (m *mmap) sync() error {
	if m.data == nil {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return wrapErr(IOErr, "msync", err)
	}
	return nil
}

func (m *mmap) close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	m.size = 0
	if err != nil {
		return wrapErr(IOErr, "munmap", err)
	}
	return nil
}

// remap replaces the mapping with a fresh one of newSize, without an
// in-place mremap fast path. Nothing in this package calls it: the data
// file is sized once at Open and its mapping is never grown.
func (m *mmap) remap(newSize int64) error {
	if err := m.close(); err != nil {
		return err
	}
	fresh, err := mmapOpen(m.fd, newSize, m.writable)
	if err != nil {
		return err
	}
	*m = *fresh
	return nil
}
