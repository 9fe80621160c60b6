// Package flashimage maps a flash-image file into memory as the simulated
// board's flash window. Flash is immutable from the kernel's point of
// view (spec.md section 6), so it is mapped read-only; an advisory file
// lock keeps two simulator invocations against the same image file from
// racing. Grounded on the teacher's pkg/tcpip/link/fdbased mmap handling
// (the one retained teacher file performing an unix.Mmap/Munmap dance over
// a file descriptor) for the mmap lifecycle, generalized from a packet
// ring buffer to a flat read-only byte window (SPEC_FULL.md section B).
package flashimage

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
)

// Image is a memory-mapped, advisory-locked flash image file.
type Image struct {
	file *os.File
	lock *flock.Flock
	data []byte
}

// Open maps path read-only and takes a shared advisory lock on the sibling
// file path+".lock" (several simulator instances may read the same flash
// image concurrently). The lock is advisory: it does not stop a writer that
// ignores it.
func Open(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("flashimage: %w", err)
	}

	fl := flock.New(path + ".lock")
	locked, err := fl.TryRLock()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("flashimage: lock %s: %w", path, err)
	}
	if !locked {
		f.Close()
		return nil, fmt.Errorf("flashimage: %s is locked by another process", path)
	}

	info, err := f.Stat()
	if err != nil {
		fl.Unlock()
		f.Close()
		return nil, fmt.Errorf("flashimage: stat: %w", err)
	}
	if info.Size() == 0 {
		fl.Unlock()
		f.Close()
		return nil, fmt.Errorf("flashimage: %s is empty", path)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		fl.Unlock()
		f.Close()
		return nil, fmt.Errorf("flashimage: mmap: %w", err)
	}

	return &Image{file: f, lock: fl, data: data}, nil
}

// Bytes returns the mapped flash contents. The slice is read-only in
// spirit (the kernel never writes flash); callers must not mutate it.
func (img *Image) Bytes() []byte { return img.data }

// Close unmaps the image, releases the advisory lock, and closes the file.
func (img *Image) Close() error {
	var firstErr error
	if err := unix.Munmap(img.data); err != nil {
		firstErr = fmt.Errorf("flashimage: munmap: %w", err)
	}
	if err := img.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flashimage: unlock: %w", err)
	}
	if err := img.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flashimage: close: %w", err)
	}
	return firstErr
}
