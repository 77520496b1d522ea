//go:build unix

// Package shm manages the file-backed shared mapping that carries the barrier
// state between processes: creating and sizing the backing file (leader),
// waiting for it to appear and reach full size (follower), mapping,
// unmapping and unlinking.
package shm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-lockstep/internal/constants"
	"github.com/ehrlich-b/go-lockstep/internal/poll"
)

// Region is a shared file mapping owned by one process.
type Region struct {
	Path string
	Fd   int
	Mem  []byte

	closed bool
}

// OpError records the system operation that failed and on which path.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Create creates (or truncates) the backing file at path, sizes it to size
// bytes and maps it read/write shared. The returned mapping is zero-filled.
// If sizing or mapping fails the file is removed only when this call created
// it; a file that already existed is left in place.
func Create(path string, size int) (*Region, error) {
	fd, created, err := openForCreate(path)
	if err != nil {
		return nil, &OpError{Op: "open", Path: path, Err: err}
	}

	cleanup := func() {
		unix.Close(fd)
		if created {
			unix.Unlink(path)
		}
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		cleanup()
		return nil, &OpError{Op: "ftruncate", Path: path, Err: err}
	}

	mem, err := mmap(fd, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		cleanup()
		return nil, &OpError{Op: "mmap", Path: path, Err: err}
	}

	return &Region{Path: path, Fd: fd, Mem: mem}, nil
}

// AttachBudgets bounds the two waits performed by Attach.
type AttachBudgets struct {
	// Exist bounds the wait for the backing file to be created
	Exist poll.Budget
	// Sized bounds the wait for the backing file to reach its full size
	Sized poll.Budget
}

// DefaultAttachBudgets returns ~10s for each wait
func DefaultAttachBudgets() AttachBudgets {
	b := poll.Budget{Interval: constants.FilePollInterval, Retries: constants.FilePollRetries}
	return AttachBudgets{Exist: b, Sized: b}
}

// Attach opens an existing backing file at path, waiting for it to be
// created and then for it to reach at least size bytes, and maps it. Budget
// exhaustion is reported as an *OpError wrapping poll.ErrExhausted.
func Attach(ctx context.Context, path string, size int, budgets AttachBudgets) (*Region, error) {
	fd := -1
	err := poll.Until(ctx, budgets.Exist, func() (bool, error) {
		var err error
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	})
	if err != nil {
		return nil, &OpError{Op: "open", Path: path, Err: err}
	}

	err = poll.Until(ctx, budgets.Sized, func() (bool, error) {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			// transient fstat failures are retried like a short file
			return false, nil
		}
		return st.Size >= int64(size), nil
	})
	if err != nil {
		unix.Close(fd)
		return nil, &OpError{Op: "wait size", Path: path, Err: err}
	}

	mem, err := mmap(fd, size, unix.PROT_READ|unix.PROT_WRITE)
	if err != nil {
		unix.Close(fd)
		return nil, &OpError{Op: "mmap", Path: path, Err: err}
	}

	return &Region{Path: path, Fd: fd, Mem: mem}, nil
}

// OpenReadOnly maps an existing backing file read-only without waiting. The
// file must already be at least size bytes.
func OpenReadOnly(path string, size int) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &OpError{Op: "open", Path: path, Err: err}
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &OpError{Op: "fstat", Path: path, Err: err}
	}
	if st.Size < int64(size) {
		unix.Close(fd)
		return nil, &OpError{Op: "fstat", Path: path, Err: fmt.Errorf("file is %d bytes, want at least %d", st.Size, size)}
	}

	mem, err := mmap(fd, size, unix.PROT_READ)
	if err != nil {
		unix.Close(fd)
		return nil, &OpError{Op: "mmap", Path: path, Err: err}
	}

	return &Region{Path: path, Fd: fd, Mem: mem}, nil
}

// Close unmaps the region and closes its descriptor. It is safe to call more
// than once. When unmap is false the mapping is left in place and only the
// descriptor is released.
func (r *Region) Close(unmap bool) error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if unmap && r.Mem != nil {
		if err := unix.Munmap(r.Mem); err != nil {
			errs = append(errs, &OpError{Op: "munmap", Path: r.Path, Err: err})
		}
		r.Mem = nil
	}
	if r.Fd >= 0 {
		if err := unix.Close(r.Fd); err != nil {
			errs = append(errs, &OpError{Op: "close", Path: r.Path, Err: err})
		}
		r.Fd = -1
	}
	return errors.Join(errs...)
}

// Unlink removes the backing file. A file that is already gone is not an
// error.
func Unlink(path string) error {
	if err := unix.Unlink(path); err != nil && !errors.Is(err, unix.ENOENT) {
		return &OpError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

// Exists reports whether a backing file is present at path
func Exists(path string) bool {
	var st unix.Stat_t
	return unix.Stat(path, &st) == nil
}

// DefaultPath returns the backing file path for a barrier name: under
// /dev/shm when available (tmpfs, never written back to disk), otherwise in
// the OS temp directory.
func DefaultPath(name string) string {
	file := constants.DefaultFilePrefix + name
	if info, err := os.Stat(constants.DefaultShmDir); err == nil && info.IsDir() {
		return filepath.Join(constants.DefaultShmDir, file)
	}
	return filepath.Join(os.TempDir(), file)
}

// openForCreate opens path for the leader, reporting whether the file was
// created by this call rather than reused
func openForCreate(path string) (fd int, created bool, err error) {
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, constants.DefaultFileMode)
	if err == nil {
		return fd, true, nil
	}
	if !errors.Is(err, unix.EEXIST) {
		return -1, false, err
	}
	fd, err = unix.Open(path, unix.O_RDWR|unix.O_TRUNC|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, false, err
	}
	return fd, false, nil
}

func mmap(fd, size, prot int) ([]byte, error) {
	return unix.Mmap(fd, 0, size, prot, mapFlags)
}
