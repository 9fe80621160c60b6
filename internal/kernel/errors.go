package kernel

// Error is a kernel-level sentinel error. Every Go-facing operation that the
// spec describes as returning a named error condition (sbrk, brk, alloc,
// grant enter) returns one of these, compatible with
// errors.Is, rather than a signed return code; the signed-code convention is
// reserved for the syscall ABI boundary itself (see syscall.go), matching
// the split the teacher draws between its internal Go errors and the
// negative-errno values crossing pkg/sentry/syscalls/linux.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// ErrNoSuchApp is returned when an AppID or process index does not name
	// a process the kernel currently tracks.
	ErrNoSuchApp Error = "kernel: no such app"

	// ErrOutOfMemory is returned when a grant, sbrk, or allocator request
	// cannot be satisfied without the process's kernel-memory break
	// crossing its app-memory break (spec.md section 4.2/4.3).
	ErrOutOfMemory Error = "kernel: out of memory"

	// ErrAddressOutOfBounds is returned when a requested AppSlice or a new
	// app break falls outside a process's RAM window.
	ErrAddressOutOfBounds Error = "kernel: address out of bounds"

	// ErrNoSuchDevice is the Go-level counterpart of ReturnENODEVICE.
	// Syscall dispatch reports a driver number the platform has no driver
	// for by writing ReturnENODEVICE directly; nothing in this package
	// returns ErrNoSuchDevice.
	ErrNoSuchDevice Error = "kernel: no such device"
)
