// Package fat32 is a FAT32 file system engine intended for embedding inside
// an operating system kernel: a block cache, FAT table manipulation, cluster
// allocation, directory-entry encoding, and a virtual-file abstraction on
// top of them. It has no dependency on any particular kernel, VFS layer, or
// process model; callers supply a block device and get back a mountable
// volume and a root directory handle.
package fat32

import (
	"fmt"
	"syscall"
)

// DriverError is a wrapper around a system errno code with an optional
// custom message. Sentinel values such as [ErrNotFound] are *DriverError
// and compare correctly with errors.Is.
type DriverError struct {
	ErrnoCode syscall.Errno
	message   string
}

// Error implements the error interface.
func (e *DriverError) Error() string {
	if e.message != "" {
		return e.message
	}
	return e.ErrnoCode.Error()
}

// Is lets errors.Is match two *DriverError values that share an errno code,
// regardless of attached message.
func (e *DriverError) Is(target error) bool {
	other, ok := target.(*DriverError)
	if !ok {
		return false
	}
	return other.ErrnoCode == e.ErrnoCode
}

// Unwrap exposes the underlying errno so callers can also match with
// errors.Is(err, syscall.ENOSPC) and similar.
func (e *DriverError) Unwrap() error {
	return e.ErrnoCode
}

// WithMessage returns a copy of the error with message appended to the
// existing text, preserving the errno code for errors.Is comparisons.
func (e *DriverError) WithMessage(message string) *DriverError {
	base := e.Error()
	return &DriverError{
		ErrnoCode: e.ErrnoCode,
		message:   fmt.Sprintf("%s: %s", base, message),
	}
}

// WrapError is like WithMessage but appends another error's text.
func (e *DriverError) WrapError(err error) *DriverError {
	return e.WithMessage(err.Error())
}

// NewDriverError creates a DriverError with a default message derived from
// the errno code.
func NewDriverError(errnoCode syscall.Errno) *DriverError {
	return &DriverError{ErrnoCode: errnoCode, message: errnoCode.Error()}
}

// NewDriverErrorWithMessage creates a DriverError from an errno code with a
// custom message.
func NewDriverErrorWithMessage(errnoCode syscall.Errno, message string) *DriverError {
	return &DriverError{
		ErrnoCode: errnoCode,
		message:   fmt.Sprintf("%s: %s", errnoCode.Error(), message),
	}
}

// Error kinds named in the spec's error handling design. Each is a sentinel
// *DriverError; use errors.Is to test for them and WithMessage/WrapError to
// attach call-site context without losing the sentinel identity.
var (
	// ErrNotFound indicates a path or name lookup failed.
	ErrNotFound = NewDriverError(syscall.ENOENT)
	// ErrAlreadyExists indicates a create target name is already present.
	ErrAlreadyExists = NewDriverError(syscall.EEXIST)
	// ErrNotADirectory indicates an operation expected a directory.
	ErrNotADirectory = NewDriverError(syscall.ENOTDIR)
	// ErrIsADirectory indicates an operation expected a regular file.
	ErrIsADirectory = NewDriverError(syscall.EISDIR)
	// ErrNoSpace indicates free-cluster allocation failed, or a directory
	// could not be grown to hold a new entry.
	ErrNoSpace = NewDriverError(syscall.ENOSPC)
	// ErrCorrupt indicates an invalid BPB/FSInfo signature, a FAT entry
	// pointing into reserved or out-of-range territory, or (when it can't
	// be tolerated, see §7) an LDE checksum mismatch.
	ErrCorrupt = NewDriverError(syscall.EUCLEAN)
	// ErrIOFailed indicates the block device itself failed. This is fatal
	// and is never retried internally.
	ErrIOFailed = NewDriverError(syscall.EIO)
	// ErrInvalidName indicates a name is empty, contains illegal
	// characters after normalization, or is "." or ".." where disallowed.
	ErrInvalidName = NewDriverError(syscall.EINVAL)
	// ErrDirectoryNotEmpty indicates a directory removal was attempted on
	// a directory that still has entries other than "." and "..".
	ErrDirectoryNotEmpty = NewDriverError(syscall.ENOTEMPTY)
	// ErrPermissionDenied indicates an operation not permitted on this
	// object, such as removing the synthetic root directory.
	ErrPermissionDenied = NewDriverError(syscall.EPERM)
)
