// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: Represents an open file with read/write/sync capabilities
//   - [FileSystem]: Abstracts the filesystem operations used by the local blob
//     store and the disk cache (open, create-temp, link, rename, remove, ...)
//
// # Implementations
//
//   - [LocalFS]: Production implementation using standard os package
//   - [FaultyFS]: Test utility for fault injection (disk full, permission denied)
//
// # Usage
//
// Production code should use fs.Default (which is [LocalFS]):
//
//	file, err := fs.Default.CreateTemp(tmpDir, "blob-*")
//
// Tests can inject [FaultyFS] to simulate failures:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.SetLimit(1024) // Fail after 1KB written
//	ffs.FailOp(fs.OpRename, "data", syscall.EACCES)
//
// # Design Notes
//
// This package intentionally does NOT include context.Context parameters.
// Filesystem operations are typically fast and non-interruptible at the syscall
// level. Cancellation is checked by callers between streamed chunks.
package fs
