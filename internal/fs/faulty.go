package fs

import (
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"
)

// Op names a FileSystem operation that can be made to fail.
type Op string

const (
	OpOpen       Op = "open"
	OpCreateTemp Op = "create-temp"
	OpRemove     Op = "remove"
	OpRename     Op = "rename"
	OpLink       Op = "link"
	OpMkdirAll   Op = "mkdir"
)

// Fault defines specific failure behavior.
type Fault struct {
	FailAfterBytes int64 // Fail writes after this many bytes written TO THIS FILE. -1 to disable.
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

type opRule struct {
	op      Op
	pattern string
	err     error
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS      FileSystem
	mu      sync.Mutex
	rules   map[string]Fault // Filename pattern -> Fault
	ops     []opRule
	Default Fault // Fallback

	Err         error
	written     int64
	globalLimit int64
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fs FileSystem) *FaultyFS {
	if fs == nil {
		fs = Default
	}
	return &FaultyFS{
		FS:    fs,
		rules: make(map[string]Fault),
		Default: Fault{
			FailAfterBytes: -1, // No limit
		},
		Err:         fmt.Errorf("injected fault error"),
		globalLimit: -1,
	}
}

// GetWritten returns the total bytes written so far.
func (f *FaultyFS) GetWritten() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// SetLimit sets a global byte limit across all files opened through f.
func (f *FaultyFS) SetLimit(limit int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.globalLimit = limit
}

// AddRule adds a write fault injection rule for a specific file pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = fault
}

// FailOp makes every op on a path containing pattern fail with err.
// An empty pattern matches every path.
func (f *FaultyFS) FailOp(op Op, pattern string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, opRule{op: op, pattern: pattern, err: err})
}

// Reset removes all op failures and write rules.
func (f *FaultyFS) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = nil
	f.rules = make(map[string]Fault)
	f.globalLimit = -1
}

func (f *FaultyFS) opErr(op Op, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.ops {
		if r.op == op && strings.Contains(name, r.pattern) {
			return &os.PathError{Op: string(op), Path: name, Err: r.err}
		}
	}
	return nil
}

func (f *FaultyFS) wrap(file File, name string) File {
	f.mu.Lock()
	fault := f.Default
	for pattern, rule := range f.rules {
		if strings.Contains(name, pattern) {
			fault = rule
		}
	}
	if fault.Err == nil {
		fault.Err = f.Err
	}
	f.mu.Unlock()
	return &faultyFile{File: file, fs: f, fault: fault}
}

func (f *FaultyFS) Open(name string) (File, error) {
	if err := f.opErr(OpOpen, name); err != nil {
		return nil, err
	}
	return f.FS.Open(name)
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	if err := f.opErr(OpOpen, name); err != nil {
		return nil, err
	}
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f.wrap(file, name), nil
}

func (f *FaultyFS) CreateTemp(dir, pattern string) (File, error) {
	if err := f.opErr(OpCreateTemp, dir); err != nil {
		return nil, err
	}
	file, err := f.FS.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f.wrap(file, file.Name()), nil
}

func (f *FaultyFS) Remove(name string) error {
	if err := f.opErr(OpRemove, name); err != nil {
		return err
	}
	return f.FS.Remove(name)
}

func (f *FaultyFS) RemoveAll(path string) error {
	if err := f.opErr(OpRemove, path); err != nil {
		return err
	}
	return f.FS.RemoveAll(path)
}

func (f *FaultyFS) Rename(oldpath, newpath string) error {
	if err := f.opErr(OpRename, newpath); err != nil {
		return err
	}
	return f.FS.Rename(oldpath, newpath)
}

func (f *FaultyFS) Link(oldname, newname string) error {
	if err := f.opErr(OpLink, newname); err != nil {
		return err
	}
	return f.FS.Link(oldname, newname)
}

func (f *FaultyFS) Stat(name string) (os.FileInfo, error) {
	return f.FS.Stat(name)
}

func (f *FaultyFS) Chtimes(name string, atime, mtime time.Time) error {
	return f.FS.Chtimes(name, atime, mtime)
}

func (f *FaultyFS) MkdirAll(path string, perm os.FileMode) error {
	if err := f.opErr(OpMkdirAll, path); err != nil {
		return err
	}
	return f.FS.MkdirAll(path, perm)
}

func (f *FaultyFS) ReadDir(name string) ([]os.DirEntry, error) {
	return f.FS.ReadDir(name)
}

func (f *FaultyFS) WalkDir(root string, fn fs.WalkDirFunc) error {
	return f.FS.WalkDir(root, fn)
}

type faultyFile struct {
	File
	fs      *FaultyFS
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (n int, err error) {
	// Check per-file limit FIRST before updating global counter
	if ff.fault.FailAfterBytes >= 0 {
		if ff.written+int64(len(p)) > ff.fault.FailAfterBytes {
			return 0, ff.fault.Err
		}
	}

	ff.fs.mu.Lock()
	globalExceeded := ff.fs.globalLimit >= 0 && ff.fs.written+int64(len(p)) > ff.fs.globalLimit
	if !globalExceeded {
		ff.fs.written += int64(len(p))
	}
	ff.fs.mu.Unlock()

	if globalExceeded {
		return 0, ff.fault.Err
	}

	n, err = ff.File.Write(p)
	if n > 0 {
		ff.written += int64(n)
	}
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.Err
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	if ff.fault.FailOnClose {
		_ = ff.File.Close()
		return ff.fault.Err
	}
	return ff.File.Close()
}
