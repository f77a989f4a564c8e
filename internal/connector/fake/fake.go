// Package fake provides in-memory connectors for tests.
package fake

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/eugenetaranov/jumpexec/internal/connector"
)

// Connector is a scripted connector. Commands without a scripted response
// succeed with empty output.
type Connector struct {
	// Name is returned by String.
	Name string

	// ConnectErr fails Connect.
	ConnectErr error

	// Results maps a command to its scripted result.
	Results map[string]*connector.Result

	// ExecErrs maps a command to an Execute error.
	ExecErrs map[string]error

	// FS backs OpenTransfer. A nil FS makes OpenTransfer fail.
	FS *FS

	// OpenErr fails OpenTransfer.
	OpenErr error

	// Delay is slept in Connect, honouring ctx.
	Delay time.Duration

	mu        sync.Mutex
	executed  []string
	connected bool
	closed    int
}

// Connect records the connection or returns ConnectErr.
func (c *Connector) Connect(ctx context.Context) error {
	if c.Delay > 0 {
		select {
		case <-time.After(c.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Execute returns the scripted result for cmd.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, fmt.Errorf("not connected")
	}
	c.executed = append(c.executed, cmd)
	if err, ok := c.ExecErrs[cmd]; ok {
		return nil, err
	}
	if res, ok := c.Results[cmd]; ok {
		out := *res
		return &out, nil
	}
	return &connector.Result{}, nil
}

// OpenTransfer returns a handle on FS.
func (c *Connector) OpenTransfer(ctx context.Context) (connector.Transfer, error) {
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	if c.FS == nil {
		return nil, fmt.Errorf("no filesystem configured")
	}
	return &transfer{fs: c.FS}, nil
}

// Close counts the call.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.connected = false
	return nil
}

// String returns the connector name.
func (c *Connector) String() string {
	if c.Name == "" {
		return "fake://"
	}
	return "fake://" + c.Name
}

// Executed returns the commands run so far, in order.
func (c *Connector) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.executed...)
}

// Closed returns how many times Close was called.
func (c *Connector) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// File is a file stored in FS.
type File struct {
	Data []byte
	Mode fs.FileMode
}

// FS is an in-memory remote filesystem rooted at "/".
type FS struct {
	// MkdirErrs fails Mkdir for the given paths.
	MkdirErrs map[string]error

	// UploadErrs fails Upload for the given paths.
	UploadErrs map[string]error

	// Racing makes Mkdir create the directory and then report that it
	// already exists, as if another writer created it first.
	Racing map[string]bool

	mu     sync.Mutex
	dirs   map[string]bool
	files  map[string]File
	closed int
}

// NewFS creates a filesystem holding the given directories.
func NewFS(dirs ...string) *FS {
	f := &FS{
		dirs:  map[string]bool{"/": true},
		files: make(map[string]File),
	}
	for _, d := range dirs {
		f.dirs[path.Clean(d)] = true
	}
	return f
}

// WriteFile stores a file without any checks.
func (f *FS) WriteFile(p string, data []byte, mode fs.FileMode) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path.Clean(p)] = File{Data: data, Mode: mode}
}

// File returns the stored file at p.
func (f *FS) File(p string) (File, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[path.Clean(p)]
	return file, ok
}

// IsDir reports whether p is a stored directory.
func (f *FS) IsDir(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[path.Clean(p)]
}

// Files returns the stored file paths, sorted.
func (f *FS) Files() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.files))
	for p := range f.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Closed returns how many transfer handles were closed.
func (f *FS) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type transfer struct {
	fs *FS
}

func (t *transfer) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()

	p = path.Clean(p)
	if t.fs.dirs[p] {
		return fileInfo{name: path.Base(p), mode: fs.ModeDir | 0o755}, nil
	}
	if file, ok := t.fs.files[p]; ok {
		return fileInfo{name: path.Base(p), mode: file.Mode, size: int64(len(file.Data))}, nil
	}
	return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

func (t *transfer) Mkdir(ctx context.Context, p string) error {
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()

	p = path.Clean(p)
	if err, ok := t.fs.MkdirErrs[p]; ok {
		return err
	}
	if t.fs.Racing[p] {
		t.fs.dirs[p] = true
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if t.fs.dirs[p] {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if _, ok := t.fs.files[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrExist}
	}
	if !t.fs.dirs[path.Dir(p)] {
		return &fs.PathError{Op: "mkdir", Path: p, Err: fs.ErrNotExist}
	}
	t.fs.dirs[p] = true
	return nil
}

func (t *transfer) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()

	dst = path.Clean(dst)
	if err, ok := t.fs.UploadErrs[dst]; ok {
		return err
	}
	if !t.fs.dirs[path.Dir(dst)] {
		return &fs.PathError{Op: "open", Path: dst, Err: fs.ErrNotExist}
	}
	if t.fs.dirs[dst] {
		return &fs.PathError{Op: "open", Path: dst, Err: fmt.Errorf("is a directory")}
	}
	t.fs.files[dst] = File{Data: data, Mode: fs.FileMode(mode).Perm()}
	return nil
}

func (t *transfer) Close() error {
	t.fs.mu.Lock()
	defer t.fs.mu.Unlock()
	t.fs.closed++
	return nil
}

type fileInfo struct {
	name string
	mode fs.FileMode
	size int64
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fileInfo) Sys() any           { return nil }

// Ensure Connector implements the connector.Connector interface.
var _ connector.Connector = (*Connector)(nil)
