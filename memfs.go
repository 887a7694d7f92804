package packetcomp

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// cleanPath normalizes a name into an absolute slash path so absolute
// and relative names address the same node.
func cleanPath(name string) string {
	return path.Clean("/" + filepath.ToSlash(name))
}

// MemFS is an in-memory absfs.Filer. It holds dictionaries and capture
// files in tests and in tools that stage files before writing them out.
// Parent directories are created implicitly.
type MemFS struct {
	mu    sync.RWMutex
	nodes map[string]*memNode
}

type memNode struct {
	data    []byte
	mode    fs.FileMode
	modTime time.Time
}

func (n *memNode) isDir() bool { return n.mode.IsDir() }

// NewMemFS creates an empty in-memory filesystem.
func NewMemFS() *MemFS {
	return &MemFS{nodes: map[string]*memNode{
		"/": {mode: fs.ModeDir | 0o755, modTime: time.Now()},
	}}
}

var _ absfs.Filer = (*MemFS)(nil)

// mkdirs creates every missing parent of p. Callers hold mu.
func (m *MemFS) mkdirs(p string) error {
	dir := path.Dir(p)
	if dir == p {
		return nil
	}
	if n, ok := m.nodes[dir]; ok {
		if !n.isDir() {
			return &fs.PathError{Op: "mkdir", Path: dir, Err: errors.New("not a directory")}
		}
		return nil
	}
	if err := m.mkdirs(dir); err != nil {
		return err
	}
	m.nodes[dir] = &memNode{mode: fs.ModeDir | 0o755, modTime: time.Now()}
	return nil
}

// Open opens name for reading.
func (m *MemFS) Open(name string) (absfs.File, error) {
	return m.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates name.
func (m *MemFS) Create(name string) (absfs.File, error) {
	return m.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

func (m *MemFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := cleanPath(name)
	n, exists := m.nodes[p]
	switch {
	case exists && flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrExist}
	case !exists && flag&os.O_CREATE == 0:
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	case !exists:
		if err := m.mkdirs(p); err != nil {
			return nil, err
		}
		n = &memNode{mode: perm &^ fs.ModeType, modTime: time.Now()}
		m.nodes[p] = n
	}

	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if n.isDir() && writable {
		return nil, &fs.PathError{Op: "open", Path: name, Err: errors.New("is a directory")}
	}
	if flag&os.O_TRUNC != 0 && writable {
		n.data = n.data[:0]
		n.modTime = time.Now()
	}
	return &memHandle{fs: m, node: n, name: p, flag: flag}, nil
}

func (m *MemFS) Mkdir(name string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := cleanPath(name)
	if _, ok := m.nodes[p]; ok {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrExist}
	}
	parent, ok := m.nodes[path.Dir(p)]
	if !ok || !parent.isDir() {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrNotExist}
	}
	m.nodes[p] = &memNode{mode: fs.ModeDir | perm.Perm(), modTime: time.Now()}
	return nil
}

func (m *MemFS) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := cleanPath(name)
	n, ok := m.nodes[p]
	if !ok || p == "/" {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrNotExist}
	}
	if n.isDir() && len(m.children(p)) > 0 {
		return &fs.PathError{Op: "remove", Path: name, Err: errors.New("directory not empty")}
	}
	delete(m.nodes, p)
	return nil
}

func (m *MemFS) Rename(oldpath, newpath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := cleanPath(oldpath), cleanPath(newpath)
	n, ok := m.nodes[from]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrNotExist}
	}
	if n.isDir() {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errors.New("is a directory")}
	}
	if err := m.mkdirs(to); err != nil {
		return err
	}
	m.nodes[to] = n
	delete(m.nodes, from)
	return nil
}

func (m *MemFS) Stat(name string) (os.FileInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := cleanPath(name)
	n, ok := m.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return n.info(p), nil
}

func (m *MemFS) Chmod(name string, mode os.FileMode) error {
	return m.update("chmod", name, func(n *memNode) {
		n.mode = n.mode&fs.ModeType | mode.Perm()
	})
}

func (m *MemFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return m.update("chtimes", name, func(n *memNode) { n.modTime = mtime })
}

// Chown only checks that name exists.
func (m *MemFS) Chown(name string, uid, gid int) error {
	return m.update("chown", name, func(*memNode) {})
}

func (m *MemFS) update(op, name string, fn func(*memNode)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[cleanPath(name)]
	if !ok {
		return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
	}
	fn(n)
	return nil
}

// children returns the sorted entries directly under dir. Callers hold mu.
func (m *MemFS) children(dir string) []fs.FileInfo {
	var infos []fs.FileInfo
	for p, n := range m.nodes {
		if p != "/" && path.Dir(p) == dir {
			infos = append(infos, n.info(p))
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })
	return infos
}

func (m *MemFS) ReadDir(name string) ([]fs.DirEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := cleanPath(name)
	n, ok := m.nodes[p]
	if !ok {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrNotExist}
	}
	if !n.isDir() {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	infos := m.children(p)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, nil
}

func (m *MemFS) ReadFile(name string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[cleanPath(name)]
	if !ok {
		return nil, &fs.PathError{Op: "read", Path: name, Err: fs.ErrNotExist}
	}
	if n.isDir() {
		return nil, &fs.PathError{Op: "read", Path: name, Err: errors.New("is a directory")}
	}
	return append([]byte(nil), n.data...), nil
}

func (m *MemFS) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(m, cleanPath(dir))
}

// Names returns every file path in the filesystem, sorted.
func (m *MemFS) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for p, n := range m.nodes {
		if !n.isDir() {
			names = append(names, p)
		}
	}
	sort.Strings(names)
	return names
}

func (n *memNode) info(p string) *memFileInfo {
	return &memFileInfo{
		name:    path.Base(p),
		size:    int64(len(n.data)),
		mode:    n.mode,
		modTime: n.modTime,
	}
}

type memFileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (fi *memFileInfo) Name() string       { return fi.name }
func (fi *memFileInfo) Size() int64        { return fi.size }
func (fi *memFileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *memFileInfo) ModTime() time.Time { return fi.modTime }
func (fi *memFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *memFileInfo) Sys() interface{}   { return nil }

// memHandle is one open file. Handles share the node, each keeps its own
// offset.
type memHandle struct {
	fs   *MemFS
	node *memNode
	name string
	flag int

	mu      sync.Mutex
	pos     int64
	dirRead int
	closed  bool
}

func (h *memHandle) readable() bool { return h.flag&os.O_WRONLY == 0 }
func (h *memHandle) writable() bool { return h.flag&(os.O_WRONLY|os.O_RDWR) != 0 }

func (h *memHandle) Name() string { return h.name }

func (h *memHandle) Read(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.readAt(p, h.pos, "read")
	h.pos += int64(n)
	if err == nil && n == 0 && len(p) > 0 {
		err = io.EOF
	}
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

func (h *memHandle) ReadAt(b []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n, err := h.readAt(b, off, "readat")
	if err == nil && n < len(b) {
		err = io.EOF
	}
	return n, err
}

// readAt copies from off. Callers hold h.mu.
func (h *memHandle) readAt(b []byte, off int64, op string) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if !h.readable() || h.node.isDir() {
		return 0, &fs.PathError{Op: op, Path: h.name, Err: fs.ErrPermission}
	}
	if off < 0 {
		return 0, &fs.PathError{Op: op, Path: h.name, Err: fs.ErrInvalid}
	}
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	if off >= int64(len(h.node.data)) {
		return 0, io.EOF
	}
	return copy(b, h.node.data[off:]), nil
}

func (h *memHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.flag&os.O_APPEND != 0 {
		h.fs.mu.RLock()
		h.pos = int64(len(h.node.data))
		h.fs.mu.RUnlock()
	}
	n, err := h.writeAt(p, h.pos, "write")
	h.pos += int64(n)
	return n, err
}

func (h *memHandle) WriteAt(b []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writeAt(b, off, "writeat")
}

// writeAt stores b at off, growing the file. Callers hold h.mu.
func (h *memHandle) writeAt(b []byte, off int64, op string) (int, error) {
	if h.closed {
		return 0, fs.ErrClosed
	}
	if !h.writable() {
		return 0, &fs.PathError{Op: op, Path: h.name, Err: fs.ErrPermission}
	}
	if off < 0 {
		return 0, &fs.PathError{Op: op, Path: h.name, Err: fs.ErrInvalid}
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	n := h.node
	if end := int(off) + len(b); end > len(n.data) {
		if end > cap(n.data) {
			grown := make([]byte, len(n.data), end*2)
			copy(grown, n.data)
			n.data = grown
		}
		n.data = n.data[:end]
	}
	copy(n.data[off:], b)
	n.modTime = time.Now()
	return len(b), nil
}

func (h *memHandle) WriteString(s string) (int, error) {
	return h.Write([]byte(s))
}

func (h *memHandle) Seek(offset int64, whence int) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, fs.ErrClosed
	}
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.pos
	case io.SeekEnd:
		h.fs.mu.RLock()
		base = int64(len(h.node.data))
		h.fs.mu.RUnlock()
	default:
		return 0, &fs.PathError{Op: "seek", Path: h.name, Err: fs.ErrInvalid}
	}
	if base+offset < 0 {
		return 0, &fs.PathError{Op: "seek", Path: h.name, Err: fs.ErrInvalid}
	}
	h.pos = base + offset
	return h.pos, nil
}

func (h *memHandle) Truncate(size int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fs.ErrClosed
	}
	if !h.writable() || size < 0 {
		return &fs.PathError{Op: "truncate", Path: h.name, Err: fs.ErrInvalid}
	}
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	n := h.node
	if size <= int64(len(n.data)) {
		n.data = n.data[:size]
	} else {
		n.data = append(n.data, make([]byte, size-int64(len(n.data)))...)
	}
	n.modTime = time.Now()
	return nil
}

func (h *memHandle) Stat() (os.FileInfo, error) {
	h.fs.mu.RLock()
	defer h.fs.mu.RUnlock()
	return h.node.info(h.name), nil
}

func (h *memHandle) Sync() error { return nil }

func (h *memHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *memHandle) Readdir(n int) ([]os.FileInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, fs.ErrClosed
	}
	if !h.node.isDir() {
		return nil, &fs.PathError{Op: "readdir", Path: h.name, Err: errors.New("not a directory")}
	}
	h.fs.mu.RLock()
	all := h.fs.children(h.name)
	h.fs.mu.RUnlock()

	rest := all[min(h.dirRead, len(all)):]
	if n <= 0 {
		h.dirRead = len(all)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	rest = rest[:min(n, len(rest))]
	h.dirRead += len(rest)
	return rest, nil
}

func (h *memHandle) Readdirnames(n int) ([]string, error) {
	infos, err := h.Readdir(n)
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, err
}

func (h *memHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	infos, err := h.Readdir(n)
	entries := make([]fs.DirEntry, len(infos))
	for i, info := range infos {
		entries[i] = fs.FileInfoToDirEntry(info)
	}
	return entries, err
}

var _ absfs.File = (*memHandle)(nil)
