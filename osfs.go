package packetcomp

import (
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/absfs/absfs"
)

// DirFS is an absfs.Filer rooted at a directory of the host filesystem.
// Names are slash separated and resolved below the root; ".." cannot
// climb out of it.
type DirFS struct {
	root string
}

// NewDirFS returns a filesystem rooted at dir.
func NewDirFS(dir string) (*DirFS, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: fs.ErrInvalid}
	}
	return &DirFS{root: abs}, nil
}

var _ absfs.Filer = (*DirFS)(nil)

// Root returns the host directory the filesystem is rooted at.
func (d *DirFS) Root() string { return d.root }

func (d *DirFS) native(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(cleanPath(name)))
}

func (d *DirFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := os.OpenFile(d.native(name), flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *DirFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(d.native(name), perm)
}

func (d *DirFS) Remove(name string) error {
	return os.Remove(d.native(name))
}

func (d *DirFS) Rename(oldpath, newpath string) error {
	return os.Rename(d.native(oldpath), d.native(newpath))
}

func (d *DirFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(d.native(name))
}

func (d *DirFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(d.native(name), mode)
}

func (d *DirFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return os.Chtimes(d.native(name), atime, mtime)
}

func (d *DirFS) Chown(name string, uid, gid int) error {
	return os.Chown(d.native(name), uid, gid)
}

func (d *DirFS) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(d.native(name))
}

func (d *DirFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.native(name))
}

func (d *DirFS) Sub(dir string) (fs.FS, error) {
	return absfs.FilerToFS(d, cleanPath(dir))
}
