package vfs

import (
	"io"
	"io/fs"
	"strings"
	"time"

	experimentalsys "github.com/tetratelabs/wazero/experimental/sys"
	"github.com/tetratelabs/wazero/sys"
)

// FS exposes a tree to a wazero guest. Paths are relative to the mount
// point and are clamped at the tree root.
type FS struct {
	experimentalsys.UnimplementedFS

	root     *Dir
	readOnly bool
}

// NewFS adapts root for mounting. A read-only FS rejects every mutation
// with EROFS, which lets one tree be shared by many instances.
func NewFS(root *Dir, readOnly bool) *FS {
	return &FS{root: root, readOnly: readOnly}
}

// Root returns the mounted tree.
func (f *FS) Root() *Dir { return f.root }

// String implements fmt.Stringer; wazero uses it in debug output.
func (f *FS) String() string {
	if f.readOnly {
		return "vfs(ro)"
	}
	return "vfs"
}

func (f *FS) lookup(segs []string) (Node, experimentalsys.Errno) {
	var cur Node = f.root
	for _, seg := range segs {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, experimentalsys.ENOTDIR
		}
		if cur, ok = dir.entries[seg]; !ok {
			return nil, experimentalsys.ENOENT
		}
	}
	return cur, 0
}

func (f *FS) parent(segs []string) (*Dir, string, experimentalsys.Errno) {
	if len(segs) == 0 {
		return nil, "", experimentalsys.EINVAL
	}
	n, errno := f.lookup(segs[:len(segs)-1])
	if errno != 0 {
		return nil, "", errno
	}
	dir, ok := n.(*Dir)
	if !ok {
		return nil, "", experimentalsys.ENOTDIR
	}
	return dir, segs[len(segs)-1], 0
}

// OpenFile implements experimentalsys.FS.
func (f *FS) OpenFile(p string, flag experimentalsys.Oflag, _ fs.FileMode) (experimentalsys.File, experimentalsys.Errno) {
	segs := segments(p)
	write := flag&(experimentalsys.O_RDWR|experimentalsys.O_WRONLY) != 0

	n, errno := f.lookup(segs)
	switch {
	case errno == experimentalsys.ENOENT && flag&experimentalsys.O_CREAT != 0:
		if f.readOnly {
			return nil, experimentalsys.EROFS
		}
		dir, name, errno := f.parent(segs)
		if errno != 0 {
			return nil, errno
		}
		file := NewFile(nil)
		dir.Put(name, file)
		n = file
	case errno != 0:
		return nil, errno
	case flag&experimentalsys.O_CREAT != 0 && flag&experimentalsys.O_EXCL != 0:
		return nil, experimentalsys.EEXIST
	}

	switch node := n.(type) {
	case *Dir:
		if write {
			return nil, experimentalsys.EISDIR
		}
		return &dirHandle{dir: node}, 0
	case *File:
		if flag&experimentalsys.O_DIRECTORY != 0 {
			return nil, experimentalsys.ENOTDIR
		}
		truncate := flag&experimentalsys.O_TRUNC != 0
		if f.readOnly && (write || truncate) {
			return nil, experimentalsys.EROFS
		}
		if truncate {
			node.truncate(0)
		}
		return &fileHandle{
			file:     node,
			readable: flag&experimentalsys.O_WRONLY == 0,
			writable: write,
			append:   flag&experimentalsys.O_APPEND != 0,
		}, 0
	}
	return nil, experimentalsys.EIO
}

// Stat implements experimentalsys.FS.
func (f *FS) Stat(p string) (sys.Stat_t, experimentalsys.Errno) {
	n, errno := f.lookup(segments(p))
	if errno != 0 {
		return sys.Stat_t{}, errno
	}
	return stat(n), 0
}

// Lstat implements experimentalsys.FS. Trees hold no symlinks.
func (f *FS) Lstat(p string) (sys.Stat_t, experimentalsys.Errno) {
	return f.Stat(p)
}

// Mkdir implements experimentalsys.FS.
func (f *FS) Mkdir(p string, _ fs.FileMode) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	segs := segments(p)
	if len(segs) == 0 {
		return experimentalsys.EEXIST
	}
	dir, name, errno := f.parent(segs)
	if errno != 0 {
		return errno
	}
	if _, ok := dir.entries[name]; ok {
		return experimentalsys.EEXIST
	}
	dir.Put(name, NewDir(nil))
	return 0
}

// Chmod implements experimentalsys.FS. Modes are not tracked.
func (f *FS) Chmod(p string, _ fs.FileMode) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	_, errno := f.lookup(segments(p))
	return errno
}

// Rename implements experimentalsys.FS.
func (f *FS) Rename(from, to string) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	fromSegs, toSegs := segments(from), segments(to)
	if len(fromSegs) == 0 || len(toSegs) == 0 {
		return experimentalsys.EINVAL
	}
	srcDir, srcName, errno := f.parent(fromSegs)
	if errno != 0 {
		return errno
	}
	src, ok := srcDir.entries[srcName]
	if !ok {
		return experimentalsys.ENOENT
	}
	dstDir, dstName, errno := f.parent(toSegs)
	if errno != 0 {
		return errno
	}
	if srcDir == dstDir && srcName == dstName {
		return 0
	}
	if _, isDir := src.(*Dir); isDir && isPrefix(fromSegs, toSegs) {
		return experimentalsys.EINVAL
	}
	if dst, exists := dstDir.entries[dstName]; exists {
		switch d := dst.(type) {
		case *Dir:
			if _, srcIsDir := src.(*Dir); !srcIsDir {
				return experimentalsys.EISDIR
			}
			if d.Len() > 0 {
				return experimentalsys.ENOTEMPTY
			}
		case *File:
			if _, srcIsDir := src.(*Dir); srcIsDir {
				return experimentalsys.ENOTDIR
			}
		}
	}
	srcDir.remove(srcName)
	dstDir.Put(dstName, src)
	return 0
}

// Rmdir implements experimentalsys.FS.
func (f *FS) Rmdir(p string) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	segs := segments(p)
	if len(segs) == 0 {
		return experimentalsys.EINVAL
	}
	dir, name, errno := f.parent(segs)
	if errno != 0 {
		return errno
	}
	n, ok := dir.entries[name]
	if !ok {
		return experimentalsys.ENOENT
	}
	target, ok := n.(*Dir)
	if !ok {
		return experimentalsys.ENOTDIR
	}
	if target.Len() > 0 {
		return experimentalsys.ENOTEMPTY
	}
	dir.remove(name)
	return 0
}

// Unlink implements experimentalsys.FS.
func (f *FS) Unlink(p string) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	dir, name, errno := f.parent(segments(p))
	if errno != 0 {
		return errno
	}
	n, ok := dir.entries[name]
	if !ok {
		return experimentalsys.ENOENT
	}
	if _, isDir := n.(*Dir); isDir {
		return experimentalsys.EISDIR
	}
	dir.remove(name)
	return 0
}

// Utimens implements experimentalsys.FS.
func (f *FS) Utimens(p string, _, mtim int64) experimentalsys.Errno {
	if f.readOnly {
		return experimentalsys.EROFS
	}
	n, errno := f.lookup(segments(p))
	if errno != 0 {
		return errno
	}
	touch(n, mtim)
	return 0
}

func touch(n Node, mtim int64) {
	if mtim < 0 {
		return
	}
	t := time.Unix(0, mtim)
	switch node := n.(type) {
	case *File:
		node.mtime = t
	case *Dir:
		node.mtime = t
	}
}

func isPrefix(prefix, segs []string) bool {
	if len(prefix) >= len(segs) {
		return false
	}
	return strings.Join(segs[:len(prefix)], "/") == strings.Join(prefix, "/")
}

func stat(n Node) sys.Stat_t {
	ts := n.modTime().UnixNano()
	st := sys.Stat_t{
		Ino:   sys.Inode(n.inode()),
		Nlink: 1,
		Atim:  ts,
		Mtim:  ts,
		Ctim:  ts,
	}
	switch node := n.(type) {
	case *Dir:
		st.Mode = fs.ModeDir | 0o755
	case *File:
		st.Mode = 0o644
		st.Size = node.Size()
	}
	return st
}

type fileHandle struct {
	experimentalsys.UnimplementedFile

	file     *File
	offset   int64
	readable bool
	writable bool
	append   bool
}

func (h *fileHandle) Dev() (uint64, experimentalsys.Errno) { return 0, 0 }

func (h *fileHandle) Ino() (sys.Inode, experimentalsys.Errno) {
	return sys.Inode(h.file.ino), 0
}

func (h *fileHandle) IsDir() (bool, experimentalsys.Errno) { return false, 0 }

func (h *fileHandle) IsAppend() bool { return h.append }

func (h *fileHandle) SetAppend(enable bool) experimentalsys.Errno {
	h.append = enable
	return 0
}

func (h *fileHandle) Stat() (sys.Stat_t, experimentalsys.Errno) {
	return stat(h.file), 0
}

func (h *fileHandle) Read(buf []byte) (int, experimentalsys.Errno) {
	n, errno := h.Pread(buf, h.offset)
	h.offset += int64(n)
	return n, errno
}

func (h *fileHandle) Pread(buf []byte, off int64) (int, experimentalsys.Errno) {
	if !h.readable {
		return 0, experimentalsys.EBADF
	}
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	if off >= h.file.Size() {
		return 0, 0
	}
	return copy(buf, h.file.data[off:]), 0
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = h.offset
	case io.SeekEnd:
		base = h.file.Size()
	default:
		return 0, experimentalsys.EINVAL
	}
	next := base + offset
	if next < 0 {
		return 0, experimentalsys.EINVAL
	}
	h.offset = next
	return next, 0
}

func (h *fileHandle) Write(buf []byte) (int, experimentalsys.Errno) {
	if h.append {
		h.offset = h.file.Size()
	}
	n, errno := h.Pwrite(buf, h.offset)
	h.offset += int64(n)
	return n, errno
}

func (h *fileHandle) Pwrite(buf []byte, off int64) (int, experimentalsys.Errno) {
	if !h.writable {
		return 0, experimentalsys.EBADF
	}
	if off < 0 {
		return 0, experimentalsys.EINVAL
	}
	if len(buf) == 0 {
		return 0, 0
	}
	return h.file.writeAt(buf, off), 0
}

func (h *fileHandle) Truncate(size int64) experimentalsys.Errno {
	if !h.writable {
		return experimentalsys.EBADF
	}
	if size < 0 {
		return experimentalsys.EINVAL
	}
	h.file.truncate(size)
	return 0
}

func (h *fileHandle) Readdir(int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	return nil, experimentalsys.ENOTDIR
}

func (h *fileHandle) Sync() experimentalsys.Errno     { return 0 }
func (h *fileHandle) Datasync() experimentalsys.Errno { return 0 }

func (h *fileHandle) Utimens(_, mtim int64) experimentalsys.Errno {
	touch(h.file, mtim)
	return 0
}

func (h *fileHandle) Close() experimentalsys.Errno { return 0 }

type dirHandle struct {
	experimentalsys.UnimplementedFile

	dir     *Dir
	listing []string
	started bool
}

func (h *dirHandle) Dev() (uint64, experimentalsys.Errno) { return 0, 0 }

func (h *dirHandle) Ino() (sys.Inode, experimentalsys.Errno) {
	return sys.Inode(h.dir.ino), 0
}

func (h *dirHandle) IsDir() (bool, experimentalsys.Errno) { return true, 0 }

func (h *dirHandle) IsAppend() bool { return false }

func (h *dirHandle) SetAppend(bool) experimentalsys.Errno { return experimentalsys.EISDIR }

func (h *dirHandle) Stat() (sys.Stat_t, experimentalsys.Errno) {
	return stat(h.dir), 0
}

func (h *dirHandle) Read([]byte) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (h *dirHandle) Pread([]byte, int64) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (h *dirHandle) Write([]byte) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (h *dirHandle) Pwrite([]byte, int64) (int, experimentalsys.Errno) {
	return 0, experimentalsys.EISDIR
}

func (h *dirHandle) Truncate(int64) experimentalsys.Errno { return experimentalsys.EISDIR }

// Seek only supports rewinding, which is how WASI restarts fd_readdir.
func (h *dirHandle) Seek(offset int64, whence int) (int64, experimentalsys.Errno) {
	if offset != 0 || whence != io.SeekStart {
		return 0, experimentalsys.EINVAL
	}
	h.listing, h.started = nil, false
	return 0, 0
}

func (h *dirHandle) Readdir(n int) ([]experimentalsys.Dirent, experimentalsys.Errno) {
	if !h.started {
		h.listing, h.started = h.dir.Names(), true
	}
	count := len(h.listing)
	if n > 0 && n < count {
		count = n
	}
	dirents := make([]experimentalsys.Dirent, 0, count)
	for _, name := range h.listing[:count] {
		child, ok := h.dir.entries[name]
		if !ok {
			continue
		}
		d := experimentalsys.Dirent{Ino: sys.Inode(child.inode()), Name: name}
		if _, isDir := child.(*Dir); isDir {
			d.Type = fs.ModeDir
		}
		dirents = append(dirents, d)
	}
	h.listing = h.listing[count:]
	return dirents, 0
}

func (h *dirHandle) Sync() experimentalsys.Errno     { return 0 }
func (h *dirHandle) Datasync() experimentalsys.Errno { return 0 }

func (h *dirHandle) Utimens(_, mtim int64) experimentalsys.Errno {
	touch(h.dir, mtim)
	return 0
}

func (h *dirHandle) Close() experimentalsys.Errno { return 0 }
