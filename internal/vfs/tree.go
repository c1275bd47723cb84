// Package vfs implements the in-memory directory trees that are mounted into
// a sandboxed compiler instance as WASI preopens.
//
// A tree is a nested mapping from path segment to either a *File or a *Dir.
// Trees are built on the host, exposed to the guest through NewFS, and read
// back on the host once the instance has finished.
package vfs

import (
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

var lastInode atomic.Uint64

func nextInode() uint64 {
	return lastInode.Add(1)
}

// Node is either a *File or a *Dir.
type Node interface {
	inode() uint64
	modTime() time.Time
}

// File is a regular file held in memory.
type File struct {
	ino    uint64
	data   []byte
	shared bool
	mtime  time.Time
}

// NewFile creates a file holding a private copy of data.
func NewFile(data []byte) *File {
	return &File{
		ino:   nextInode(),
		data:  append([]byte(nil), data...),
		mtime: time.Now(),
	}
}

// NewSharedFile creates a file whose content aliases data. The slice is never
// mutated: the first write to the file copies it.
func NewSharedFile(data []byte) *File {
	return &File{
		ino:    nextInode(),
		data:   data,
		shared: true,
		mtime:  time.Now(),
	}
}

// Bytes returns a copy of the file content.
func (f *File) Bytes() []byte {
	return append([]byte(nil), f.data...)
}

// Size returns the content length in bytes.
func (f *File) Size() int64 { return int64(len(f.data)) }

func (f *File) inode() uint64      { return f.ino }
func (f *File) modTime() time.Time { return f.mtime }

func (f *File) own() {
	if f.shared {
		f.data = append([]byte(nil), f.data...)
		f.shared = false
	}
}

func (f *File) writeAt(p []byte, off int64) int {
	f.own()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		f.resize(end)
	}
	n := copy(f.data[off:], p)
	f.mtime = time.Now()
	return n
}

func (f *File) truncate(size int64) {
	f.own()
	f.resize(size)
	f.mtime = time.Now()
}

func (f *File) resize(size int64) {
	switch {
	case size <= int64(len(f.data)):
		f.data = f.data[:size]
	case size <= int64(cap(f.data)):
		old := len(f.data)
		f.data = f.data[:size]
		clear(f.data[old:])
	default:
		grown := make([]byte, size, size+size/4)
		copy(grown, f.data)
		f.data = grown
	}
}

// Dir is a directory of named nodes.
type Dir struct {
	ino     uint64
	entries map[string]Node
	mtime   time.Time
}

// NewDir creates a directory populated with entries. Names must be single
// path segments.
func NewDir(entries map[string]Node) *Dir {
	d := &Dir{
		ino:     nextInode(),
		entries: make(map[string]Node, len(entries)),
		mtime:   time.Now(),
	}
	for name, n := range entries {
		d.entries[name] = n
	}
	return d
}

func (d *Dir) inode() uint64      { return d.ino }
func (d *Dir) modTime() time.Time { return d.mtime }

// Len returns the number of direct entries.
func (d *Dir) Len() int { return len(d.entries) }

// Names returns the direct entry names in lexical order.
func (d *Dir) Names() []string {
	names := make([]string, 0, len(d.entries))
	for name := range d.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Put adds or replaces a direct entry.
func (d *Dir) Put(name string, n Node) {
	d.entries[name] = n
	d.mtime = time.Now()
}

// Lookup resolves a slash-separated path relative to d. "" and "." resolve
// to d itself.
func (d *Dir) Lookup(p string) (Node, bool) {
	var cur Node = d
	for _, seg := range segments(p) {
		dir, ok := cur.(*Dir)
		if !ok {
			return nil, false
		}
		cur, ok = dir.entries[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ReadFile returns a copy of the content of the file at p.
func (d *Dir) ReadFile(p string) ([]byte, bool) {
	n, ok := d.Lookup(p)
	if !ok {
		return nil, false
	}
	f, ok := n.(*File)
	if !ok {
		return nil, false
	}
	return f.Bytes(), true
}

// MkdirAll returns the directory at p, creating missing directories on the
// way. It fails when a path segment names a file.
func (d *Dir) MkdirAll(p string) (*Dir, bool) {
	cur := d
	for _, seg := range segments(p) {
		next, ok := cur.entries[seg]
		if !ok {
			nd := NewDir(nil)
			cur.Put(seg, nd)
			cur = nd
			continue
		}
		if cur, ok = next.(*Dir); !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d *Dir) remove(name string) {
	delete(d.entries, name)
	d.mtime = time.Now()
}

// segments cleans p and splits it. Leading "..", "/" and "." never escape the
// tree root.
func segments(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}
