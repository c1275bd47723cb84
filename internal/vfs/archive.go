package vfs

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression identifies how a tar archive is wrapped.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionZstd
	CompressionLZ4
)

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicLZ4  = []byte{0x04, 0x22, 0x4d, 0x18}
)

// String returns the human-readable name of a compression.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionGzip:
		return "gzip"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// DetectCompression sniffs the leading bytes of a stream.
func DetectCompression(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, magicZstd):
		return CompressionZstd
	case bytes.HasPrefix(head, magicLZ4):
		return CompressionLZ4
	case bytes.HasPrefix(head, magicGzip):
		return CompressionGzip
	default:
		return CompressionNone
	}
}

// ArchiveOptions controls LoadArchive.
type ArchiveOptions struct {
	// Prefix selects a subtree of the archive, e.g. "lib/std". Empty means
	// the archive root.
	Prefix string
}

// LoadArchive reads a (possibly compressed) tar stream into a new tree.
// Directories and regular files are kept; links and devices are skipped.
func LoadArchive(r io.Reader, opts ArchiveOptions) (*Dir, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading archive header: %w", err)
	}

	var src io.Reader = br
	switch DetectCompression(head) {
	case CompressionGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		src = gz
	case CompressionZstd:
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer dec.Close()
		src = dec
	case CompressionLZ4:
		src = lz4.NewReader(br)
	}

	root := NewDir(nil)
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar entry: %w", err)
		}

		name, err := cleanEntryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if _, ok := root.MkdirAll(name); !ok {
				return nil, fmt.Errorf("archive entry %q: parent is not a directory", hdr.Name)
			}
		case tar.TypeReg:
			dir, ok := root.MkdirAll(path.Dir(name))
			if !ok {
				return nil, fmt.Errorf("archive entry %q: parent is not a directory", hdr.Name)
			}
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading archive entry %q: %w", hdr.Name, err)
			}
			f := NewSharedFile(data)
			if !hdr.ModTime.IsZero() {
				f.mtime = hdr.ModTime
			}
			dir.Put(path.Base(name), f)
		default:
			// links, devices and pax headers carry nothing the compiler needs
		}
	}

	if opts.Prefix == "" {
		return root, nil
	}
	n, ok := root.Lookup(opts.Prefix)
	if !ok {
		return nil, fmt.Errorf("archive has no %q directory", opts.Prefix)
	}
	sub, ok := n.(*Dir)
	if !ok {
		return nil, fmt.Errorf("archive entry %q is not a directory", opts.Prefix)
	}
	return sub, nil
}

func cleanEntryName(name string) (string, error) {
	if strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("archive entry %q: absolute path", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry %q escapes the archive root", name)
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}
