package testutil

// Hand-assembled WASI command modules. Every section is shorter than 128
// bytes and every i32.const operand is below 64, so each LEB128 value fits in
// one byte.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

const wasi = "wasi_snapshot_preview1"

func section(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func name(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ExitModule calls proc_exit(code). code must be below 64.
func ExitModule(code byte) []byte {
	return concat(
		wasmHeader,
		// (i32)->() and ()->()
		section(0x01, 0x02, 0x60, 0x01, 0x7f, 0x00, 0x60, 0x00, 0x00),
		section(0x02, concat([]byte{0x01}, name(wasi), name("proc_exit"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		section(0x07, concat([]byte{0x01}, name("_start"), []byte{0x00, 0x01})...),
		// i32.const code; call 0; end
		section(0x0a, 0x01, 0x06, 0x00, 0x41, code, 0x10, 0x00, 0x0b),
	)
}

// TrapModule executes unreachable.
func TrapModule() []byte {
	return concat(
		wasmHeader,
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		section(0x03, 0x01, 0x00),
		section(0x07, concat([]byte{0x01}, name("_start"), []byte{0x00, 0x00})...),
		section(0x0a, 0x01, 0x03, 0x00, 0x00, 0x0b),
	)
}

// WriteModule writes msg to fd (1 or 2) with fd_write, then calls
// proc_exit(code). Memory layout: iovec{buf: 8, len: len(msg)} at 0, msg at 8.
func WriteModule(fd byte, msg string, code byte) []byte {
	data := concat([]byte{0x08, 0x00, 0x00, 0x00, byte(len(msg)), 0x00, 0x00, 0x00}, []byte(msg))
	return concat(
		wasmHeader,
		// t0 (i32)->(), t1 ()->(), t2 (i32,i32,i32,i32)->i32
		section(0x01, 0x03,
			0x60, 0x01, 0x7f, 0x00,
			0x60, 0x00, 0x00,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f),
		section(0x02, concat([]byte{0x02},
			name(wasi), name("fd_write"), []byte{0x00, 0x02},
			name(wasi), name("proc_exit"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		section(0x05, 0x01, 0x00, 0x01),
		section(0x07, concat([]byte{0x02},
			name("memory"), []byte{0x02, 0x00},
			name("_start"), []byte{0x00, 0x02})...),
		// fd_write(fd, 0, 1, 32); drop; proc_exit(code)
		section(0x0a, 0x01, 0x11, 0x00,
			0x41, fd, 0x41, 0x00, 0x41, 0x01, 0x41, 0x20, 0x10, 0x00, 0x1a,
			0x41, code, 0x10, 0x01, 0x0b),
		section(0x0b, concat([]byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(data))}, data)...),
	)
}

// ArtifactModule creates path in the first preopened directory (fd 3),
// writes content to it and calls proc_exit(code). len(content)+len(path)
// must stay below 48.
//
// Memory layout: iovec{buf: 16, len: len(content)} at 0, the opened fd at 8,
// nwritten at 12, content at 16, path right after content.
func ArtifactModule(path string, content []byte, code byte) []byte {
	pathOff := byte(16 + len(content))
	data := concat(
		[]byte{0x10, 0x00, 0x00, 0x00, byte(len(content)), 0x00, 0x00, 0x00},
		make([]byte, 8),
		content,
		[]byte(path),
	)
	return concat(
		wasmHeader,
		// t0 (i32)->(), t1 ()->(), t2 fd_write, t3 path_open
		section(0x01, 0x04,
			0x60, 0x01, 0x7f, 0x00,
			0x60, 0x00, 0x00,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
			0x60, 0x09, 0x7f, 0x7f, 0x7f, 0x7f, 0x7f, 0x7e, 0x7e, 0x7f, 0x7f, 0x01, 0x7f),
		section(0x02, concat([]byte{0x03},
			name(wasi), name("path_open"), []byte{0x00, 0x03},
			name(wasi), name("fd_write"), []byte{0x00, 0x02},
			name(wasi), name("proc_exit"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		section(0x05, 0x01, 0x00, 0x01),
		section(0x07, concat([]byte{0x02},
			name("memory"), []byte{0x02, 0x00},
			name("_start"), []byte{0x00, 0x03})...),
		section(0x0a, 0x01, 0x29, 0x00,
			// path_open(3, 0, path, len, O_CREAT|O_TRUNC, all rights, all rights, 0, 8); drop
			0x41, 0x03, 0x41, 0x00, 0x41, pathOff, 0x41, byte(len(path)), 0x41, 0x09,
			0x42, 0x7f, 0x42, 0x7f, 0x41, 0x00, 0x41, 0x08, 0x10, 0x00, 0x1a,
			// fd_write(load(8), 0, 1, 12); drop
			0x41, 0x08, 0x28, 0x02, 0x00, 0x41, 0x00, 0x41, 0x01, 0x41, 0x0c, 0x10, 0x01, 0x1a,
			// proc_exit(code)
			0x41, code, 0x10, 0x02, 0x0b),
		section(0x0b, concat([]byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(data))}, data)...),
	)
}
