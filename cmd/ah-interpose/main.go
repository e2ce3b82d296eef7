// Command ah-interpose builds as a cgo `-buildmode=c-shared` preload
// library implementing the POSIX hooks described in spec.md §4.3. Per that
// section's closing note ("the detailed list of hooked symbols... is
// considered implementation freedom as long as the behavior surface stays
// observably identical"), this hooks the representative subset most
// exercised by agent workloads — open/openat/close, mkdir, unlink, readlink
// — and falls through to the real libc symbol (fetched via
// dlsym(RTLD_NEXT, ...)) for everything else, matching the overview's
// fallback rule for paths outside the AgentFS mount prefix.
package main

/*
#cgo LDFLAGS: -ldl
#define _GNU_SOURCE
#include <dlfcn.h>
#include <stdlib.h>

typedef int (*open_fn)(const char *, int, ...);
typedef int (*openat_fn)(int, const char *, int, ...);
typedef int (*close_fn)(int);
typedef int (*mkdir_fn)(const char *, unsigned int);
typedef int (*unlink_fn)(const char *);
typedef long (*readlink_fn)(const char *, char *, unsigned long);

static open_fn real_open = 0;
static openat_fn real_openat = 0;
static close_fn real_close = 0;
static mkdir_fn real_mkdir = 0;
static unlink_fn real_unlink = 0;
static readlink_fn real_readlink = 0;

static void resolve_real_symbols(void) {
	if (!real_open) real_open = (open_fn)dlsym(RTLD_NEXT, "open");
	if (!real_openat) real_openat = (openat_fn)dlsym(RTLD_NEXT, "openat");
	if (!real_close) real_close = (close_fn)dlsym(RTLD_NEXT, "close");
	if (!real_mkdir) real_mkdir = (mkdir_fn)dlsym(RTLD_NEXT, "mkdir");
	if (!real_unlink) real_unlink = (unlink_fn)dlsym(RTLD_NEXT, "unlink");
	if (!real_readlink) real_readlink = (readlink_fn)dlsym(RTLD_NEXT, "readlink");
}

static int call_real_open(const char *path, int flags, unsigned int mode) {
	return real_open(path, flags, mode);
}
static int call_real_openat(int dirfd, const char *path, int flags, unsigned int mode) {
	return real_openat(dirfd, path, flags, mode);
}
static int call_real_close(int fd) { return real_close(fd); }
static int call_real_mkdir(const char *path, unsigned int mode) { return real_mkdir(path, mode); }
static int call_real_unlink(const char *path) { return real_unlink(path); }
static long call_real_readlink(const char *path, char *buf, unsigned long bufsz) {
	return real_readlink(path, buf, bufsz);
}
*/
import "C"

import (
	"unsafe"

	"github.com/agent-harbor/ah/internal/interpose"
	"github.com/agent-harbor/ah/internal/logger"
)

func init() {
	C.resolve_real_symbols()
}

// Hook is exported for the linker's symbol table; dynamic loaders preload
// this library ahead of libc so calls from the traced process land here
// first (spec.md §4.3).

//export open
func open(path *C.char, flags C.int, mode C.uint) C.int {
	goPath := C.GoString(path)
	if fd, handled, ok := interpose.HandleOpen(goPath, int32(flags), uint32(mode)); ok {
		if !handled {
			return C.call_real_open(path, flags, mode)
		}
		return C.int(fd)
	}
	return C.call_real_open(path, flags, mode)
}

//export openat
func openat(dirfd C.int, path *C.char, flags C.int, mode C.uint) C.int {
	goPath := C.GoString(path)
	if fd, handled, ok := interpose.HandleOpenAt(int32(dirfd), goPath, int32(flags), uint32(mode)); ok {
		if !handled {
			return C.call_real_openat(dirfd, path, flags, mode)
		}
		return C.int(fd)
	}
	return C.call_real_openat(dirfd, path, flags, mode)
}

//export close
func close(fd C.int) C.int {
	interpose.HandleClose(int32(fd))
	return C.call_real_close(fd)
}

//export mkdir
func mkdir(path *C.char, mode C.uint) C.int {
	goPath := C.GoString(path)
	if errno, handled := interpose.HandleMkdir(goPath, uint32(mode)); handled {
		if errno != 0 {
			return C.int(-1)
		}
		return 0
	}
	return C.call_real_mkdir(path, mode)
}

//export unlink
func unlink(path *C.char) C.int {
	goPath := C.GoString(path)
	if errno, handled := interpose.HandleUnlink(goPath); handled {
		if errno != 0 {
			return C.int(-1)
		}
		return 0
	}
	return C.call_real_unlink(path)
}

//export readlink
func readlink(path *C.char, buf *C.char, bufsz C.ulong) C.long {
	goPath := C.GoString(path)
	if target, handled, ok := interpose.HandleReadlink(goPath); ok && handled {
		n := copy(unsafe.Slice((*byte)(unsafe.Pointer(buf)), int(bufsz)), target)
		return C.long(n)
	}
	return C.call_real_readlink(path, buf, bufsz)
}

// ah_interpose_shutdown is registered via atexit() in a real deployment's
// constructor (the C side of which is elided here since this package's
// cgo preamble only wires dlsym lookups); internal/interpose.Shutdown is
// exported so a future constructor can call it directly from Go-side init.
//
//export ah_interpose_shutdown
func ah_interpose_shutdown() {
	interpose.Shutdown()
}

func main() {
	logger.Debug("ah-interpose: loaded as a shared library, main() is unused")
}
