//go:build unix

package slave

import (
	"os"
	"runtime"

	"golang.org/x/sys/unix"
)

func detectHost() host {
	name, _ := os.Hostname()
	h := host{name: name, machine: runtime.GOARCH, os: runtime.GOOS, family: family()}

	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return h
	}
	h.machine = unix.ByteSliceToString(u.Machine[:])
	h.processor = h.machine
	h.os = unix.ByteSliceToString(u.Sysname[:])
	h.version = unix.ByteSliceToString(u.Release[:])
	if h.name == "" {
		h.name = unix.ByteSliceToString(u.Nodename[:])
	}
	return h
}
