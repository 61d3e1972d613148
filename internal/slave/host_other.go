//go:build !unix

package slave

import (
	"os"
	"runtime"
)

func detectHost() host {
	name, _ := os.Hostname()
	return host{
		name:      name,
		machine:   runtime.GOARCH,
		processor: runtime.GOARCH,
		os:        runtime.GOOS,
		family:    family(),
	}
}
